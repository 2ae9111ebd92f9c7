package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sync/internal/cancellation"
	"github.com/example/ride-sync/internal/events"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/retryqueue"
	"github.com/example/ride-sync/internal/ridestate"
)

type NetworkStatusReader interface {
	Current() models.NetworkStatus
}

type ActionQueue interface {
	Submit(ctx context.Context, kind models.ActionKind, payload json.RawMessage) (models.QueuedAction, bool, error)
	Snapshot() []models.QueuedAction
	Clear()
}

type RideWatcher interface {
	Connect(ctx context.Context, rideID string) error
	Disconnect(ctx context.Context, rideID string) error
}

type Deps struct {
	Network      NetworkStatusReader
	Queue        ActionQueue
	Rides        RideWatcher
	Store        ridestate.Store
	Cancellation *cancellation.Engine
	Logger       *slog.Logger
}

type Server struct {
	network NetworkStatusReader
	queue   ActionQueue
	rides   RideWatcher
	store   ridestate.Store
	cancel  *cancellation.Engine
	logger  *slog.Logger
	now     func() time.Time
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		network: d.Network,
		queue:   d.Queue,
		rides:   d.Rides,
		store:   d.Store,
		cancel:  d.Cancellation,
		logger:  logging.Or(d.Logger),
		now:     time.Now,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/network", s.handleNetwork).Methods("GET")
	api.HandleFunc("/actions", s.handleSubmitAction).Methods("POST")
	api.HandleFunc("/actions", s.handleListActions).Methods("GET")
	api.HandleFunc("/actions", s.handleClearActions).Methods("DELETE")
	api.HandleFunc("/rides/{ride_id}/watch", s.handleWatch).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/watch", s.handleUnwatch).Methods("DELETE")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/cancellation", s.handleCancellationQuote).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.network.Current()
	code := http.StatusOK
	if !st.Online() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.Current())
}

type submitRequest struct {
	Kind    models.ActionKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

type submitResponse struct {
	Delivered bool                `json:"delivered"`
	Action    models.QueuedAction `json:"action"`
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "payload is required")
		return
	}
	a, delivered, err := s.queue.Submit(r.Context(), req.Kind, req.Payload)
	if err != nil {
		kind := retryqueue.Kind(err)
		writeError(w, queueErrorStatus(err), kind, err.Error())
		return
	}
	code := http.StatusAccepted
	if delivered {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Delivered: delivered, Action: a})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.queue.Snapshot()})
}

func (s *Server) handleClearActions(w http.ResponseWriter, r *http.Request) {
	s.queue.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	if err := s.rides.Connect(r.Context(), id); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, events.ErrEmptyRideID) {
			code = http.StatusBadRequest
		}
		writeError(w, code, "watch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": id, "watching": true})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	if err := s.rides.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, "unwatch_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type quoteResponse struct {
	RideID  string             `json:"ride_id"`
	State   models.RideState   `json:"state"`
	Allowed bool               `json:"allowed"`
	Quote   cancellation.Quote `json:"quote"`
}

func (s *Server) handleCancellationQuote(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	q := s.cancel.QuoteSnapshot(snap, s.now())
	writeJSON(w, http.StatusOK, quoteResponse{
		RideID:  snap.ID,
		State:   snap.State,
		Allowed: s.cancel.Allowed(snap.State),
		Quote:   q,
	})
}

func (s *Server) loadRide(w http.ResponseWriter, r *http.Request) (models.RideSnapshot, bool) {
	id := mux.Vars(r)["ride_id"]
	snap, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ridestate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "ride "+id+" is not tracked")
		return models.RideSnapshot{}, false
	}
	if err != nil {
		s.logger.Error("ride_state_read_failed", "ride_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read ride state")
		return models.RideSnapshot{}, false
	}
	return snap, true
}

func queueErrorStatus(err error) int {
	switch {
	case errors.Is(err, retryqueue.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, retryqueue.ErrNoExecutor):
		return http.StatusNotImplemented
	case errors.Is(err, retryqueue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "kind": kind})
}
