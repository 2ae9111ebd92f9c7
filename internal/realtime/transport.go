// Package realtime carries ride push events from the backend to the agent.
// Transports deliver named events with a JSON body and scope delivery to
// per-ride rooms. Reconnecting is the transport's job; listeners only see
// the connected and disconnected events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/example/ride-sync/internal/notify"
)

const (
	EventConnected            = "connected"
	EventDisconnected         = "disconnected"
	EventConnectionError      = "connection_error"
	EventRideStatusUpdate     = "ride_status_update"
	EventDriverLocationUpdate = "driver_location_update"

	msgJoinRoom  = "join_room"
	msgLeaveRoom = "leave_room"
)

var ErrNotConnected = errors.New("realtime transport not connected")

// Message is the wire envelope shared by every transport.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomRequest struct {
	RideID string `json:"ride_id"`
}

// ConnectionError is the body of a connection_error event.
type ConnectionError struct {
	Message string `json:"message"`
}

type Handler func(data json.RawMessage)

type Transport interface {
	On(event string, h Handler) notify.Subscription
	JoinRoom(ctx context.Context, rideID string) error
	LeaveRoom(ctx context.Context, rideID string) error
}

// Conn is a transport that owns a connection loop.
type Conn interface {
	Transport
	Run(ctx context.Context) error
}

// handlers fans events out to per-name registries.
type handlers struct {
	mu   sync.Mutex
	regs map[string]*notify.Registry[json.RawMessage]
}

func (h *handlers) registry(event string) *notify.Registry[json.RawMessage] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.regs == nil {
		h.regs = make(map[string]*notify.Registry[json.RawMessage])
	}
	r, ok := h.regs[event]
	if !ok {
		r = &notify.Registry[json.RawMessage]{}
		h.regs[event] = r
	}
	return r
}

func (h *handlers) on(event string, fn Handler) notify.Subscription {
	return h.registry(event).Subscribe(fn)
}

func (h *handlers) emit(event string, data json.RawMessage) {
	h.registry(event).Publish(data)
}

func (h *handlers) emitError(err error) {
	b, _ := json.Marshal(ConnectionError{Message: err.Error()})
	h.emit(EventConnectionError, b)
}
