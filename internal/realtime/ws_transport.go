package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/notify"
)

// WSTransport speaks the {event, data} envelope over a websocket. Run keeps
// the connection up and redials after failures.
type WSTransport struct {
	URL            string
	Header         http.Header
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration

	logger *slog.Logger
	events handlers

	mu   sync.Mutex // guards conn and serialises writes
	conn *websocket.Conn
}

func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	return &WSTransport{
		URL:            url,
		Dialer:         websocket.DefaultDialer,
		ReconnectDelay: 2 * time.Second,
		WriteTimeout:   5 * time.Second,
		logger:         logging.Or(logger),
	}
}

func (t *WSTransport) On(event string, h Handler) notify.Subscription { return t.events.on(event, h) }

func (t *WSTransport) JoinRoom(ctx context.Context, rideID string) error {
	return t.sendRoom(msgJoinRoom, rideID)
}

func (t *WSTransport) LeaveRoom(ctx context.Context, rideID string) error {
	return t.sendRoom(msgLeaveRoom, rideID)
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Run dials, pumps messages until the connection drops, then redials after
// ReconnectDelay. It returns when ctx is done.
func (t *WSTransport) Run(ctx context.Context) error {
	for {
		conn, _, err := t.Dialer.DialContext(ctx, t.URL, t.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("realtime_dial_failed", "url", t.URL, "error", err)
			t.events.emitError(fmt.Errorf("dial: %w", err))
		} else {
			t.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.ReconnectDelay):
		}
	}
}

func (t *WSTransport) serve(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info("realtime_connected", "url", t.URL)
	t.events.emit(EventConnected, nil)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err := t.readPump(conn)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	conn.Close()

	if ctx.Err() == nil {
		t.logger.Warn("realtime_disconnected", "error", err)
		t.events.emitError(err)
	}
	t.events.emit(EventDisconnected, nil)
}

func (t *WSTransport) readPump(conn *websocket.Conn) error {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syn) || errors.As(err, &typ) {
				t.logger.Warn("realtime_bad_message", "error", err)
				continue
			}
			return err
		}
		if m.Event == "" {
			continue
		}
		t.events.emit(m.Event, m.Data)
	}
}

func (t *WSTransport) sendRoom(kind, rideID string) error {
	data, err := json.Marshal(roomRequest{RideID: rideID})
	if err != nil {
		return err
	}
	return t.send(Message{Event: kind, Data: data})
}

func (t *WSTransport) send(m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	if t.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout))
	}
	if err := t.conn.WriteJSON(m); err != nil {
		t.logger.Warn("realtime_send_failed", "event", m.Event, "error", err)
		return err
	}
	return nil
}
