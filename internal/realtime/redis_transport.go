package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/notify"
)

// RoomChannel is the pub/sub channel carrying events for one ride.
func RoomChannel(rideID string) string { return "ride:" + rideID }

// RedisTransport receives ride events over Redis pub/sub. Joining a room
// subscribes to its channel; go-redis resubscribes after reconnects.
type RedisTransport struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	logger *slog.Logger
	events handlers
}

func NewRedisTransport(rdb *redis.Client, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{
		rdb:    rdb,
		ps:     rdb.Subscribe(context.Background()),
		logger: logging.Or(logger),
	}
}

func (t *RedisTransport) On(event string, h Handler) notify.Subscription { return t.events.on(event, h) }

func (t *RedisTransport) JoinRoom(ctx context.Context, rideID string) error {
	if err := t.ps.Subscribe(ctx, RoomChannel(rideID)); err != nil {
		return fmt.Errorf("join %s: %w", rideID, err)
	}
	return nil
}

func (t *RedisTransport) LeaveRoom(ctx context.Context, rideID string) error {
	if err := t.ps.Unsubscribe(ctx, RoomChannel(rideID)); err != nil {
		return fmt.Errorf("leave %s: %w", rideID, err)
	}
	return nil
}

// Publish sends an event to a ride's room. The backend side uses it; the
// agent uses it in tests and for local replay.
func (t *RedisTransport) Publish(ctx context.Context, rideID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Message{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, RoomChannel(rideID), b).Err()
}

// Run forwards room messages to handlers until ctx is done.
func (t *RedisTransport) Run(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		t.logger.Warn("realtime_redis_unreachable", "error", err)
		t.events.emitError(err)
	} else {
		t.events.emit(EventConnected, nil)
	}

	ch := t.ps.Channel()
	defer t.events.emit(EventDisconnected, nil)
	for {
		select {
		case <-ctx.Done():
			return t.ps.Close()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil || msg.Event == "" {
				t.logger.Warn("realtime_bad_message", "channel", m.Channel, "error", err)
				continue
			}
			t.events.emit(msg.Event, msg.Data)
		}
	}
}
