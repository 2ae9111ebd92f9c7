package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/retryqueue"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationPublisher streams rider location updates to Kafka, keyed by rider
// so one rider's points stay ordered within a partition.
type LocationPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewLocationPublisher(brokers []string, topic string) *LocationPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &LocationPublisher{writer: w, timeout: 2 * time.Second}
}

func (k *LocationPublisher) Publish(ctx context.Context, loc models.LocationPayload) error {
	if loc.RiderID == "" {
		return fmt.Errorf("location update: missing rider_id")
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.RiderID), Value: b, Time: loc.Timestamp})
}

// Executor delivers queued location_update actions.
func (k *LocationPublisher) Executor() retryqueue.Executor {
	return retryqueue.ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		var loc models.LocationPayload
		if err := json.Unmarshal(a.Payload, &loc); err != nil {
			return fmt.Errorf("decode location update: %w", err)
		}
		return k.Publish(ctx, loc)
	})
}

func (k *LocationPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
