// Command relay moves ride events from the backend's Kafka topic into the
// per-ride Redis pub/sub rooms the agent's redis transport listens on.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/realtime"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	publishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_publishes_total",
		Help: "Total events published to ride rooms",
	})
	publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_publish_errors_total",
		Help: "Total failed room publishes",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, publishes, publishErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL")).With("component", "relay")

	brokers := []string{"localhost:9092"}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(v, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_RIDE_EVENTS_TOPIC", "ride-events")
	group := getenv("KAFKA_GROUP", "ride-sync-relay")

	rc := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379"), Password: os.Getenv("REDIS_PASSWORD")})
	rooms := &redisRooms{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("relay_started", "topic", topic, "brokers", brokers, "group", group)
	run(ctx, r, rooms, logger)
	logger.Info("relay_stopped")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// RoomPublisher is the subset of redis the relay needs.
type RoomPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisRooms struct{ c *redis.Client }

func (r *redisRooms) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func run(ctx context.Context, r messageReader, rooms RoomPublisher, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		channel, payload, err := envelope(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("relay_invalid_message", "offset", m.Offset, "error", err)
			continue
		}
		if err := publishWithRetry(ctx, rooms, channel, payload, 3, 200*time.Millisecond); err != nil {
			publishErrors.Inc()
			logger.Error("relay_publish_failed", "channel", channel, "error", err)
			continue
		}
		publishes.Inc()
	}
}

// envelope maps a backend ride event onto the realtime wire format and the
// room it belongs to.
func envelope(raw []byte) (string, []byte, error) {
	var ev models.RideEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", nil, err
	}
	if ev.RideID == "" {
		return "", nil, errors.New("ride event without ride_id")
	}
	var name string
	switch ev.Category {
	case models.CategoryStatus:
		name = realtime.EventRideStatusUpdate
	case models.CategoryDriverLocation:
		name = realtime.EventDriverLocationUpdate
	default:
		return "", nil, errors.New("unknown ride event category " + string(ev.Category))
	}
	b, err := json.Marshal(realtime.Message{Event: name, Data: raw})
	if err != nil {
		return "", nil, err
	}
	return realtime.RoomChannel(ev.RideID), b, nil
}

func publishWithRetry(ctx context.Context, rooms RoomPublisher, channel string, payload []byte, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rooms.Publish(ctx, channel, payload); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
