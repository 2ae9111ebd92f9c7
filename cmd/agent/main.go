package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/cancellation"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/events"
	httpapi "github.com/example/ride-sync/internal/http"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/netstatus"
	"github.com/example/ride-sync/internal/payments"
	"github.com/example/ride-sync/internal/realtime"
	"github.com/example/ride-sync/internal/retryqueue"
	"github.com/example/ride-sync/internal/rideapi"
	"github.com/example/ride-sync/internal/ridestate"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent_exited", "error", err)
		os.Exit(1)
	}
	logger.Info("agent_stopped")
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	if cfg.RideAPIURL == "" {
		return errors.New("RIDE_API_URL is required")
	}
	rides := rideapi.NewClient(cfg.RideAPIURL)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	// connectivity
	monitor := netstatus.NewMonitor(logger)
	defer monitor.Close()
	var pinger netstatus.Pinger = &netstatus.HTTPPinger{URL: strings.TrimRight(cfg.RideAPIURL, "/") + "/healthz", Client: rides.Client}
	if rdb != nil {
		pinger = netstatus.NewRedisPinger(rdb)
	}
	prober := &netstatus.PingProber{
		Pinger:   pinger,
		Interval: cfg.NetProbeInterval,
		Timeout:  cfg.NetProbeTimeout,
		Logger:   logger,
	}

	// outbound actions
	executors := map[models.ActionKind]retryqueue.Executor{
		models.ActionRideRequest: rides.RideRequestExecutor(),
		models.ActionRideCancel:  rides.RideCancelExecutor(),
	}
	if cfg.StripeAPIKey != "" {
		executors[models.ActionPayment] = payments.NewStripeClient(cfg.StripeAPIKey).Executor()
	} else {
		logger.Warn("payments_disabled", "reason", "STRIPE_API_KEY not set")
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub := ingest.NewLocationPublisher(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer pub.Close()
		executors[models.ActionLocationUpdate] = pub.Executor()
	} else {
		logger.Warn("location_updates_disabled", "reason", "KAFKA_BROKERS not set")
	}

	queue := retryqueue.New(retryqueue.Config{
		Policy: retryqueue.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			BaseDelay:     cfg.Retry.BaseDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			MaxDelay:      cfg.Retry.MaxDelay,
			DrainPacing:   cfg.Retry.DrainPacing,
		},
		Network:   monitor,
		Executors: executors,
		Logger:    logger,
	})
	defer queue.Close()
	queue.Attach(monitor)
	queue.OnExhausted(func(f retryqueue.Failure) {
		logger.Error("action_failed", "action_id", f.Action.ID, "kind", f.Action.Kind, "error_kind", retryqueue.Kind(f.Err), "error", f.Err)
	})

	// ride state
	var store ridestate.Store = ridestate.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := ridestate.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if err := ps.EnsureSchema(ctx); err != nil {
			return err
		}
		store = ps
	}
	refresher := ridestate.NewRefresher(rides, store, logger)

	var transport realtime.Conn
	switch cfg.RealtimeTransport {
	case "redis":
		if rdb == nil {
			return errors.New("REALTIME_TRANSPORT=redis requires REDIS_ADDR")
		}
		transport = realtime.NewRedisTransport(rdb, logger)
	default:
		if cfg.RealtimeURL == "" {
			return errors.New("REALTIME_URL is required for the websocket transport")
		}
		transport = realtime.NewWSTransport(cfg.RealtimeURL, logger)
	}

	processor := events.NewProcessor(transport, refresher, logger)
	processor.Start()
	defer processor.Close()
	processor.OnDriverCancelled(func(ev models.RideEvent) {
		logger.Warn("driver_cancelled_ride", "ride_id", ev.RideID, "driver_id", ev.DriverID, "message", ev.Message)
	})
	processor.OnError(func(err error) {
		logger.Warn("ride_events_error", "error", err)
	})

	engine := cancellation.NewEngine(cancellation.PolicyFromConfig(cfg.Cancellation), logger)

	api := httpapi.NewServer(httpapi.Deps{
		Network:      monitor,
		Queue:        queue,
		Rides:        processor,
		Store:        store,
		Cancellation: engine,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx, prober)
		return nil
	})
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error {
		logger.Info("http_listening", "addr", cfg.HTTPAddr, "realtime", cfg.RealtimeTransport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("http_shutting_down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
