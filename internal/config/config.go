package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the rider sync agent.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type AgentConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RideAPIURL        string
	RealtimeURL       string
	RealtimeTransport string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaLocationTopic string

	PGDSN        string
	StripeAPIKey string

	NetProbeInterval time.Duration
	NetProbeTimeout  time.Duration

	Retry        RetryConfig
	Cancellation CancellationConfig

	PolicyFile string
	LogLevel   string
}

// RetryConfig mirrors retryqueue.Policy.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	DrainPacing   time.Duration
}

// CancellationConfig mirrors cancellation.Policy. Fees are in cents.
type CancellationConfig struct {
	FreeWindow            time.Duration
	FeeSearching          int64
	FeeAssigned           int64
	FeeDriverEnRoute      int64
	FeeArrived            int64
	InProgressFarePercent int64
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RealtimeTransport:  "websocket",
		KafkaLocationTopic: "rider-locations",
		NetProbeInterval:   5 * time.Second,
		NetProbeTimeout:    2 * time.Second,
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     time.Second,
			BackoffFactor: 2,
			MaxDelay:      30 * time.Second,
			DrainPacing:   500 * time.Millisecond,
		},
		Cancellation: CancellationConfig{
			FreeWindow:            300 * time.Second,
			FeeSearching:          0,
			FeeAssigned:           250,
			FeeDriverEnRoute:      250,
			FeeArrived:            500,
			InProgressFarePercent: 100,
		},
		LogLevel: "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RideAPIURL, "RIDE_API_URL")
	setStringFromEnv(&cfg.RealtimeURL, "REALTIME_URL")
	setStringFromEnv(&cfg.RealtimeTransport, "REALTIME_TRANSPORT")
	cfg.RealtimeTransport = strings.ToLower(cfg.RealtimeTransport)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setDurationFromEnv(&cfg.NetProbeInterval, "NET_PROBE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.NetProbeTimeout, "NET_PROBE_TIMEOUT", &errs)

	setIntFromEnv(&cfg.Retry.MaxRetries, "RETRY_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.Retry.BaseDelay, "RETRY_BASE_DELAY", &errs)
	setFloatFromEnv(&cfg.Retry.BackoffFactor, "RETRY_BACKOFF_FACTOR", &errs)
	setDurationFromEnv(&cfg.Retry.MaxDelay, "RETRY_MAX_DELAY", &errs)
	setDurationFromEnv(&cfg.Retry.DrainPacing, "RETRY_DRAIN_PACING", &errs)

	setDurationFromEnv(&cfg.Cancellation.FreeWindow, "CANCEL_FREE_WINDOW", &errs)
	setInt64FromEnv(&cfg.Cancellation.FeeSearching, "CANCEL_FEE_SEARCHING_CENTS", &errs)
	setInt64FromEnv(&cfg.Cancellation.FeeAssigned, "CANCEL_FEE_ASSIGNED_CENTS", &errs)
	setInt64FromEnv(&cfg.Cancellation.FeeDriverEnRoute, "CANCEL_FEE_EN_ROUTE_CENTS", &errs)
	setInt64FromEnv(&cfg.Cancellation.FeeArrived, "CANCEL_FEE_ARRIVED_CENTS", &errs)
	setInt64FromEnv(&cfg.Cancellation.InProgressFarePercent, "CANCEL_IN_PROGRESS_FARE_PERCENT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setStringFromEnv(&cfg.PolicyFile, "POLICY_FILE")
	if cfg.PolicyFile != "" {
		if err := LoadPolicyFile(cfg.PolicyFile, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, cfg.Validate()...)
	return cfg, errors.Join(errs...)
}

// Validate returns every policy violation found.
func (c AgentConfig) Validate() []error {
	var errs []error
	r := c.Retry
	if r.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_RETRIES must be >= 1"))
	}
	if r.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY must be > 0"))
	}
	if r.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF_FACTOR must be >= 1"))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if r.DrainPacing < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DRAIN_PACING must be >= 0"))
	}
	cc := c.Cancellation
	if cc.FreeWindow < 0 {
		errs = append(errs, fmt.Errorf("CANCEL_FREE_WINDOW must be >= 0"))
	}
	for name, fee := range map[string]int64{
		"searching":       cc.FeeSearching,
		"assigned":        cc.FeeAssigned,
		"driver_en_route": cc.FeeDriverEnRoute,
		"arrived":         cc.FeeArrived,
	} {
		if fee < 0 {
			errs = append(errs, fmt.Errorf("cancellation fee for %s must be >= 0", name))
		}
	}
	if cc.InProgressFarePercent < 0 {
		errs = append(errs, fmt.Errorf("CANCEL_IN_PROGRESS_FARE_PERCENT must be >= 0"))
	}
	switch c.RealtimeTransport {
	case "websocket", "redis":
	default:
		errs = append(errs, fmt.Errorf("REALTIME_TRANSPORT must be websocket or redis, got %q", c.RealtimeTransport))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
