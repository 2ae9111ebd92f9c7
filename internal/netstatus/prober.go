package netstatus

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/logging"
)

// Pinger is the one call the prober needs from a backend client.
type Pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger struct{ c *redis.Client }

// NewRedisPinger adapts a go-redis client so the backend's cache doubles as
// the reachability target.
func NewRedisPinger(c *redis.Client) Pinger { return &redisPinger{c: c} }

func (r *redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// HTTPPinger treats any HTTP response from URL as reachable. Only transport
// errors count as unreachable.
type HTTPPinger struct {
	URL    string
	Client *http.Client
}

func (h *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, http.NoBody)
	if err != nil {
		return err
	}
	c := h.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PingProber turns periodic pings into readings. It stands in for the
// platform connectivity service when the agent runs headless.
type PingProber struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Type     string
	Logger   *slog.Logger
}

func (p *PingProber) Readings(ctx context.Context) <-chan Reading {
	out := make(chan Reading, 1)
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := p.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	connType := p.Type
	if connType == "" {
		connType = "ethernet"
	}
	logger := logging.Or(p.Logger)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Pinger.Ping(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			ok := err == nil
			if !ok {
				logger.Debug("network_probe_failed", "error", err)
			}
			r := Reading{Connected: Bool(ok), Reachable: Bool(ok), Type: connType}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
