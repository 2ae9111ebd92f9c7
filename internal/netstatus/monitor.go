// Package netstatus tracks device connectivity and tells subscribers when it
// changes. It never fails: a missing signal simply reads as disconnected.
package netstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/notify"
	"github.com/example/ride-sync/internal/observability"
)

// Reading is one report from the platform connectivity service. Nil fields
// mean the platform did not say, and count as false.
type Reading struct {
	Connected *bool
	Reachable *bool
	Type      string
}

// Source produces readings until ctx is done, then closes the channel.
type Source interface {
	Readings(ctx context.Context) <-chan Reading
}

type Monitor struct {
	mu      sync.RWMutex
	current models.NetworkStatus
	subs    notify.Registry[models.NetworkStatus]
	logger  *slog.Logger
	now     func() time.Time
}

func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		current: models.NetworkStatus{ConnectionType: models.ConnUnknown},
		logger:  logging.Or(logger),
		now:     time.Now,
	}
}

// Current returns the last known status.
func (m *Monitor) Current() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Monitor) Online() bool { return m.Current().Online() }

// Subscribe registers fn for every later transition. Subscribers run in
// subscription order on the goroutine that observed the change.
func (m *Monitor) Subscribe(fn func(models.NetworkStatus)) notify.Subscription {
	return m.subs.Subscribe(fn)
}

// Observe applies a reading and notifies subscribers if anything they care
// about changed. It reports whether a transition happened.
func (m *Monitor) Observe(r Reading) bool {
	next := models.NetworkStatus{
		IsConnected:         r.Connected != nil && *r.Connected,
		IsInternetReachable: r.Reachable != nil && *r.Reachable,
		ConnectionType:      models.ParseConnectionType(r.Type),
	}
	if !next.IsConnected {
		next.IsInternetReachable = false
	}

	m.mu.Lock()
	prev := m.current
	next.LastConnectedAt = prev.LastConnectedAt
	if next.IsConnected {
		t := m.now()
		next.LastConnectedAt = &t
	}
	m.current = next
	m.mu.Unlock()

	changed := prev.IsConnected != next.IsConnected ||
		prev.IsInternetReachable != next.IsInternetReachable ||
		prev.ConnectionType != next.ConnectionType
	if !changed {
		return false
	}

	observability.NetworkTransitions.Inc()
	if next.Online() {
		observability.NetworkOnline.Set(1)
	} else {
		observability.NetworkOnline.Set(0)
	}
	m.logger.Info("network_status_changed",
		"connected", next.IsConnected,
		"reachable", next.IsInternetReachable,
		"type", next.ConnectionType,
		"was_online", prev.Online(),
	)
	m.subs.Publish(next)
	return true
}

// Run feeds readings from src into the monitor until ctx ends or the source
// closes. When the source goes away the device is treated as disconnected.
func (m *Monitor) Run(ctx context.Context, src Source) {
	readings := src.Readings(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				m.Observe(Reading{})
				return
			}
			m.Observe(r)
		}
	}
}

// Close drops all subscribers.
func (m *Monitor) Close() { m.subs.Reset() }

// Bool is a convenience for building readings.
func Bool(v bool) *bool { return &v }
