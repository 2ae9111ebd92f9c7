package ridestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/notify"
	"github.com/example/ride-sync/internal/observability"
)

// Fetcher reads authoritative ride state from the ride service.
type Fetcher interface {
	GetRide(ctx context.Context, rideID string) (models.RideSnapshot, error)
}

// Refresher re-fetches a ride and stores what the server says. It never
// applies deltas, so duplicate or reordered events cannot corrupt state.
type Refresher struct {
	fetcher Fetcher
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	changes notify.Registry[models.RideSnapshot]
}

func NewRefresher(f Fetcher, s Store, logger *slog.Logger) *Refresher {
	return &Refresher{fetcher: f, store: s, logger: logging.Or(logger), timeout: 10 * time.Second}
}

// OnChange registers fn for refreshes that changed the stored state.
func (r *Refresher) OnChange(fn func(models.RideSnapshot)) notify.Subscription {
	return r.changes.Subscribe(fn)
}

func (r *Refresher) Refresh(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap, err := r.fetcher.GetRide(ctx, rideID)
	if err != nil {
		observability.RideRefreshes.WithLabelValues("fetch_error").Inc()
		return models.RideSnapshot{}, fmt.Errorf("fetch ride %s: %w", rideID, err)
	}
	if snap.ID == "" {
		snap.ID = rideID
	}
	if !snap.State.Known() {
		r.logger.Warn("ride_state_unknown", "ride_id", rideID, "state", snap.State)
	}

	prev, err := r.store.Get(ctx, rideID)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		observability.RideRefreshes.WithLabelValues("store_error").Inc()
		return models.RideSnapshot{}, err
	}
	if hadPrev && prev.UpdatedAt.After(snap.UpdatedAt) {
		observability.RideRefreshes.WithLabelValues("stale").Inc()
		return prev, nil
	}
	if hadPrev && prev.State != snap.State && !models.CanTransition(prev.State, snap.State) {
		// missed intermediate events; the server is still authoritative
		r.logger.Info("ride_state_jumped", "ride_id", rideID, "from", prev.State, "to", snap.State)
	}

	if err := r.store.Save(ctx, snap); err != nil {
		observability.RideRefreshes.WithLabelValues("store_error").Inc()
		return models.RideSnapshot{}, err
	}
	observability.RideRefreshes.WithLabelValues("ok").Inc()

	if !hadPrev || prev.State != snap.State || prev.DriverID != snap.DriverID {
		r.logger.Info("ride_state_updated", "ride_id", rideID, "state", snap.State, "driver_id", snap.DriverID)
		r.changes.Publish(snap)
	}
	return snap, nil
}
