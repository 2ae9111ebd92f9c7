package ridestate

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[string]models.RideSnapshot
	err   error
	calls int
}

func (f *fakeFetcher) GetRide(_ context.Context, id string) (models.RideSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.RideSnapshot{}, f.err
	}
	s, ok := f.snaps[id]
	if !ok {
		return models.RideSnapshot{}, errors.New("404")
	}
	return s, nil
}

func (f *fakeFetcher) set(s models.RideSnapshot) {
	f.mu.Lock()
	f.snaps[s.ID] = s
	f.mu.Unlock()
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStoreKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.Save(ctx, models.RideSnapshot{ID: "r1", State: models.StateArrived, UpdatedAt: base.Add(time.Minute)})
	s.Save(ctx, models.RideSnapshot{ID: "r1", State: models.StateAssigned, UpdatedAt: base})

	got, err := s.Get(ctx, "r1")
	if err != nil || got.State != models.StateArrived {
		t.Fatalf("older snapshot must not overwrite newer one, got %+v err=%v", got, err)
	}
	s.Delete(ctx, "r1")
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted ride to be gone")
	}
}

func TestRefreshStoresServerTruth(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{snaps: map[string]models.RideSnapshot{}}
	store := NewMemoryStore()
	r := NewRefresher(f, store, logging.Discard())

	var changes []models.RideState
	r.OnChange(func(s models.RideSnapshot) { changes = append(changes, s.State) })

	f.set(models.RideSnapshot{ID: "r1", State: models.StateAssigned, DriverID: "d1", UpdatedAt: base})
	if _, err := r.Refresh(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	// same truth twice: idempotent, no extra change notification
	if _, err := r.Refresh(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	f.set(models.RideSnapshot{ID: "r1", State: models.StateInProgress, DriverID: "d1", UpdatedAt: base.Add(time.Minute)})
	if _, err := r.Refresh(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, "r1")
	if got.State != models.StateInProgress {
		t.Fatalf("expected stored in_progress, got %s", got.State)
	}
	if len(changes) != 2 || changes[0] != models.StateAssigned || changes[1] != models.StateInProgress {
		t.Fatalf("unexpected change notifications: %v", changes)
	}
}

func TestRefreshIgnoresStaleServerResponse(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{snaps: map[string]models.RideSnapshot{}}
	store := NewMemoryStore()
	store.Save(ctx, models.RideSnapshot{ID: "r1", State: models.StateArrived, UpdatedAt: base.Add(time.Minute)})
	r := NewRefresher(f, store, logging.Discard())

	f.set(models.RideSnapshot{ID: "r1", State: models.StateAssigned, UpdatedAt: base})
	got, err := r.Refresh(ctx, "r1")
	if err != nil || got.State != models.StateArrived {
		t.Fatalf("expected stored state to win, got %+v err=%v", got, err)
	}
}

func TestRefreshFetchErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{snaps: map[string]models.RideSnapshot{}, err: errors.New("timeout")}
	store := NewMemoryStore()
	store.Save(ctx, models.RideSnapshot{ID: "r1", State: models.StateAssigned, UpdatedAt: base})
	r := NewRefresher(f, store, logging.Discard())

	if _, err := r.Refresh(ctx, "r1"); err == nil {
		t.Fatal("expected fetch error")
	}
	got, _ := store.Get(ctx, "r1")
	if got.State != models.StateAssigned {
		t.Fatalf("state should be unchanged on fetch error, got %s", got.State)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("RIDE_SYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RIDE_SYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	accepted := base.Add(-time.Minute)
	want := models.RideSnapshot{ID: "pg-r1", RiderID: "u1", DriverID: "d1", State: models.StateDriverEnRoute, PriceCents: 1850, AcceptedAt: &accepted, UpdatedAt: base}
	if err := p.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	defer p.Delete(ctx, want.ID)

	older := want
	older.State = models.StateAssigned
	older.UpdatedAt = base.Add(-time.Hour)
	if err := p.Save(ctx, older); err != nil {
		t.Fatal(err)
	}

	got, err := p.Get(ctx, want.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != want.State || got.PriceCents != want.PriceCents || got.AcceptedAt == nil || !got.AcceptedAt.Equal(accepted) {
		t.Fatalf("unexpected row: %+v", got)
	}
}
