// Package ridestate holds the last confirmed server-side state of each
// watched ride. Only Refresher writes to it.
package ridestate

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-sync/internal/models"
)

var ErrNotFound = errors.New("ride state not found")

// Store persists ride snapshots. Save keeps the newer of the stored and the
// incoming snapshot by UpdatedAt, so late refreshes cannot roll state back.
type Store interface {
	Save(ctx context.Context, s models.RideSnapshot) error
	Get(ctx context.Context, rideID string) (models.RideSnapshot, error)
	Delete(ctx context.Context, rideID string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideSnapshot)}
}

func (m *MemoryStore) Save(_ context.Context, s models.RideSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rides[s.ID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return nil
	}
	m.rides[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, rideID string) (models.RideSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rides[rideID]
	if !ok {
		return models.RideSnapshot{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rides, rideID)
	return nil
}
