package ridestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-sync/internal/models"
)

const Schema = `CREATE TABLE IF NOT EXISTS ride_states (
	id          TEXT PRIMARY KEY,
	rider_id    TEXT NOT NULL DEFAULT '',
	driver_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	price_cents BIGINT NOT NULL DEFAULT 0,
	accepted_at TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Save(ctx context.Context, s models.RideSnapshot) error {
	var accepted sql.NullTime
	if s.AcceptedAt != nil {
		accepted = sql.NullTime{Time: *s.AcceptedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_states(id, rider_id, driver_id, status, price_cents, accepted_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			rider_id=EXCLUDED.rider_id, driver_id=EXCLUDED.driver_id, status=EXCLUDED.status,
			price_cents=EXCLUDED.price_cents, accepted_at=EXCLUDED.accepted_at, updated_at=EXCLUDED.updated_at
		WHERE ride_states.updated_at <= EXCLUDED.updated_at`,
		s.ID, s.RiderID, s.DriverID, string(s.State), int64(s.PriceCents), accepted, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ride %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	var (
		s        models.RideSnapshot
		status   string
		price    int64
		accepted sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, rider_id, driver_id, status, price_cents, accepted_at, updated_at FROM ride_states WHERE id=$1`, rideID,
	).Scan(&s.ID, &s.RiderID, &s.DriverID, &status, &price, &accepted, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RideSnapshot{}, fmt.Errorf("get ride %s: %w", rideID, err)
	}
	s.State = models.RideState(status)
	s.PriceCents = models.Money(price)
	if accepted.Valid {
		t := accepted.Time
		s.AcceptedAt = &t
	}
	return s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM ride_states WHERE id=$1`, rideID)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
