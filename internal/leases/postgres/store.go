package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/shielded-pool/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS writer_leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store keeps leases in Postgres. Expiry is judged by the database clock.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, name, holder string, ttl time.Duration) (leases.Lease, bool, error) {
	if name == "" || holder == "" || ttl <= 0 {
		return leases.Lease{}, false, fmt.Errorf("%w: empty lease name or holder, or ttl <= 0", leases.ErrInvalidConfig)
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO writer_leases (name, holder, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at, updated_at = now()
		WHERE writer_leases.expires_at <= now() OR writer_leases.holder = EXCLUDED.holder
		RETURNING holder, expires_at
	`, name, holder, ms).Scan(&l.Holder, &l.ExpiresAt)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: claim %s: %w", name, err)
	}

	err = s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM writer_leases WHERE name = $1`, name).
		Scan(&l.Holder, &l.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the two statements; the next claim will win it.
		return leases.Lease{Name: name}, false, nil
	case err != nil:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: read %s: %w", name, err)
	}
	return l, false, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM writer_leases WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	return nil
}
