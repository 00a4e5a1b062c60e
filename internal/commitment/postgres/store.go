package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/shielded-pool/internal/commitment"
)

var ErrInvalidConfig = errors.New("commitment/postgres: invalid config")

const uniqueViolation = "23505"

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
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("commitment/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r commitment.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if r.Index > math.MaxInt64 || r.Slot > math.MaxInt64 {
		return fmt.Errorf("%w: index or slot too large", commitment.ErrInvalid)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	out := r.EncryptedOutput
	if out == nil {
		out = []byte{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO commitments (
			commitment,
			leaf_index,
			slot,
			signature,
			encrypted_output,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT DO NOTHING
	`, r.Commitment[:], int64(r.Index), int64(r.Slot), r.Signature, out, createdAt)
	if err != nil {
		return fmt.Errorf("commitment/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return commitment.ErrDuplicate
	}
	return nil
}

const selectColumns = `commitment, leaf_index, slot, signature, encrypted_output, created_at`

func (s *Store) GetByCommitment(ctx context.Context, c [32]byte) (commitment.Record, error) {
	if s == nil || s.pool == nil {
		return commitment.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM commitments WHERE commitment = $1`, c[:])
	return scanOne(row)
}

func (s *Store) GetByIndex(ctx context.Context, index uint64) (commitment.Record, error) {
	if s == nil || s.pool == nil {
		return commitment.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if index > math.MaxInt64 {
		return commitment.Record{}, commitment.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM commitments WHERE leaf_index = $1`, int64(index))
	return scanOne(row)
}

func (s *Store) UpdateIndex(ctx context.Context, c [32]byte, newIndex uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if newIndex > math.MaxInt64 {
		return fmt.Errorf("%w: index too large", commitment.ErrInvalid)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE commitments
		SET leaf_index = $2, updated_at = now()
		WHERE commitment = $1
	`, c[:], int64(newIndex))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return commitment.ErrIndexTaken
		}
		return fmt.Errorf("commitment/postgres: update index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return commitment.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, start, end uint64) ([]commitment.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if start > math.MaxInt64 {
		return []commitment.Record{}, nil
	}
	if end > math.MaxInt64 {
		end = math.MaxInt64
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM commitments
		WHERE leaf_index >= $1 AND leaf_index < $2
		ORDER BY leaf_index ASC
	`, int64(start), int64(end))
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: list: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM commitments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("commitment/postgres: count: %w", err)
	}
	return uint64(n), nil
}

func (s *Store) All(ctx context.Context) ([]commitment.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM commitments ORDER BY leaf_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: all: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.pool.Ping(ctx)
}

func scanOne(row pgx.Row) (commitment.Record, error) {
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commitment.Record{}, commitment.ErrNotFound
		}
		return commitment.Record{}, fmt.Errorf("commitment/postgres: get: %w", err)
	}
	return r, nil
}

func scanAll(rows pgx.Rows) ([]commitment.Record, error) {
	defer rows.Close()

	out := make([]commitment.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("commitment/postgres: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitment/postgres: rows: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (commitment.Record, error) {
	var (
		cmRaw     []byte
		leafIndex int64
		slot      int64
		sig       string
		out       []byte
		createdAt time.Time
	)
	if err := row.Scan(&cmRaw, &leafIndex, &slot, &sig, &out, &createdAt); err != nil {
		return commitment.Record{}, err
	}
	cm, err := to32(cmRaw)
	if err != nil {
		return commitment.Record{}, err
	}
	if leafIndex < 0 || slot < 0 {
		return commitment.Record{}, fmt.Errorf("commitment/postgres: negative values in db")
	}
	return commitment.Record{
		Commitment:      cm,
		Index:           uint64(leafIndex),
		Slot:            uint64(slot),
		Signature:       sig,
		EncryptedOutput: out,
		CreatedAt:       createdAt.UTC(),
	}, nil
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("commitment/postgres: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

var _ commitment.Store = (*Store)(nil)
