// Package sqlite is a single-file commitment store for local and development
// deployments.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/juno-intents/shielded-pool/internal/commitment"
)

var ErrInvalidConfig = errors.New("commitment/sqlite: invalid config")

type row struct {
	Commitment      []byte `gorm:"primaryKey;size:32"`
	LeafIndex       int64  `gorm:"uniqueIndex;not null"`
	Slot            int64  `gorm:"not null"`
	Signature       string `gorm:"not null"`
	EncryptedOutput []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (row) TableName() string { return "commitments" }

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := gorm.Open(sqlitedriver.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("commitment/sqlite: open: %w", err)
	}
	return New(db)
}

// New wraps an existing handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil db", ErrInvalidConfig)
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("commitment/sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Insert(ctx context.Context, r commitment.Record) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	out := r.EncryptedOutput
	if out == nil {
		out = []byte{}
	}
	m := row{
		Commitment:      append([]byte(nil), r.Commitment[:]...),
		LeafIndex:       int64(r.Index),
		Slot:            int64(r.Slot),
		Signature:       r.Signature,
		EncryptedOutput: out,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return fmt.Errorf("commitment/sqlite: insert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return commitment.ErrDuplicate
	}
	return nil
}

func (s *Store) GetByCommitment(ctx context.Context, c [32]byte) (commitment.Record, error) {
	return s.first(ctx, "commitment = ?", c[:])
}

func (s *Store) GetByIndex(ctx context.Context, index uint64) (commitment.Record, error) {
	return s.first(ctx, "leaf_index = ?", int64(index))
}

func (s *Store) first(ctx context.Context, query string, arg any) (commitment.Record, error) {
	var m row
	err := s.db.WithContext(ctx).Where(query, arg).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commitment.Record{}, commitment.ErrNotFound
	}
	if err != nil {
		return commitment.Record{}, fmt.Errorf("commitment/sqlite: get: %w", err)
	}
	return toRecord(m)
}

func (s *Store) UpdateIndex(ctx context.Context, c [32]byte, newIndex uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur row
		err := tx.Where("commitment = ?", c[:]).Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commitment.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("commitment/sqlite: update index: %w", err)
		}
		if cur.LeafIndex == int64(newIndex) {
			return nil
		}
		var taken int64
		if err := tx.Model(&row{}).Where("leaf_index = ?", int64(newIndex)).Count(&taken).Error; err != nil {
			return fmt.Errorf("commitment/sqlite: update index: %w", err)
		}
		if taken > 0 {
			return commitment.ErrIndexTaken
		}
		return tx.Model(&row{}).Where("commitment = ?", c[:]).Updates(map[string]any{
			"leaf_index": int64(newIndex),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

func (s *Store) List(ctx context.Context, start, end uint64) ([]commitment.Record, error) {
	if start > math.MaxInt64 {
		return []commitment.Record{}, nil
	}
	if end > math.MaxInt64 {
		end = math.MaxInt64
	}
	var ms []row
	err := s.db.WithContext(ctx).
		Where("leaf_index >= ? AND leaf_index < ?", int64(start), int64(end)).
		Order("leaf_index ASC").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("commitment/sqlite: list: %w", err)
	}
	return toRecords(ms)
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&row{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("commitment/sqlite: count: %w", err)
	}
	return uint64(n), nil
}

func (s *Store) All(ctx context.Context) ([]commitment.Record, error) {
	var ms []row
	if err := s.db.WithContext(ctx).Order("leaf_index ASC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("commitment/sqlite: all: %w", err)
	}
	return toRecords(ms)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toRecords(ms []row) ([]commitment.Record, error) {
	out := make([]commitment.Record, 0, len(ms))
	for _, m := range ms {
		r, err := toRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toRecord(m row) (commitment.Record, error) {
	if len(m.Commitment) != 32 {
		return commitment.Record{}, fmt.Errorf("commitment/sqlite: expected 32 byte commitment, got %d", len(m.Commitment))
	}
	if m.LeafIndex < 0 || m.Slot < 0 {
		return commitment.Record{}, fmt.Errorf("commitment/sqlite: negative values in db")
	}
	var c [32]byte
	copy(c[:], m.Commitment)
	return commitment.Record{
		Commitment:      c,
		Index:           uint64(m.LeafIndex),
		Slot:            uint64(m.Slot),
		Signature:       m.Signature,
		EncryptedOutput: m.EncryptedOutput,
		CreatedAt:       m.CreatedAt.UTC(),
	}, nil
}

var _ commitment.Store = (*Store)(nil)
