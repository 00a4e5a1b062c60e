package commitment

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("commitment: not found")
	ErrDuplicate  = errors.New("commitment: duplicate commitment or index")
	ErrIndexTaken = errors.New("commitment: index already holds another commitment")
	ErrInvalid    = errors.New("commitment: invalid record")
)

type Store interface {
	// Insert fails with ErrDuplicate when the commitment or the index is
	// already present.
	Insert(ctx context.Context, r Record) error
	GetByCommitment(ctx context.Context, c [32]byte) (Record, error)
	GetByIndex(ctx context.Context, index uint64) (Record, error)
	// UpdateIndex moves an existing commitment to newIndex. It is the only
	// mutation a record ever sees.
	UpdateIndex(ctx context.Context, c [32]byte, newIndex uint64) error
	// List returns records with start <= index < end in index order.
	List(ctx context.Context, start, end uint64) ([]Record, error)
	Count(ctx context.Context) (uint64, error)
	// All returns every record in index order.
	All(ctx context.Context) ([]Record, error)
	Ping(ctx context.Context) error
}
