// Package leases elects one chain writer among shield-indexer replicas that
// share a commitment database. Only the holder reconciles chain events and
// runs relay jobs; the other replicas wait for the lease to free up.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("leases: invalid config")
	// ErrLost is the cancel cause of a held context whose lease expired or
	// was claimed by another holder.
	ErrLost = errors.New("leases: writer lease lost")
)

type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// Store claims named leases.
//
// Claim succeeds when the lease is absent, expired, or already held by
// holder; a successful claim by the current holder extends the expiry.
// On failure it returns the current lease and false. Release by anyone
// other than the holder is a no-op.
type Store interface {
	Claim(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, holder string) error
}

func validate(name, holder string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(holder) == "" {
		return fmt.Errorf("%w: empty lease name or holder", ErrInvalidConfig)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidConfig)
	}
	return nil
}
