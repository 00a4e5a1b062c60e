package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Claim(_ context.Context, name, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, holder, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[name]
	if ok && cur.Holder != holder && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[name]; ok && cur.Holder == holder {
		delete(s.leases, name)
	}
	return nil
}
