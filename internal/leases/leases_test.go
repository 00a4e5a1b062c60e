package leases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	s := NewMemoryStore(clk.Now)

	if _, _, err := s.Claim(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty name: %v", err)
	}
	if _, _, err := s.Claim(ctx, "w", "a", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero ttl: %v", err)
	}

	l, ok, err := s.Claim(ctx, "w", "a", 10*time.Second)
	if err != nil || !ok || l.Holder != "a" {
		t.Fatalf("first claim: %+v %v %v", l, ok, err)
	}
	if l, ok, _ := s.Claim(ctx, "w", "b", time.Second); ok || l.Holder != "a" {
		t.Fatalf("claim while held: %+v %v", l, ok)
	}

	clk.Advance(5 * time.Second)
	l, ok, _ = s.Claim(ctx, "w", "a", 10*time.Second)
	if !ok || !l.ExpiresAt.Equal(clk.Now().Add(10*time.Second)) {
		t.Fatalf("renew did not extend: %+v %v", l, ok)
	}

	clk.Advance(10 * time.Second)
	if l, ok, _ := s.Claim(ctx, "w", "b", time.Second); !ok || l.Holder != "b" {
		t.Fatalf("claim after expiry: %+v %v", l, ok)
	}

	_ = s.Release(ctx, "w", "a")
	if _, ok, _ := s.Claim(ctx, "w", "a", time.Second); ok {
		t.Fatalf("release by non-holder freed the lease")
	}
	_ = s.Release(ctx, "w", "b")
	if _, ok, _ := s.Claim(ctx, "w", "a", time.Second); !ok {
		t.Fatalf("claim after release failed")
	}
}

func TestNewGuard_Validates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	cases := []struct {
		store Store
		cfg   GuardConfig
	}{
		{nil, GuardConfig{Name: "w", Holder: "a", TTL: time.Second}},
		{s, GuardConfig{Holder: "a", TTL: time.Second}},
		{s, GuardConfig{Name: "w", TTL: time.Second}},
		{s, GuardConfig{Name: "w", Holder: "a"}},
		{s, GuardConfig{Name: "w", Holder: "a", TTL: time.Second, Renew: time.Second}},
	}
	for i, tc := range cases {
		if _, err := NewGuard(tc.store, tc.cfg, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context not canceled")
	}
}

func TestGuard_SecondReplicaWaitsForRelease(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	a, _ := NewGuard(s, GuardConfig{Name: "w", Holder: "a", TTL: time.Minute}, nil)
	b, _ := NewGuard(s, GuardConfig{Name: "w", Holder: "b", TTL: time.Minute, Poll: 10 * time.Millisecond}, nil)

	heldA, releaseA, err := a.Hold(context.Background())
	if err != nil {
		t.Fatalf("a.Hold: %v", err)
	}

	got := make(chan error, 1)
	var releaseB func()
	go func() {
		var err error
		_, releaseB, err = b.Hold(context.Background())
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("b acquired a held lease: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	releaseA()
	releaseA()
	waitDone(t, heldA)
	if cause := context.Cause(heldA); errors.Is(cause, ErrLost) {
		t.Fatalf("release reported as loss")
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("b.Hold: %v", err)
		}
		releaseB()
	case <-time.After(5 * time.Second):
		t.Fatalf("b never acquired the released lease")
	}
}

func TestGuard_HoldHonorsCancel(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	_, _, _ = s.Claim(context.Background(), "w", "other", time.Hour)
	g, _ := NewGuard(s, GuardConfig{Name: "w", Holder: "a", TTL: time.Minute, Poll: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := g.Hold(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGuard_TakeoverCancelsHolder(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s := NewMemoryStore(clk.Now)
	g, _ := NewGuard(s, GuardConfig{Name: "w", Holder: "a", TTL: time.Hour, Renew: 10 * time.Millisecond}, nil)

	held, release, err := g.Hold(context.Background())
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	defer release()

	// Another replica took over after the holder's lease expired in the store.
	s.mu.Lock()
	s.leases["w"] = Lease{Name: "w", Holder: "b", ExpiresAt: clk.Now().Add(time.Hour)}
	s.mu.Unlock()

	waitDone(t, held)
	if cause := context.Cause(held); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", cause)
	}
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Claim(_ context.Context, name, holder string, ttl time.Duration) (Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return Lease{Name: name, Holder: holder}, true, nil
	}
	return Lease{}, false, errors.New("connection refused")
}

func (f *failingStore) Release(context.Context, string, string) error { return nil }

func TestGuard_RenewErrorsUntilDeadline(t *testing.T) {
	t.Parallel()

	clk := newClock()
	g, _ := NewGuard(&failingStore{}, GuardConfig{
		Name: "w", Holder: "a", TTL: time.Hour, Renew: 5 * time.Millisecond, Now: clk.Now,
	}, nil)

	held, release, err := g.Hold(context.Background())
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	defer release()

	// Failed renewals inside the ttl keep the lease.
	time.Sleep(30 * time.Millisecond)
	if held.Err() != nil {
		t.Fatalf("lease dropped before its deadline")
	}

	clk.Advance(time.Hour)
	waitDone(t, held)
	if cause := context.Cause(held); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", cause)
	}
}
