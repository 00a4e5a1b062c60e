package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCommitment(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]rpc.CommitmentType{
		"confirmed":   rpc.CommitmentConfirmed,
		" Finalized ": rpc.CommitmentFinalized,
	} {
		got, err := parseCommitment(in)
		if err != nil || got != want {
			t.Fatalf("parseCommitment(%q) = %q, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "processed", "recent", "confirm"} {
		if _, err := parseCommitment(in); err == nil || !strings.Contains(err.Error(), "--commitment") {
			t.Fatalf("parseCommitment(%q): expected flag error, got %v", in, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	rpcURL := fs.String("rpc-url", "", "")
	levels := fs.Int("tree-levels", 26, "")
	if err := fs.Parse([]string{"--tree-levels=20"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Setenv("SHIELD_RPC_URL", "http://rpc.local")
	t.Setenv("SHIELD_TREE_LEVELS", "8")

	if err := applyEnv(fs, envPrefix); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if *rpcURL != "http://rpc.local" || *levels != 20 {
		t.Fatalf("rpc-url=%q tree-levels=%d", *rpcURL, *levels)
	}

	bad := flag.NewFlagSet("bad", flag.ContinueOnError)
	bad.Int("max-pending-jobs", 0, "")
	t.Setenv("SHIELD_MAX_PENDING_JOBS", "many")
	if err := applyEnv(bad, envPrefix); err == nil || !strings.Contains(err.Error(), "SHIELD_MAX_PENDING_JOBS") {
		t.Fatalf("expected env error, got %v", err)
	}
}

// election is a hand-driven writer lease.
type election struct {
	elect    chan struct{}
	released chan struct{}
	once     sync.Once
	lose     context.CancelCauseFunc
}

func newElection() *election {
	return &election{elect: make(chan struct{}), released: make(chan struct{})}
}

func (e *election) acquire(ctx context.Context) (context.Context, func(), error) {
	select {
	case <-e.elect:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	held, cancel := context.WithCancelCause(ctx)
	e.lose = cancel
	return held, func() { e.once.Do(func() { close(e.released) }) }, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recorder) refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "refresh")
	return r.err
}

func (r *recorder) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		r.events = append(r.events, "start-canceled")
		return
	}
	r.events = append(r.events, "start")
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunWriter_StandbyRefreshesUntilElected(t *testing.T) {
	t.Parallel()

	e := newElection()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- runWriter(context.Background(), e.acquire, rec.refresh, 5*time.Millisecond, rec.start, discardLog())
	}()

	waitFor(t, "standby refreshes", func() bool { return len(rec.snapshot()) >= 2 })
	for _, ev := range rec.snapshot() {
		if ev != "refresh" {
			t.Fatalf("writer started before election: %v", rec.snapshot())
		}
	}

	close(e.elect)
	waitFor(t, "start", func() bool {
		evs := rec.snapshot()
		return evs[len(evs)-1] == "start"
	})
	evs := rec.snapshot()
	if evs[len(evs)-2] != "refresh" {
		t.Fatalf("expected a refresh right before start, got %v", evs)
	}

	lost := errors.New("lease lost")
	e.lose(lost)
	select {
	case err := <-done:
		if !errors.Is(err, lost) {
			t.Fatalf("runWriter = %v, want %v", err, lost)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runWriter did not return after lease loss")
	}
	select {
	case <-e.released:
	default:
		t.Fatalf("lease not released")
	}
}

func TestRunWriter_ShutdownWhileStandby(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	e := newElection()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- runWriter(ctx, e.acquire, rec.refresh, time.Hour, rec.start, discardLog())
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWriter = %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runWriter did not return on shutdown")
	}
	if evs := rec.snapshot(); len(evs) != 0 {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestRunWriter_RefreshFailureAfterElection(t *testing.T) {
	t.Parallel()

	e := newElection()
	close(e.elect)
	boom := errors.New("store down")
	rec := &recorder{err: boom}

	err := runWriter(context.Background(), e.acquire, rec.refresh, time.Hour, rec.start, discardLog())
	if !errors.Is(err, boom) {
		t.Fatalf("runWriter = %v, want %v", err, boom)
	}
	for _, ev := range rec.snapshot() {
		if ev != "refresh" {
			t.Fatalf("writer started after failed refresh: %v", rec.snapshot())
		}
	}
	select {
	case <-e.released:
	default:
		t.Fatalf("lease not released after failed refresh")
	}
}
