package leases

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

type GuardConfig struct {
	Name   string
	Holder string
	TTL    time.Duration

	// Poll is how often a waiting replica retries the claim. Defaults to TTL/2.
	Poll time.Duration
	// Renew is the renewal period of a held lease. Defaults to TTL/3.
	Renew time.Duration

	Now func() time.Time
}

// Guard holds a single lease for the lifetime of a writer.
type Guard struct {
	store Store
	cfg   GuardConfig
	log   *slog.Logger
}

func NewGuard(store Store, cfg GuardConfig, log *slog.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validate(cfg.Name, cfg.Holder, cfg.TTL); err != nil {
		return nil, err
	}
	if cfg.Poll <= 0 {
		cfg.Poll = cfg.TTL / 2
	}
	if cfg.Renew <= 0 {
		cfg.Renew = cfg.TTL / 3
	}
	if cfg.Renew >= cfg.TTL {
		return nil, fmt.Errorf("%w: renew period %s must be shorter than ttl %s", ErrInvalidConfig, cfg.Renew, cfg.TTL)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Guard{store: store, cfg: cfg, log: log.With("lease", cfg.Name, "holder", cfg.Holder)}, nil
}

// Hold blocks until the lease is claimed or ctx ends. The returned context is
// canceled with cause ErrLost once the lease can no longer be kept. release
// stops renewal and gives the lease up; it is safe to call more than once.
func (g *Guard) Hold(ctx context.Context) (context.Context, func(), error) {
	var deadline time.Time
	for {
		l, ok, err := g.store.Claim(ctx, g.cfg.Name, g.cfg.Holder, g.cfg.TTL)
		switch {
		case err != nil:
			g.log.Warn("claim writer lease", "err", err)
		case ok:
			deadline = g.cfg.Now().Add(g.cfg.TTL)
		default:
			g.log.Debug("writer lease held elsewhere", "current", l.Holder, "expiresAt", l.ExpiresAt)
		}
		if !deadline.IsZero() {
			break
		}
		t := time.NewTimer(g.cfg.Poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
	}
	g.log.Info("writer lease acquired", "ttl", g.cfg.TTL)

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go g.renew(held, cancel, deadline, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel(context.Canceled)
			<-done
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := g.store.Release(rctx, g.cfg.Name, g.cfg.Holder); err != nil {
				g.log.Warn("release writer lease", "err", err)
			}
		})
	}
	return held, release, nil
}

// renew extends the lease until ctx ends. Store errors are tolerated until
// the locally tracked deadline passes.
func (g *Guard) renew(ctx context.Context, cancel context.CancelCauseFunc, deadline time.Time, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(g.cfg.Renew)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		start := g.cfg.Now()
		l, ok, err := g.store.Claim(ctx, g.cfg.Name, g.cfg.Holder, g.cfg.TTL)
		switch {
		case err == nil && ok:
			deadline = start.Add(g.cfg.TTL)
			continue
		case err == nil:
			g.log.Error("writer lease taken over", "current", l.Holder)
			cancel(ErrLost)
			return
		case ctx.Err() != nil:
			return
		}
		g.log.Warn("renew writer lease", "err", err)
		if !g.cfg.Now().Before(deadline) {
			g.log.Error("writer lease expired", "deadline", deadline)
			cancel(ErrLost)
			return
		}
	}
}
