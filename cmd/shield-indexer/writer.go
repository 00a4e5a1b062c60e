package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// parseCommitment accepts the levels the chain client can follow.
func parseCommitment(s string) (rpc.CommitmentType, error) {
	switch ct := rpc.CommitmentType(strings.ToLower(strings.TrimSpace(s))); ct {
	case rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return ct, nil
	default:
		return "", fmt.Errorf("--commitment must be confirmed or finalized, got %q", s)
	}
}

// acquireFunc blocks until this replica may write. The returned context ends
// when that right is lost; release gives it up.
type acquireFunc func(ctx context.Context) (context.Context, func(), error)

// awaitWriter blocks in acquire while calling refresh every interval, so a
// standby keeps serving current reads. Once elected it refreshes one last
// time to pick up leaves the previous writer added after the last tick.
func awaitWriter(ctx context.Context, acquire acquireFunc, refresh func(context.Context) error, every time.Duration, log *slog.Logger) (context.Context, func(), error) {
	type result struct {
		held    context.Context
		release func()
		err     error
	}
	done := make(chan result, 1)
	go func() {
		held, release, err := acquire(ctx)
		done <- result{held: held, release: release, err: err}
	}()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				return nil, nil, r.err
			}
			if err := refresh(r.held); err != nil {
				r.release()
				return nil, nil, fmt.Errorf("refresh after election: %w", err)
			}
			return r.held, r.release, nil
		case <-t.C:
			if err := refresh(ctx); err != nil {
				log.Warn("standby refresh", "err", err)
			}
		}
	}
}

// runWriter waits to be elected, hands the lease-bound context to start, and
// blocks until the lease ends. It returns nil when ctx ends and the loss
// cause otherwise.
func runWriter(ctx context.Context, acquire acquireFunc, refresh func(context.Context) error, every time.Duration, start func(context.Context), log *slog.Logger) error {
	held, release, err := awaitWriter(ctx, acquire, refresh, every, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer release()

	log.Info("writer elected; starting chain sync and relay worker")
	start(held)
	<-held.Done()
	if ctx.Err() != nil {
		return nil
	}
	return context.Cause(held)
}
