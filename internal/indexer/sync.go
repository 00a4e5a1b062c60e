package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/juno-intents/shielded-pool/internal/merkle"
)

// SignatureInfo is one entry of a program's transaction history.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	Failed    bool
}

// HistorySource pages a program's past transactions.
type HistorySource interface {
	// Signatures returns up to limit entries strictly older than before
	// (newest first). An empty before starts from the latest.
	Signatures(ctx context.Context, before string, limit int) ([]SignatureInfo, error)
	Transaction(ctx context.Context, signature string) (Transaction, error)
}

// LiveSource streams new program transactions.
type LiveSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	Recv(ctx context.Context) (Transaction, error)
	Close()
}

type SyncConfig struct {
	PageSize  int
	PageDelay time.Duration
	// Until stops the backfill at this signature (exclusive).
	Until string
	// MaxRetries bounds each upstream call and each reconcile.
	MaxRetries uint64
	// NewBackOff builds the retry schedule. Defaults to exponential.
	NewBackOff func() backoff.BackOff
	// LiveBuffer holds live transactions that arrive while backfilling.
	LiveBuffer int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = 4096
	}
	return c
}

type BackfillStats struct {
	Signatures   int
	Transactions int
	Inserted     int
	Duplicates   int
	Corrected    int
	Conflicts    int
	ParseSkipped int
	// Newest is the most recent signature seen, or "" for empty history.
	Newest string
}

// Backfill fetches the program's whole history, replays it oldest first and
// reconciles every event not yet durably recorded.
func (ix *Indexer) Backfill(ctx context.Context, src HistorySource, cfg SyncConfig) (BackfillStats, error) {
	cfg = cfg.withDefaults()
	var stats BackfillStats

	sigs, err := ix.collectSignatures(ctx, src, cfg)
	if err != nil {
		return stats, err
	}
	stats.Signatures = len(sigs)
	if len(sigs) > 0 {
		stats.Newest = sigs[0].Signature
	}
	ix.log.Info("backfill: history collected", "signatures", len(sigs))

	for i := len(sigs) - 1; i >= 0; i-- {
		s := sigs[i]
		if s.Failed {
			continue
		}
		tx, err := retry(ctx, cfg, func() (Transaction, error) {
			return src.Transaction(ctx, s.Signature)
		})
		if err != nil {
			return stats, fmt.Errorf("indexer: fetch %s: %w", s.Signature, err)
		}
		ix.cfg.Metrics.BackfillTx()
		stats.Transactions++

		res, err := ix.applyWithRetry(ctx, cfg, tx)
		if err != nil {
			return stats, err
		}
		if res.ParseErr != nil {
			stats.ParseSkipped++
		}
		stats.Inserted += res.Outcomes[OutcomeInserted]
		stats.Duplicates += res.Outcomes[OutcomeDuplicate]
		stats.Corrected += res.Outcomes[OutcomeCorrected]
		stats.Conflicts += res.Outcomes[OutcomeConflict]
	}
	ix.log.Info("backfill: done",
		"transactions", stats.Transactions,
		"inserted", stats.Inserted,
		"duplicates", stats.Duplicates,
		"corrected", stats.Corrected,
		"conflicts", stats.Conflicts,
		"parse_skipped", stats.ParseSkipped,
	)
	return stats, nil
}

func (ix *Indexer) collectSignatures(ctx context.Context, src HistorySource, cfg SyncConfig) ([]SignatureInfo, error) {
	var (
		out    []SignatureInfo
		before string
	)
	for page := 0; ; page++ {
		if page > 0 && cfg.PageDelay > 0 {
			if err := sleepCtx(ctx, cfg.PageDelay); err != nil {
				return nil, err
			}
		}
		batch, err := retry(ctx, cfg, func() ([]SignatureInfo, error) {
			return src.Signatures(ctx, before, cfg.PageSize)
		})
		if err != nil {
			return nil, fmt.Errorf("indexer: list signatures: %w", err)
		}
		for _, s := range batch {
			if cfg.Until != "" && s.Signature == cfg.Until {
				return out, nil
			}
			out = append(out, s)
		}
		if len(batch) < cfg.PageSize {
			return out, nil
		}
		before = batch[len(batch)-1].Signature
	}
}

// applyWithRetry retries transient store failures. Capacity errors are
// permanent.
func (ix *Indexer) applyWithRetry(ctx context.Context, cfg SyncConfig, tx Transaction) (ApplyResult, error) {
	return retry(ctx, cfg, func() (ApplyResult, error) {
		res, err := ix.ApplyTransaction(ctx, tx)
		if errors.Is(err, merkle.ErrTreeFull) || errors.Is(err, ErrNotReady) {
			return res, backoff.Permanent(err)
		}
		return res, err
	})
}

// liveItem is a live transaction, or a marker that the subscription was
// re-established and transactions may have been missed in between.
type liveItem struct {
	tx     Transaction
	resync bool
}

// Follow consumes a live source until ctx is done, resubscribing after
// failures. Without a history source, transactions landing while the
// subscription is down are not recovered; use Sync for that.
func (ix *Indexer) Follow(ctx context.Context, src LiveSource, cfg SyncConfig) error {
	return ix.Sync(ctx, nil, src, cfg)
}

// Sync is the startup sequence after Rebuild: subscribe first so nothing is
// missed, backfill history, then apply the buffered and subsequent live
// transactions. Every resubscription is followed by a history catch-up down
// to the last applied signature. Reconciliation is idempotent so the
// overlaps are harmless.
func (ix *Indexer) Sync(ctx context.Context, hist HistorySource, live LiveSource, cfg SyncConfig) error {
	cfg = cfg.withDefaults()
	var ch chan liveItem
	if live != nil {
		ch = make(chan liveItem, cfg.LiveBuffer)
		go ix.pump(ctx, live, cfg, ch)
	}
	var last string
	if hist != nil {
		stats, err := ix.Backfill(ctx, hist, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.log.Error("backfill failed; continuing with live events", "err", err)
		}
		last = stats.Newest
	}
	if ch == nil {
		return nil
	}
	return ix.drain(ctx, hist, cfg, ch, last)
}

// drain applies live items in order. last is the newest signature known to
// be applied; a resync backfills everything newer than it.
func (ix *Indexer) drain(ctx context.Context, hist HistorySource, cfg SyncConfig, ch <-chan liveItem, last string) error {
	for {
		var it liveItem
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it = <-ch:
		}
		if it.resync {
			if hist == nil {
				ix.log.Warn("live: resubscribed without a history source; events in the gap are not recovered")
				continue
			}
			catchUp := cfg
			catchUp.Until = last
			stats, err := ix.Backfill(ctx, hist, catchUp)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ix.log.Error("live: catch-up after resubscribe", "since", last, "err", err)
				continue
			}
			if stats.Newest != "" {
				last = stats.Newest
			}
			continue
		}
		if _, err := ix.applyWithRetry(ctx, cfg, it.tx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.log.Error("live: apply transaction", "signature", it.tx.Signature, "err", err)
			continue
		}
		last = it.tx.Signature
	}
}

func (ix *Indexer) pump(ctx context.Context, src LiveSource, cfg SyncConfig, out chan<- liveItem) {
	b := cfg.NewBackOff()
	subscribed := false
	for ctx.Err() == nil {
		sub, err := src.Subscribe(ctx)
		if err != nil {
			ix.log.Warn("live: subscribe", "err", err)
			if sleepCtx(ctx, nextDelay(b)) != nil {
				return
			}
			continue
		}
		b.Reset()
		ix.log.Info("live: subscribed", "resubscribe", subscribed)
		if subscribed {
			select {
			case out <- liveItem{resync: true}:
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
		subscribed = true
		for {
			tx, err := sub.Recv(ctx)
			if err != nil {
				sub.Close()
				if ctx.Err() != nil {
					return
				}
				ix.log.Warn("live: receive", "err", err)
				break
			}
			select {
			case out <- liveItem{tx: tx}:
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
		if sleepCtx(ctx, nextDelay(b)) != nil {
			return
		}
	}
}

func nextDelay(b backoff.BackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		b.Reset()
		d = b.NextBackOff()
	}
	if d < 0 {
		d = 0
	}
	return d
}

func retry[T any](ctx context.Context, cfg SyncConfig, op func() (T, error)) (T, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(cfg.NewBackOff(), cfg.MaxRetries), ctx)
	return backoff.RetryWithData(op, b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
