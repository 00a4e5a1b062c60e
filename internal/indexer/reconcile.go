package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/juno-intents/shielded-pool/internal/chainevent"
	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/merkle"
)

type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCorrected Outcome = "corrected"
	OutcomeConflict  Outcome = "conflict"
)

// Observation is one commitment seen on chain at an authoritative index.
type Observation struct {
	Commitment      *big.Int
	Index           uint64
	Slot            uint64
	Signature       string
	EncryptedOutput []byte
}

// Reconcile applies a single observation. It is idempotent: replaying the
// same observation yields OutcomeDuplicate and changes nothing. An index that
// already holds a different commitment yields OutcomeConflict together with
// ErrIndexConflict; neither tree nor store is touched.
func (ix *Indexer) Reconcile(ctx context.Context, obs Observation) (Outcome, error) {
	if !field.InField(obs.Commitment) || obs.Commitment.Sign() == 0 {
		return "", fmt.Errorf("%w: commitment out of range", ErrInvalidEvent)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.tree == nil {
		return "", ErrNotReady
	}
	if obs.Index >= ix.tree.Capacity() {
		return "", fmt.Errorf("%w: index %d", merkle.ErrTreeFull, obs.Index)
	}

	key := field.ToBytes32(obs.Commitment)

	atIndex, err := ix.store.GetByIndex(ctx, obs.Index)
	switch {
	case err == nil && atIndex.Commitment == key:
		ix.cfg.Metrics.Reconciled(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	case err == nil:
		ix.cfg.Metrics.Conflict()
		ix.cfg.Metrics.Reconciled(string(OutcomeConflict))
		ix.log.Error("index conflict: refusing to overwrite",
			"index", obs.Index,
			"commitment", field.String(obs.Commitment),
			"existing", atIndex.CommitmentString(),
			"signature", obs.Signature,
		)
		return OutcomeConflict, fmt.Errorf("%w: index %d", ErrIndexConflict, obs.Index)
	case !errors.Is(err, commitment.ErrNotFound):
		return "", fmt.Errorf("indexer: lookup index %d: %w", obs.Index, err)
	}

	prev, err := ix.store.GetByCommitment(ctx, key)
	switch {
	case err == nil:
		return ix.correct(ctx, obs, prev)
	case !errors.Is(err, commitment.ErrNotFound):
		return "", fmt.Errorf("indexer: lookup commitment: %w", err)
	}

	rec := commitment.Record{
		Commitment:      key,
		Index:           obs.Index,
		Slot:            obs.Slot,
		Signature:       obs.Signature,
		EncryptedOutput: obs.EncryptedOutput,
		CreatedAt:       ix.cfg.Now().UTC(),
	}
	if err := ix.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("indexer: persist index %d: %w", obs.Index, err)
	}
	if err := ix.tree.Update(obs.Index, obs.Commitment); err != nil {
		return "", fmt.Errorf("indexer: tree update %d: %w", obs.Index, err)
	}
	ix.records++
	ix.afterWrite(ctx, rec, false)
	ix.cfg.Metrics.Reconciled(string(OutcomeInserted))
	ix.log.Debug("commitment inserted", "index", obs.Index, "commitment", field.String(obs.Commitment), "slot", obs.Slot)
	return OutcomeInserted, nil
}

// correct moves a commitment recorded at the wrong index to the index the
// chain reports. The stale leaf is cleared so the live tree matches what a
// rebuild from the store would produce.
func (ix *Indexer) correct(ctx context.Context, obs Observation, prev commitment.Record) (Outcome, error) {
	if err := ix.store.UpdateIndex(ctx, prev.Commitment, obs.Index); err != nil {
		return "", fmt.Errorf("indexer: correct index %d -> %d: %w", prev.Index, obs.Index, err)
	}
	if err := ix.tree.Update(obs.Index, obs.Commitment); err != nil {
		return "", fmt.Errorf("indexer: tree update %d: %w", obs.Index, err)
	}
	if leaf, err := ix.tree.Leaf(prev.Index); err == nil && leaf.Cmp(obs.Commitment) == 0 {
		if err := ix.tree.Update(prev.Index, field.Zero()); err != nil {
			return "", fmt.Errorf("indexer: clear stale leaf %d: %w", prev.Index, err)
		}
	}
	ix.log.Warn("commitment index corrected",
		"commitment", field.String(obs.Commitment),
		"from", prev.Index,
		"to", obs.Index,
	)
	prev.Index = obs.Index
	ix.afterWrite(ctx, prev, true)
	ix.cfg.Metrics.Reconciled(string(OutcomeCorrected))
	return OutcomeCorrected, nil
}

func (ix *Indexer) afterWrite(ctx context.Context, rec commitment.Record, corrected bool) {
	ix.cfg.Metrics.TreeState(ix.tree.NextIndex(), ix.records)
	if ix.cfg.Publisher == nil {
		return
	}
	if err := ix.cfg.Publisher.PublishCommitment(ctx, rec, corrected); err != nil {
		ix.log.Warn("publish commitment", "index", rec.Index, "err", err)
	}
}

// Transaction is a confirmed program transaction with its log lines.
type Transaction struct {
	Signature string
	Slot      uint64
	Logs      []string
	Failed    bool
}

// ApplyResult summarizes one transaction.
type ApplyResult struct {
	Events   int
	Outcomes map[Outcome]int
	// Skipped counts leaves rejected as invalid (zero or non-canonical).
	Skipped int
	// ParseErr is set when some log payloads could not be decoded. Those
	// payloads are skipped.
	ParseErr error
}

// ApplyTransaction decodes every commitment event in tx and reconciles each
// leaf. A dual event places its second commitment at index+1. Conflicts are
// counted and skipped; any other reconciliation error aborts so the caller
// can retry the whole transaction.
func (ix *Indexer) ApplyTransaction(ctx context.Context, tx Transaction) (ApplyResult, error) {
	res := ApplyResult{Outcomes: make(map[Outcome]int)}
	if tx.Failed {
		return res, nil
	}
	events, perr := chainevent.ParseLogs(tx.Logs)
	if perr != nil {
		res.ParseErr = perr
		ix.cfg.Metrics.SkippedLogs()
		ix.log.Debug("skipping undecodable program data", "signature", tx.Signature, "err", perr)
	}
	res.Events = len(events)
	for _, ev := range events {
		for i, c := range ev.Commitments {
			out, err := ix.Reconcile(ctx, Observation{
				Commitment:      c,
				Index:           ev.Index + uint64(i),
				Slot:            tx.Slot,
				Signature:       tx.Signature,
				EncryptedOutput: ev.EncryptedOutput,
			})
			if errors.Is(err, ErrIndexConflict) {
				res.Outcomes[OutcomeConflict]++
				continue
			}
			if errors.Is(err, ErrInvalidEvent) {
				res.Skipped++
				continue
			}
			if err != nil {
				return res, err
			}
			res.Outcomes[out]++
		}
	}
	return res, nil
}
