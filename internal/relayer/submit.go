package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/juno-intents/shielded-pool/internal/jobqueue"
)

// submit signs ixs with the relayer key, sends the transaction and polls
// until it is confirmed, fails on chain, or ConfirmTimeout elapses.
func (r *Relayer) submit(ctx context.Context, ixs []solana.Instruction, tables []solana.PublicKey) (jobqueue.Result, error) {
	tx, err := r.buildTransaction(ctx, ixs, tables)
	if err != nil {
		return jobqueue.Result{}, err
	}

	sig, err := r.client.SendTransaction(ctx, tx)
	if err != nil {
		return jobqueue.Result{}, fail(KindRejected, err)
	}
	r.log.Info("relay transaction sent", "signature", sig.String())

	st, err := r.waitConfirmed(ctx, sig)
	if err != nil {
		return jobqueue.Result{Signature: sig.String()}, err
	}
	r.log.Info("relay transaction confirmed", "signature", sig.String(), "slot", st.Slot, "status", st.Confirmation)
	return jobqueue.Result{
		Signature:          sig.String(),
		Slot:               st.Slot,
		ConfirmationStatus: st.Confirmation,
	}, nil
}

func (r *Relayer) buildTransaction(ctx context.Context, ixs []solana.Instruction, tables []solana.PublicKey) (*solana.Transaction, error) {
	resolved, err := r.lookupTables(ctx, tables)
	if err != nil {
		return nil, err
	}
	hash, err := r.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, fail(KindRPC, fmt.Errorf("relayer: latest blockhash: %w", err))
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(r.Authority())}
	if len(resolved) > 0 {
		opts = append(opts, solana.TransactionAddressTables(resolved))
	}
	tx, err := solana.NewTransaction(ixs, hash, opts...)
	if err != nil {
		return nil, fail(KindBuild, fmt.Errorf("relayer: assemble transaction: %w", err))
	}
	key := r.key
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, fail(KindBuild, fmt.Errorf("relayer: sign transaction: %w", err))
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fail(KindBuild, fmt.Errorf("relayer: serialize transaction: %w", err))
	}
	if len(raw) > MaxTransactionSize {
		return nil, fail(KindTooLarge, fmt.Errorf("relayer: transaction is %d bytes, limit %d", len(raw), MaxTransactionSize))
	}
	return tx, nil
}

// lookupTables fetches each distinct table once.
func (r *Relayer) lookupTables(ctx context.Context, tables []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	out := make(map[solana.PublicKey]solana.PublicKeySlice, len(tables))
	for _, t := range tables {
		if _, ok := out[t]; ok {
			continue
		}
		addrs, err := r.client.LookupTable(ctx, t)
		if err != nil {
			return nil, fail(KindRPC, fmt.Errorf("relayer: lookup table %s: %w", t, err))
		}
		out[t] = addrs
	}
	return out, nil
}

func (r *Relayer) waitConfirmed(ctx context.Context, sig solana.Signature) (*TxStatus, error) {
	deadline := r.cfg.Now().Add(r.cfg.ConfirmTimeout)
	for {
		st, err := r.client.SignatureStatus(ctx, sig)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("signature status", "signature", sig.String(), "err", err)
		}
		if err == nil && st != nil {
			if st.Err != nil {
				return nil, fail(KindOnChain, st.Err)
			}
			if st.confirmed() {
				return st, nil
			}
		}
		if !r.cfg.Now().Before(deadline) {
			return nil, fail(KindTimeout, fmt.Errorf("relayer: transaction %s not confirmed after %s", sig, r.cfg.ConfirmTimeout))
		}
		if err := r.cfg.Sleep(ctx, r.cfg.PollInterval); err != nil {
			return nil, fail(KindTimeout, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
