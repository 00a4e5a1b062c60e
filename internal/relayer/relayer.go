// Package relayer turns validated withdraw and swap requests into signed
// pool program transactions, submits them and waits for confirmation.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"

	"github.com/juno-intents/shielded-pool/internal/jobqueue"
)

var ErrInvalidConfig = errors.New("relayer: invalid config")

// MaxTransactionSize is the packet limit for a serialized transaction.
const MaxTransactionSize = 1232

const (
	DefaultComputeUnitLimit = 1_000_000
	DefaultConfirmTimeout   = 90 * time.Second
	DefaultPollInterval     = 2 * time.Second
)

// TxStatus is the chain's view of a submitted signature.
type TxStatus struct {
	Slot         uint64
	Confirmation string
	// Err is set when the transaction landed but failed.
	Err error
}

func (s *TxStatus) confirmed() bool {
	return s.Confirmation == "confirmed" || s.Confirmation == "finalized"
}

// ChainClient is the RPC surface the relayer needs.
type ChainClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	AccountExists(ctx context.Context, pk solana.PublicKey) (bool, error)
	LookupTable(ctx context.Context, pk solana.PublicKey) (solana.PublicKeySlice, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// SignatureStatus returns nil while the signature is unknown.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*TxStatus, error)
}

// RootChecker reports whether a root is still inside the history window.
type RootChecker interface {
	IsKnownRoot(root *big.Int) bool
}

type Config struct {
	Program solana.PublicKey
	// Aggregator is the downstream swap program. Zero disables swaps.
	Aggregator solana.PublicKey
	// FeeRecipient, when set, must match every request's fee recipient.
	FeeRecipient solana.PublicKey
	MinFee       uint64

	ComputeUnitLimit uint32
	LookupTables     []solana.PublicKey

	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	Roots RootChecker

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Relayer struct {
	cfg      Config
	client   ChainClient
	key      solana.PrivateKey
	accounts ProgramAccounts
	log      *slog.Logger
}

func New(cfg Config, client ChainClient, key solana.PrivateKey, log *slog.Logger) (*Relayer, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: relayer key must be 64 bytes", ErrInvalidConfig)
	}
	if cfg.Program.IsZero() {
		return nil, fmt.Errorf("%w: program id required", ErrInvalidConfig)
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = DefaultComputeUnitLimit
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	accounts, err := DeriveProgramAccounts(cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Relayer{cfg: cfg, client: client, key: key, accounts: accounts, log: log}, nil
}

func (r *Relayer) Authority() solana.PublicKey { return r.key.PublicKey() }

func (r *Relayer) Accounts() ProgramAccounts { return r.accounts }

// Executors adapts the relayer to the job queue.
func (r *Relayer) Executors() map[jobqueue.Type]jobqueue.Executor {
	return map[jobqueue.Type]jobqueue.Executor{
		jobqueue.TypeWithdraw: jobqueue.ExecutorFunc(func(ctx context.Context, req jobqueue.Request) (jobqueue.Result, error) {
			w, ok := req.(*Withdraw)
			if !ok {
				return jobqueue.Result{}, fail(KindInvalidRequest, fmt.Errorf("%w: expected withdraw, got %T", ErrInvalidRequest, req))
			}
			return r.Withdraw(ctx, w)
		}),
		jobqueue.TypeSwap: jobqueue.ExecutorFunc(func(ctx context.Context, req jobqueue.Request) (jobqueue.Result, error) {
			s, ok := req.(*Swap)
			if !ok {
				return jobqueue.Result{}, fail(KindInvalidRequest, fmt.Errorf("%w: expected swap, got %T", ErrInvalidRequest, req))
			}
			return r.Swap(ctx, s)
		}),
	}
}

// Check applies the relayer's own acceptance rules to a parsed request.
func (r *Relayer) Check(w *Withdraw) error {
	if !r.cfg.FeeRecipient.IsZero() && !w.Ext.FeeRecipient.Equals(r.cfg.FeeRecipient) {
		return fmt.Errorf("%w: fee recipient must be %s", ErrInvalidRequest, r.cfg.FeeRecipient)
	}
	if w.Ext.Fee < r.cfg.MinFee {
		return fmt.Errorf("%w: fee %d below minimum %d", ErrInvalidRequest, w.Ext.Fee, r.cfg.MinFee)
	}
	if r.cfg.Roots != nil && !r.cfg.Roots.IsKnownRoot(w.Inputs.Root) {
		return ErrStaleRoot
	}
	return nil
}

// CheckSwap is Check plus swap availability.
func (r *Relayer) CheckSwap(s *Swap) error {
	if r.cfg.Aggregator.IsZero() {
		return fmt.Errorf("%w: swaps are not enabled", ErrInvalidRequest)
	}
	return r.Check(&s.Withdraw)
}

func (r *Relayer) Withdraw(ctx context.Context, w *Withdraw) (jobqueue.Result, error) {
	if err := r.Check(w); err != nil {
		return jobqueue.Result{}, classifyCheck(err)
	}
	ixs, err := r.BuildWithdraw(ctx, w)
	if err != nil {
		return jobqueue.Result{}, err
	}
	return r.submit(ctx, ixs, r.cfg.LookupTables)
}

func (r *Relayer) Swap(ctx context.Context, s *Swap) (jobqueue.Result, error) {
	if err := r.CheckSwap(s); err != nil {
		return jobqueue.Result{}, classifyCheck(err)
	}
	ixs, err := r.BuildSwap(ctx, s)
	if err != nil {
		return jobqueue.Result{}, err
	}
	tables := append(append([]solana.PublicKey(nil), r.cfg.LookupTables...), s.LookupTables...)
	return r.submit(ctx, ixs, tables)
}

// tokenAccounts accumulates destination token accounts, creating the
// missing ones ahead of the program instruction.
type tokenAccounts struct {
	r       *Relayer
	creates []solana.Instruction
	seen    map[solana.PublicKey]bool
}

func (r *Relayer) newTokenAccounts() *tokenAccounts {
	return &tokenAccounts{r: r, seen: make(map[solana.PublicKey]bool)}
}

func (t *tokenAccounts) ensure(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, err := ata(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fail(KindBuild, err)
	}
	if t.seen[addr] {
		return addr, nil
	}
	t.seen[addr] = true
	ok, err := t.r.client.AccountExists(ctx, addr)
	if err != nil {
		return solana.PublicKey{}, fail(KindRPC, fmt.Errorf("relayer: check account %s: %w", addr, err))
	}
	if !ok {
		t.creates = append(t.creates, associatedtokenaccount.NewCreateInstruction(t.r.Authority(), owner, mint).Build())
	}
	return addr, nil
}

// BuildWithdraw returns the instructions of a withdraw transaction. Native
// withdrawals pay lamports from the tree token account directly to the
// recipient and fee recipient wallets.
func (r *Relayer) BuildWithdraw(ctx context.Context, w *Withdraw) ([]solana.Instruction, error) {
	data, err := EncodeWithdrawData(w)
	if err != nil {
		return nil, fail(KindBuild, err)
	}
	markers, err := r.accounts.NullifierMarkers(w.Inputs.Nullifiers)
	if err != nil {
		return nil, fail(KindBuild, err)
	}
	reserveAuth, err := r.accounts.ReserveAuthority(w.Ext.Mint)
	if err != nil {
		return nil, fail(KindBuild, err)
	}

	accs := r.newTokenAccounts()
	reserve, recipient, feeAcct := r.accounts.TreeToken, w.Ext.Recipient, w.Ext.FeeRecipient
	if !w.Ext.Mint.Equals(solana.SolMint) {
		if reserve, err = ata(reserveAuth, w.Ext.Mint); err != nil {
			return nil, fail(KindBuild, err)
		}
		if recipient, err = accs.ensure(ctx, w.Ext.Recipient, w.Ext.Mint); err != nil {
			return nil, err
		}
		if w.Ext.Fee > 0 {
			if feeAcct, err = accs.ensure(ctx, w.Ext.FeeRecipient, w.Ext.Mint); err != nil {
				return nil, err
			}
		} else if feeAcct, err = ata(w.Ext.FeeRecipient, w.Ext.Mint); err != nil {
			return nil, fail(KindBuild, err)
		}
	}

	metas := solana.AccountMetaSlice{
		writable(r.accounts.Tree),
		readonly(r.accounts.GlobalConfig),
		writable(markers[0]),
		writable(markers[1]),
		writable(r.accounts.TreeToken),
		readonly(reserveAuth),
		writable(reserve),
		writable(recipient),
		writable(feeAcct),
		readonly(w.Ext.Mint),
		signer(r.Authority()),
		readonly(solana.TokenProgramID),
		readonly(solana.SPLAssociatedTokenAccountProgramID),
		readonly(solana.SystemProgramID),
	}

	out := []solana.Instruction{SetComputeUnitLimit(r.cfg.ComputeUnitLimit)}
	out = append(out, accs.creates...)
	out = append(out, solana.NewInstruction(r.cfg.Program, metas, data))
	return out, nil
}

// BuildSwap returns the instructions of a swap transaction. The aggregator
// instruction data and accounts are forwarded unchanged except that the
// pool's swap authority is never marked as a signer, since the program signs
// for it during the nested call. A native input mint swaps from the relayer's
// own wrapped SOL account.
func (r *Relayer) BuildSwap(ctx context.Context, s *Swap) ([]solana.Instruction, error) {
	data, err := EncodeSwapData(s)
	if err != nil {
		return nil, fail(KindBuild, err)
	}
	markers, err := r.accounts.NullifierMarkers(s.Inputs.Nullifiers)
	if err != nil {
		return nil, fail(KindBuild, err)
	}
	inMint, outMint := s.Ext.Mint, s.OutputMint
	reserveAuth, err := r.accounts.ReserveAuthority(inMint)
	if err != nil {
		return nil, fail(KindBuild, err)
	}

	accs := r.newTokenAccounts()
	reserve := r.accounts.TreeToken
	var source, feeAcct solana.PublicKey
	if inMint.Equals(solana.SolMint) {
		if source, err = accs.ensure(ctx, r.Authority(), solana.SolMint); err != nil {
			return nil, err
		}
		feeAcct = s.Ext.FeeRecipient
	} else {
		if reserve, err = ata(reserveAuth, inMint); err != nil {
			return nil, fail(KindBuild, err)
		}
		if source, err = accs.ensure(ctx, r.accounts.SwapAuthority, inMint); err != nil {
			return nil, err
		}
		if feeAcct, err = accs.ensure(ctx, s.Ext.FeeRecipient, inMint); err != nil {
			return nil, err
		}
	}
	dest, err := accs.ensure(ctx, s.Ext.Recipient, outMint)
	if err != nil {
		return nil, err
	}

	metas := solana.AccountMetaSlice{
		writable(r.accounts.Tree),
		readonly(r.accounts.GlobalConfig),
		writable(markers[0]),
		writable(markers[1]),
		writable(r.accounts.TreeToken),
		readonly(reserveAuth),
		writable(reserve),
		readonly(r.accounts.SwapAuthority),
		writable(source),
		writable(dest),
		writable(feeAcct),
		readonly(inMint),
		readonly(outMint),
		readonly(r.cfg.Aggregator),
		signer(r.Authority()),
		readonly(solana.TokenProgramID),
		readonly(solana.SPLAssociatedTokenAccountProgramID),
		readonly(solana.SystemProgramID),
	}
	for _, m := range s.SwapAccounts {
		fwd := *m
		if fwd.PublicKey.Equals(r.accounts.SwapAuthority) {
			fwd.IsSigner = false
		}
		metas = append(metas, &fwd)
	}

	out := []solana.Instruction{SetComputeUnitLimit(r.cfg.ComputeUnitLimit)}
	out = append(out, accs.creates...)
	out = append(out, solana.NewInstruction(r.cfg.Program, metas, data))
	return out, nil
}
