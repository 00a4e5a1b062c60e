// Package indexer owns the commitment tree. It reconciles chain events into
// the durable commitment log, rebuilds the tree from that log on start, and
// answers root and proof queries.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/merkle"
	"github.com/juno-intents/shielded-pool/internal/metrics"
)

var (
	ErrInvalidConfig = errors.New("indexer: invalid config")
	ErrNotReady      = errors.New("indexer: tree not rebuilt yet")
	ErrNotFound      = errors.New("indexer: commitment not in tree")
	ErrIndexConflict = errors.New("indexer: index holds a different commitment")
	ErrInvalidEvent  = errors.New("indexer: invalid event")
)

// Publisher receives every record the indexer accepts or corrects.
type Publisher interface {
	PublishCommitment(ctx context.Context, r commitment.Record, corrected bool) error
}

type Config struct {
	// Levels must equal the verifier circuit depth.
	Levels      int
	RootHistory int

	Publisher Publisher
	Metrics   *metrics.Metrics

	Now func() time.Time
}

// Indexer serializes reconciliation behind mu and lets queries read the tree
// concurrently between writes.
type Indexer struct {
	cfg   Config
	log   *slog.Logger
	store commitment.Store

	mu      sync.RWMutex
	tree    *merkle.Tree
	records uint64
	rebuilt time.Time
}

func New(cfg Config, store commitment.Store, log *slog.Logger) (*Indexer, error) {
	if cfg.Levels <= 0 || cfg.Levels > merkle.MaxLevels {
		return nil, fmt.Errorf("%w: Levels must be in 1..%d", ErrInvalidConfig, merkle.MaxLevels)
	}
	if cfg.RootHistory <= 0 {
		cfg.RootHistory = merkle.DefaultRootHistory
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Indexer{cfg: cfg, log: log, store: store}, nil
}

// Rebuild discards the in-memory tree and replays every durable record in
// index order. Gaps are zero leaves.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	recs, err := ix.store.All(ctx)
	if err != nil {
		return fmt.Errorf("indexer: load records: %w", err)
	}
	capacity := uint64(1) << uint(ix.cfg.Levels)
	var leaves []*big.Int
	if n := len(recs); n > 0 {
		maxIndex := recs[n-1].Index
		if maxIndex >= capacity {
			return fmt.Errorf("%w: stored index %d exceeds tree capacity %d", ErrInvalidConfig, maxIndex, capacity)
		}
		leaves = make([]*big.Int, maxIndex+1)
		for _, r := range recs {
			leaves[r.Index] = r.Value()
		}
	}
	tree, err := merkle.Build(ix.cfg.Levels, leaves, merkle.WithRootHistory(ix.cfg.RootHistory))
	if err != nil {
		return fmt.Errorf("indexer: build tree: %w", err)
	}
	ix.tree = tree
	ix.records = uint64(len(recs))
	ix.rebuilt = ix.cfg.Now().UTC()
	ix.cfg.Metrics.TreeState(tree.NextIndex(), ix.records)
	ix.log.Info("tree rebuilt", "records", len(recs), "next_index", tree.NextIndex(), "root", field.String(tree.Root()))
	return nil
}

// Ready reports whether Rebuild has completed.
func (ix *Indexer) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree != nil
}

type RootInfo struct {
	Root      *big.Int
	NextIndex uint64
	Timestamp time.Time
}

func (ix *Indexer) Root() (RootInfo, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tree == nil {
		return RootInfo{}, ErrNotReady
	}
	return RootInfo{Root: ix.tree.Root(), NextIndex: ix.tree.NextIndex(), Timestamp: ix.cfg.Now().UTC()}, nil
}

// Proof returns the authentication path of commitment.
func (ix *Indexer) Proof(c *big.Int) (merkle.Path, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tree == nil {
		return merkle.Path{}, ErrNotReady
	}
	p, err := ix.tree.ProofOf(c)
	if errors.Is(err, merkle.ErrNotFound) {
		return merkle.Path{}, ErrNotFound
	}
	return p, err
}

// IsKnownRoot reports whether root is still accepted by the verifier.
func (ix *Indexer) IsKnownRoot(root *big.Int) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree != nil && ix.tree.IsKnownRoot(root)
}

type TreeInfo struct {
	Levels          int
	Capacity        uint64
	NextIndex       uint64
	Records         uint64
	Root            *big.Int
	RootHistorySize int
	KnownRoots      []*big.Int
	RebuiltAt       time.Time
}

func (ix *Indexer) TreeInfo() (TreeInfo, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tree == nil {
		return TreeInfo{}, ErrNotReady
	}
	return TreeInfo{
		Levels:          ix.tree.Levels(),
		Capacity:        ix.tree.Capacity(),
		NextIndex:       ix.tree.NextIndex(),
		Records:         ix.records,
		Root:            ix.tree.Root(),
		RootHistorySize: ix.tree.HistorySize(),
		KnownRoots:      ix.tree.Roots(),
		RebuiltAt:       ix.rebuilt,
	}, nil
}

// Records lists durable records with start <= index < end.
func (ix *Indexer) Records(ctx context.Context, start, end uint64) ([]commitment.Record, error) {
	return ix.store.List(ctx, start, end)
}

func (ix *Indexer) Record(ctx context.Context, index uint64) (commitment.Record, error) {
	return ix.store.GetByIndex(ctx, index)
}

// Count is the number of durable records.
func (ix *Indexer) Count(ctx context.Context) (uint64, error) {
	return ix.store.Count(ctx)
}

// Ping checks the durable store.
func (ix *Indexer) Ping(ctx context.Context) error {
	return ix.store.Ping(ctx)
}

type EncryptedOutput struct {
	Index uint64
	Blob  []byte
}

// EncryptedOutputs returns the distinct encrypted outputs in [start, end).
// A dual event stores its blob on both leaves; it is reported once, at the
// lower index.
func (ix *Indexer) EncryptedOutputs(ctx context.Context, start, end uint64) ([]EncryptedOutput, error) {
	recs, err := ix.store.List(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]EncryptedOutput, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if len(r.EncryptedOutput) == 0 {
			continue
		}
		k := string(r.EncryptedOutput)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, EncryptedOutput{Index: r.Index, Blob: r.EncryptedOutput})
	}
	return out, nil
}
