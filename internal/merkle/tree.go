// Package merkle implements the fixed-depth commitment tree used by the pool
// verifier: append/update leaves, bounded root history, authentication paths
// and reverse lookup.
//
// A Tree is not safe for concurrent use. Callers serialize writers and
// guard readers (see indexer.Indexer).
package merkle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/juno-intents/shielded-pool/internal/field"
)

const (
	// DefaultLevels is the circuit depth.
	DefaultLevels = 26
	// DefaultRootHistory matches the on-chain ROOT_HISTORY_SIZE.
	DefaultRootHistory = 100
	// MaxLevels bounds memory for the dense layer representation.
	MaxLevels = 32
)

var (
	ErrInvalidConfig = errors.New("merkle: invalid config")
	ErrTreeFull      = errors.New("merkle: tree is full")
	ErrOutOfRange    = errors.New("merkle: index out of range")
	ErrNotFound      = errors.New("merkle: leaf not found")
)

// HashFunc combines two child nodes.
type HashFunc func(left, right *big.Int) (*big.Int, error)

type Option func(*Tree)

// WithRootHistory sets the number of roots retained for IsKnownRoot.
func WithRootHistory(n int) Option { return func(t *Tree) { t.historySize = n } }

// WithHash overrides the node hash. Defaults to Poseidon.
func WithHash(h HashFunc) Option { return func(t *Tree) { t.hash = h } }

type Tree struct {
	levels int
	hash   HashFunc

	// layers[0] holds the leaves; len(layers[0]) is the next free index.
	layers [][]*big.Int
	zeroes []*big.Int

	historySize int
	history     []*big.Int
	historyPos  int

	positions map[[32]byte]uint64
}

// New builds an empty tree of the given height.
func New(levels int, opts ...Option) (*Tree, error) {
	if levels <= 0 || levels > MaxLevels {
		return nil, fmt.Errorf("%w: levels %d", ErrInvalidConfig, levels)
	}
	t := &Tree{
		levels:      levels,
		hash:        field.HashPair,
		historySize: DefaultRootHistory,
		positions:   make(map[[32]byte]uint64),
	}
	for _, o := range opts {
		o(t)
	}
	if t.historySize <= 0 {
		return nil, fmt.Errorf("%w: root history %d", ErrInvalidConfig, t.historySize)
	}
	if t.hash == nil {
		return nil, fmt.Errorf("%w: nil hash", ErrInvalidConfig)
	}

	t.zeroes = make([]*big.Int, levels+1)
	t.zeroes[0] = field.Zero()
	for i := 1; i <= levels; i++ {
		z, err := t.hash(t.zeroes[i-1], t.zeroes[i-1])
		if err != nil {
			return nil, fmt.Errorf("merkle: zero level %d: %w", i, err)
		}
		t.zeroes[i] = z
	}
	t.layers = make([][]*big.Int, levels+1)
	t.history = make([]*big.Int, 0, t.historySize)
	t.pushRoot()
	return t, nil
}

// Build creates a tree and loads leaves in one pass. Nil entries are zero
// leaves. The resulting root is the only history entry.
func Build(levels int, leaves []*big.Int, opts ...Option) (*Tree, error) {
	t, err := New(levels, opts...)
	if err != nil {
		return nil, err
	}
	if uint64(len(leaves)) > t.Capacity() {
		return nil, ErrTreeFull
	}
	t.layers[0] = make([]*big.Int, len(leaves))
	for i, l := range leaves {
		if l == nil {
			l = field.Zero()
		}
		if !field.InField(l) {
			return nil, fmt.Errorf("leaf %d: %w", i, field.ErrNotInField)
		}
		t.layers[0][i] = new(big.Int).Set(l)
		t.track(nil, l, uint64(i))
	}
	for lvl := 1; lvl <= levels; lvl++ {
		prev := t.layers[lvl-1]
		cur := make([]*big.Int, (len(prev)+1)/2)
		for i := range cur {
			n, err := t.node(lvl, i)
			if err != nil {
				return nil, err
			}
			cur[i] = n
		}
		t.layers[lvl] = cur
	}
	t.history = t.history[:0]
	t.historyPos = 0
	t.pushRoot()
	return t, nil
}

func (t *Tree) Levels() int { return t.levels }

// Capacity is 2^levels.
func (t *Tree) Capacity() uint64 { return uint64(1) << uint(t.levels) }

// NextIndex is the first unused leaf slot.
func (t *Tree) NextIndex() uint64 { return uint64(len(t.layers[0])) }

// Zero returns the empty-subtree hash at level lvl.
func (t *Tree) Zero(lvl int) *big.Int { return new(big.Int).Set(t.zeroes[lvl]) }

// Root returns the current top hash.
func (t *Tree) Root() *big.Int {
	top := t.layers[t.levels]
	if len(top) == 0 {
		return new(big.Int).Set(t.zeroes[t.levels])
	}
	return new(big.Int).Set(top[0])
}

// Leaf returns the leaf at index.
func (t *Tree) Leaf(index uint64) (*big.Int, error) {
	if index >= t.NextIndex() {
		return nil, ErrOutOfRange
	}
	return new(big.Int).Set(t.layers[0][index]), nil
}

// Leaves returns a copy of the leaf layer.
func (t *Tree) Leaves() []*big.Int {
	out := make([]*big.Int, len(t.layers[0]))
	for i, l := range t.layers[0] {
		out[i] = new(big.Int).Set(l)
	}
	return out
}

// Insert appends a leaf at NextIndex.
func (t *Tree) Insert(commitment *big.Int) (uint64, error) {
	idx := t.NextIndex()
	if idx >= t.Capacity() {
		return 0, ErrTreeFull
	}
	if err := t.Update(idx, commitment); err != nil {
		return 0, err
	}
	return idx, nil
}

// Update writes commitment at index. Indices past NextIndex are reached by
// zero-padding the gap first.
func (t *Tree) Update(index uint64, commitment *big.Int) error {
	if !field.InField(commitment) {
		return field.ErrNotInField
	}
	if index >= t.Capacity() {
		return fmt.Errorf("%w: %d >= capacity %d", ErrOutOfRange, index, t.Capacity())
	}
	from := index
	if next := t.NextIndex(); next < from {
		from = next
	}
	for t.NextIndex() <= index {
		t.layers[0] = append(t.layers[0], field.Zero())
	}
	old := t.layers[0][index]
	t.layers[0][index] = new(big.Int).Set(commitment)
	t.track(old, commitment, index)
	if err := t.recompute(from, index); err != nil {
		return err
	}
	t.pushRoot()
	return nil
}

// Pad extends the leaf layer with zero leaves until NextIndex == n.
func (t *Tree) Pad(n uint64) error {
	if n > t.Capacity() {
		return fmt.Errorf("%w: pad to %d", ErrOutOfRange, n)
	}
	from := t.NextIndex()
	if n <= from {
		return nil
	}
	for t.NextIndex() < n {
		t.layers[0] = append(t.layers[0], field.Zero())
	}
	if err := t.recompute(from, n-1); err != nil {
		return err
	}
	t.pushRoot()
	return nil
}

// IndexOf returns the position of a non-zero commitment.
func (t *Tree) IndexOf(commitment *big.Int) (uint64, bool) {
	if !field.InField(commitment) || commitment.Sign() == 0 {
		return 0, false
	}
	idx, ok := t.positions[field.ToBytes32(commitment)]
	return idx, ok
}

// IsKnownRoot reports whether root is within the retained history.
func (t *Tree) IsKnownRoot(root *big.Int) bool {
	if root == nil || root.Sign() == 0 {
		return false
	}
	for _, r := range t.history {
		if r.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

// Roots returns the retained roots, newest first.
func (t *Tree) Roots() []*big.Int {
	n := len(t.history)
	out := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		pos := (t.historyPos - 1 - i + n) % n
		out = append(out, new(big.Int).Set(t.history[pos]))
	}
	return out
}

// HistorySize is the configured root history capacity.
func (t *Tree) HistorySize() int { return t.historySize }

func (t *Tree) node(lvl, i int) (*big.Int, error) {
	prev := t.layers[lvl-1]
	left := prev[2*i]
	right := t.zeroes[lvl-1]
	if 2*i+1 < len(prev) {
		right = prev[2*i+1]
	}
	return t.hash(left, right)
}

// recompute refreshes every ancestor of leaves [from, to].
func (t *Tree) recompute(from, to uint64) error {
	lo, hi := int(from), int(to)
	for lvl := 1; lvl <= t.levels; lvl++ {
		lo, hi = lo/2, hi/2
		for i := lo; i <= hi; i++ {
			n, err := t.node(lvl, i)
			if err != nil {
				return fmt.Errorf("merkle: level %d node %d: %w", lvl, i, err)
			}
			if i < len(t.layers[lvl]) {
				t.layers[lvl][i] = n
			} else {
				t.layers[lvl] = append(t.layers[lvl], n)
			}
		}
	}
	return nil
}

func (t *Tree) track(old, cur *big.Int, index uint64) {
	if old != nil && old.Sign() != 0 {
		k := field.ToBytes32(old)
		if at, ok := t.positions[k]; ok && at == index {
			delete(t.positions, k)
		}
	}
	if cur.Sign() != 0 {
		t.positions[field.ToBytes32(cur)] = index
	}
}

func (t *Tree) pushRoot() {
	r := t.Root()
	if len(t.history) < t.historySize {
		t.history = append(t.history, r)
		t.historyPos = len(t.history) % t.historySize
		return
	}
	t.history[t.historyPos] = r
	t.historyPos = (t.historyPos + 1) % t.historySize
}
