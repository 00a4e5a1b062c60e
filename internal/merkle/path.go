package merkle

import (
	"fmt"
	"math/big"

	"github.com/juno-intents/shielded-pool/internal/field"
)

// Path is the authentication path of one leaf, ordered leaf to root.
// PathIndices[i] is 1 when the running node is the right child at level i.
type Path struct {
	Index        uint64
	PathElements []*big.Int
	PathIndices  []uint8
}

// Path returns the sibling hashes and direction bits for index.
func (t *Tree) Path(index uint64) (Path, error) {
	if index >= t.NextIndex() {
		return Path{}, fmt.Errorf("%w: %d >= next index %d", ErrOutOfRange, index, t.NextIndex())
	}
	p := Path{
		Index:        index,
		PathElements: make([]*big.Int, t.levels),
		PathIndices:  make([]uint8, t.levels),
	}
	idx := index
	for lvl := 0; lvl < t.levels; lvl++ {
		sib := idx ^ 1
		layer := t.layers[lvl]
		if sib < uint64(len(layer)) {
			p.PathElements[lvl] = new(big.Int).Set(layer[sib])
		} else {
			p.PathElements[lvl] = new(big.Int).Set(t.zeroes[lvl])
		}
		p.PathIndices[lvl] = uint8(idx & 1)
		idx >>= 1
	}
	return p, nil
}

// ProofOf locates commitment and returns its path.
func (t *Tree) ProofOf(commitment *big.Int) (Path, error) {
	idx, ok := t.IndexOf(commitment)
	if !ok {
		return Path{}, ErrNotFound
	}
	return t.Path(idx)
}

// ComputeRoot folds leaf up through path.
func ComputeRoot(hash HashFunc, leaf *big.Int, p Path) (*big.Int, error) {
	if len(p.PathElements) != len(p.PathIndices) {
		return nil, fmt.Errorf("merkle: path length mismatch %d != %d", len(p.PathElements), len(p.PathIndices))
	}
	if hash == nil {
		hash = field.HashPair
	}
	cur := leaf
	for i, sib := range p.PathElements {
		var err error
		if p.PathIndices[i] == 0 {
			cur, err = hash(cur, sib)
		} else {
			cur, err = hash(sib, cur)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// VerifyPath reports whether leaf and p hash to root.
func VerifyPath(hash HashFunc, leaf *big.Int, p Path, root *big.Int) bool {
	got, err := ComputeRoot(hash, leaf, p)
	if err != nil {
		return false
	}
	return got.Cmp(root) == 0
}
