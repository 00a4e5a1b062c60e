// Package note models shielded notes (UTXOs): commitment and nullifier
// derivation, the encrypted-output codec used for private recovery, and the
// wallet-side discovery scan.
package note

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/juno-intents/shielded-pool/internal/field"
)

var ErrInvalidNote = errors.New("note: invalid note")

// Note is a private balance fragment. Index is tentative until the insertion
// index is confirmed on chain; SetIndex finalizes it.
type Note struct {
	Amount   uint64
	Blinding *big.Int
	Owner    *Keypair
	Mint     solana.PublicKey
	Index    uint64

	commitment *big.Int
	nullifier  *big.Int
}

// New builds a note with a fresh 32-bit blinding.
func New(amount uint64, owner *Keypair, mint solana.PublicKey, index uint64) (*Note, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: nil owner", ErrInvalidNote)
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("note: blinding: %w", err)
	}
	blinding := new(big.Int).SetBytes(b[:])
	return &Note{Amount: amount, Blinding: blinding, Owner: owner, Mint: mint, Index: index}, nil
}

// Zero returns a zero-amount filler note owned by owner.
func Zero(owner *Keypair, mint solana.PublicKey, index uint64) (*Note, error) {
	return New(0, owner, mint, index)
}

// IsZero reports whether the note is a filler.
func (n *Note) IsZero() bool { return n.Amount == 0 }

// MintID is the field image of the asset address.
func (n *Note) MintID() *big.Int { return field.FromAddress(n.Mint) }

// SetIndex moves a tentative note to its confirmed position and drops any
// memoized hashes.
func (n *Note) SetIndex(index uint64) {
	if n.Index == index {
		return
	}
	n.Index = index
	n.commitment = nil
	n.nullifier = nil
}

// Commitment is Poseidon(amount, pubkey, blinding, mintId, index).
func (n *Note) Commitment() (*big.Int, error) {
	if n.commitment != nil {
		return new(big.Int).Set(n.commitment), nil
	}
	if n.Owner == nil || n.Blinding == nil {
		return nil, fmt.Errorf("%w: missing owner or blinding", ErrInvalidNote)
	}
	c, err := field.Hash(
		field.FromUint64(n.Amount),
		n.Owner.PublicKey(),
		n.Blinding,
		n.MintID(),
		field.FromUint64(n.Index),
	)
	if err != nil {
		return nil, fmt.Errorf("note: commitment: %w", err)
	}
	n.commitment = c
	return new(big.Int).Set(c), nil
}

// Nullifier is Poseidon(commitment, index, sign(commitment, index)).
func (n *Note) Nullifier() (*big.Int, error) {
	if n.nullifier != nil {
		return new(big.Int).Set(n.nullifier), nil
	}
	c, err := n.Commitment()
	if err != nil {
		return nil, err
	}
	idx := field.FromUint64(n.Index)
	sig, err := n.Owner.Sign(c, idx)
	if err != nil {
		return nil, fmt.Errorf("note: sign: %w", err)
	}
	nf, err := field.Hash(c, idx, sig)
	if err != nil {
		return nil, fmt.Errorf("note: nullifier: %w", err)
	}
	n.nullifier = nf
	return new(big.Int).Set(nf), nil
}
