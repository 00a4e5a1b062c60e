package note

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/idempotency"
)

var ErrInvalidKey = errors.New("note: invalid key")

// Keypair is a note owner: a private scalar and its Poseidon public key.
type Keypair struct {
	priv *big.Int
	pub  *big.Int
}

// NewKeypair wraps a private scalar.
func NewKeypair(priv *big.Int) (*Keypair, error) {
	if !field.InField(priv) || priv.Sign() == 0 {
		return nil, fmt.Errorf("%w: private scalar out of range", ErrInvalidKey)
	}
	pub, err := field.Hash(priv)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: new(big.Int).Set(priv), pub: pub}, nil
}

// RandomKeypair draws a fresh private scalar.
func RandomKeypair() (*Keypair, error) {
	for {
		priv, err := rand.Int(rand.Reader, field.Modulus())
		if err != nil {
			return nil, fmt.Errorf("note: random scalar: %w", err)
		}
		if priv.Sign() != 0 {
			return NewKeypair(priv)
		}
	}
}

// DeriveKeypair deterministically derives the note keypair from a wallet
// signature over KeyDerivationMessage.
func DeriveKeypair(signature []byte) (*Keypair, error) {
	if len(signature) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidKey)
	}
	seed := idempotency.KeyDerivationSeedV1(signature)
	priv := field.Reduce(seed[:])
	if priv.Sign() == 0 {
		return nil, fmt.Errorf("%w: degenerate seed", ErrInvalidKey)
	}
	return NewKeypair(priv)
}

// PublicKey returns Poseidon(priv).
func (k *Keypair) PublicKey() *big.Int { return new(big.Int).Set(k.pub) }

// Sign binds the owner to a commitment at a position:
// Poseidon(priv, commitment, index).
func (k *Keypair) Sign(commitment, index *big.Int) (*big.Int, error) {
	return field.Hash(k.priv, commitment, index)
}

// Equal compares public keys.
func (k *Keypair) Equal(o *Keypair) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.pub.Cmp(o.pub) == 0
}
