// Package field holds the BN254 scalar-field helpers shared by the tree, the
// note model and the chain codecs.
package field

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

var (
	ErrNotInField = errors.New("field: value not in scalar field")
	ErrInvalid    = errors.New("field: invalid encoding")
)

// Size is the byte length of a canonical big-endian element.
const Size = fr.Bytes

var modulus = fr.Modulus()

// Modulus returns a copy of the scalar field order r.
func Modulus() *big.Int { return new(big.Int).Set(modulus) }

// InField reports whether 0 <= x < r.
func InField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(modulus) < 0
}

// Zero returns a fresh zero element.
func Zero() *big.Int { return new(big.Int) }

// Parse reads a decimal field element. A 0x prefix selects hex.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	x, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if !InField(x) {
		return nil, ErrNotInField
	}
	return x, nil
}

// FromBytes32 decodes a big-endian element, rejecting non-canonical values.
func FromBytes32(b [32]byte) (*big.Int, error) {
	x := new(big.Int).SetBytes(b[:])
	if !InField(x) {
		return nil, ErrNotInField
	}
	return x, nil
}

// ToBytes32 encodes x as 32 big-endian bytes. x must be in the field.
func ToBytes32(x *big.Int) [32]byte {
	var e fr.Element
	e.SetBigInt(x)
	return e.Bytes()
}

// Reduce interprets b as a big-endian integer and reduces it mod r.
func Reduce(b []byte) *big.Int {
	var e fr.Element
	e.SetBytes(b)
	out := new(big.Int)
	e.BigInt(out)
	return out
}

// FromAddress maps a 32-byte account address into the field by taking its
// leading 31 bytes big-endian, which is always below r.
func FromAddress(addr [32]byte) *big.Int {
	return new(big.Int).SetBytes(addr[:31])
}

// FromUint64 lifts v into the field.
func FromUint64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// Hash is the circuit-compatible Poseidon hash over 1..16 inputs.
func Hash(inputs ...*big.Int) (*big.Int, error) {
	for i, in := range inputs {
		if !InField(in) {
			return nil, fmt.Errorf("%w: input %d", ErrNotInField, i)
		}
	}
	out, err := poseidon.Hash(inputs)
	if err != nil {
		return nil, fmt.Errorf("field: poseidon: %w", err)
	}
	return out, nil
}

// HashPair hashes two tree children.
func HashPair(left, right *big.Int) (*big.Int, error) {
	return Hash(left, right)
}

// String renders x in decimal, the wire form used by the HTTP surface.
func String(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.Text(10)
}
