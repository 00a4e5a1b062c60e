// Package commitment is the durable append log of accepted tree insertions.
// The in-memory tree is always rebuilt from it.
package commitment

import (
	"math/big"
	"time"

	"github.com/juno-intents/shielded-pool/internal/field"
)

// Record is one accepted leaf. Commitment and Index are each unique.
type Record struct {
	Commitment      [32]byte
	Index           uint64
	Slot            uint64
	Signature       string
	EncryptedOutput []byte
	CreatedAt       time.Time
}

// Value returns the commitment as a field element.
func (r Record) Value() *big.Int { return new(big.Int).SetBytes(r.Commitment[:]) }

// CommitmentString renders the commitment in decimal.
func (r Record) CommitmentString() string { return field.String(r.Value()) }

func (r Record) clone() Record {
	if r.EncryptedOutput != nil {
		r.EncryptedOutput = append([]byte(nil), r.EncryptedOutput...)
	}
	return r
}
