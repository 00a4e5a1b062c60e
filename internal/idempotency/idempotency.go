package idempotency

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// RelayFingerprintV1 identifies a relay submission by its proof.
//
//	fingerprint = keccak256(nullifier0 || nullifier1 || proofA || proofB || proofC)
//
// Two submissions of the same proof collapse to one job while the first is
// still in flight.
func RelayFingerprintV1(nullifiers [2][32]byte, proofA, proofB, proofC []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(nullifiers[0][:])
	_, _ = h.Write(nullifiers[1][:])
	_, _ = h.Write(proofA)
	_, _ = h.Write(proofB)
	_, _ = h.Write(proofC)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KeyDerivationSeedV1 hashes a wallet signature into 32 bytes that seed the
// note keypair.
func KeyDerivationSeedV1(signature []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(signature)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hex renders an id without a 0x prefix.
func Hex(id [32]byte) string { return hex.EncodeToString(id[:]) }
