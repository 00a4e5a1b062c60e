package idempotency

import (
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestRelayFingerprintV1_MatchesKeccakOfConcatenation(t *testing.T) {
	t.Parallel()

	var ns [2][32]byte
	ns[0][0] = 0x01
	ns[1][31] = 0x02
	a := make([]byte, 64)
	b := make([]byte, 128)
	c := make([]byte, 64)
	a[5], b[7], c[9] = 0xaa, 0xbb, 0xcc

	h := sha3.NewLegacyKeccak256()
	h.Write(ns[0][:])
	h.Write(ns[1][:])
	h.Write(a)
	h.Write(b)
	h.Write(c)
	var want [32]byte
	copy(want[:], h.Sum(nil))

	if got := RelayFingerprintV1(ns, a, b, c); got != want {
		t.Fatalf("fingerprint mismatch: got %x want %x", got, want)
	}
}

func TestRelayFingerprintV1_SensitiveToEveryPart(t *testing.T) {
	t.Parallel()

	var ns [2][32]byte
	a, b, c := make([]byte, 64), make([]byte, 128), make([]byte, 64)
	base := RelayFingerprintV1(ns, a, b, c)

	swapped := ns
	swapped[0][0] = 1
	if RelayFingerprintV1(swapped, a, b, c) == base {
		t.Fatalf("nullifier0 not covered")
	}
	swapped = ns
	swapped[1][0] = 1
	if RelayFingerprintV1(swapped, a, b, c) == base {
		t.Fatalf("nullifier1 not covered")
	}
	for name, part := range map[string][]byte{"a": a, "b": b, "c": c} {
		part[len(part)-1] = 1
		if RelayFingerprintV1(ns, a, b, c) == base {
			t.Fatalf("proof %s not covered", name)
		}
		part[len(part)-1] = 0
	}
	if Hex(base) == "" || len(Hex(base)) != 64 {
		t.Fatalf("unexpected hex %q", Hex(base))
	}
}

func TestKeyDerivationSeedV1_Deterministic(t *testing.T) {
	t.Parallel()

	sig := []byte("signature bytes")
	if KeyDerivationSeedV1(sig) != KeyDerivationSeedV1(sig) {
		t.Fatalf("not deterministic")
	}
	if KeyDerivationSeedV1(sig) == KeyDerivationSeedV1([]byte("other")) {
		t.Fatalf("distinct inputs collided")
	}
}
