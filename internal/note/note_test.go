package note

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/juno-intents/shielded-pool/internal/field"
)

func mustKeypair(t *testing.T, priv int64) *Keypair {
	t.Helper()
	kp, err := NewKeypair(big.NewInt(priv))
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	return kp
}

func TestNewKeypair_RejectsZeroAndOutOfField(t *testing.T) {
	t.Parallel()

	if _, err := NewKeypair(big.NewInt(0)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewKeypair(field.Modulus()); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDeriveKeypair_Deterministic(t *testing.T) {
	t.Parallel()

	sig := bytes.Repeat([]byte{7}, 64)
	a, err := DeriveKeypair(sig)
	if err != nil {
		t.Fatalf("DeriveKeypair: %v", err)
	}
	b, _ := DeriveKeypair(sig)
	if !a.Equal(b) {
		t.Fatalf("derivation not deterministic")
	}
	c, _ := DeriveKeypair(bytes.Repeat([]byte{8}, 64))
	if a.Equal(c) {
		t.Fatalf("distinct signatures derived the same key")
	}
}

func TestCommitmentMatchesDefinition(t *testing.T) {
	t.Parallel()

	kp := mustKeypair(t, 42)
	n := &Note{Amount: 5, Blinding: big.NewInt(9), Owner: kp, Mint: solana.SolMint, Index: 3}
	got, err := n.Commitment()
	if err != nil {
		t.Fatalf("Commitment: %v", err)
	}
	want, err := field.Hash(big.NewInt(5), kp.PublicKey(), big.NewInt(9), field.FromAddress(solana.SolMint), big.NewInt(3))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("commitment mismatch")
	}

	sig, _ := kp.Sign(want, big.NewInt(3))
	wantNf, _ := field.Hash(want, big.NewInt(3), sig)
	nf, err := n.Nullifier()
	if err != nil {
		t.Fatalf("Nullifier: %v", err)
	}
	if nf.Cmp(wantNf) != 0 {
		t.Fatalf("nullifier mismatch")
	}
}

func TestCommitmentIsPositionDependent(t *testing.T) {
	t.Parallel()

	n, err := New(10, mustKeypair(t, 1), USDCMint, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c0, _ := n.Commitment()
	nf0, _ := n.Nullifier()
	n.SetIndex(7)
	c7, _ := n.Commitment()
	nf7, _ := n.Nullifier()
	if c0.Cmp(c7) == 0 || nf0.Cmp(nf7) == 0 {
		t.Fatalf("commitment/nullifier must change with index")
	}

	again, _ := n.Commitment()
	if again.Cmp(c7) != 0 {
		t.Fatalf("memoized commitment changed")
	}
}

func TestDifferentOwnersYieldDifferentNullifiers(t *testing.T) {
	t.Parallel()

	a := &Note{Amount: 1, Blinding: big.NewInt(2), Owner: mustKeypair(t, 3), Mint: solana.SolMint}
	b := &Note{Amount: 1, Blinding: big.NewInt(2), Owner: mustKeypair(t, 4), Mint: solana.SolMint}
	na, _ := a.Nullifier()
	nb, _ := b.Nullifier()
	if na.Cmp(nb) == 0 {
		t.Fatalf("nullifiers collided across owners")
	}
}

func TestZeroNoteIsFirstClass(t *testing.T) {
	t.Parallel()

	z, err := Zero(mustKeypair(t, 5), solana.SolMint, 0)
	if err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if !z.IsZero() {
		t.Fatalf("IsZero false")
	}
	if _, err := z.Commitment(); err != nil {
		t.Fatalf("zero note commitment: %v", err)
	}
	if _, err := z.Nullifier(); err != nil {
		t.Fatalf("zero note nullifier: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	for _, a := range DefaultAssets() {
		got, err := reg.Resolve(TagOf(a.Mint))
		if err != nil {
			t.Fatalf("Resolve(%s): %v", a.Symbol, err)
		}
		if !got.Mint.Equals(a.Mint) {
			t.Fatalf("Resolve(%s) = %s", a.Symbol, got.Mint)
		}
	}
	if sol, ok := reg.BySymbol("SOL"); !ok || !sol.Native() {
		t.Fatalf("SOL must be native")
	}
	if _, err := reg.Resolve(MintTag{1, 2, 3, 4}); !errors.Is(err, ErrUnknownMint) {
		t.Fatalf("expected ErrUnknownMint, got %v", err)
	}

	var clash solana.PublicKey
	copy(clash[:4], USDCMint[:4])
	clash[31] = 0x01
	if _, err := NewRegistry(Asset{Symbol: "USDC", Mint: USDCMint}, Asset{Symbol: "X", Mint: clash}); err == nil {
		t.Fatalf("expected tag collision error")
	}
}
