package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/commitment/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "commitments.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, openTemp(t))
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "commitments.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var c [32]byte
	c[31] = 1
	if err := s.Insert(context.Background(), commitment.Record{Commitment: c, Index: 4, Signature: "sig"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	r, err := s2.GetByIndex(context.Background(), 4)
	if err != nil || r.Commitment != c {
		t.Fatalf("GetByIndex after reopen = %+v, %v", r, err)
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
