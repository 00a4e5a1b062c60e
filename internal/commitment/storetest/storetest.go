// Package storetest is a behavioral suite every commitment.Store must pass.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/juno-intents/shielded-pool/internal/commitment"
)

func cm(b byte) [32]byte {
	var c [32]byte
	c[31] = b
	return c
}

func rec(b byte, index uint64) commitment.Record {
	return commitment.Record{
		Commitment:      cm(b),
		Index:           index,
		Slot:            100 + index,
		Signature:       "sig" + string(rune('a'+b)),
		EncryptedOutput: []byte{b, b, b},
	}
}

// Run exercises s, which must start empty.
func Run(t *testing.T, s commitment.Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if n, err := s.Count(ctx); err != nil || n != 0 {
		t.Fatalf("Count on empty store: %d %v", n, err)
	}

	for i, r := range []commitment.Record{rec(3, 2), rec(1, 0), rec(2, 1), rec(9, 7)} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if err := s.Insert(ctx, rec(1, 42)); !errors.Is(err, commitment.ErrDuplicate) {
		t.Fatalf("duplicate commitment: expected ErrDuplicate, got %v", err)
	}
	if err := s.Insert(ctx, rec(50, 2)); !errors.Is(err, commitment.ErrDuplicate) {
		t.Fatalf("duplicate index: expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetByCommitment(ctx, cm(2))
	if err != nil {
		t.Fatalf("GetByCommitment: %v", err)
	}
	want := rec(2, 1)
	if got.Index != want.Index || got.Slot != want.Slot || got.Signature != want.Signature || !bytes.Equal(got.EncryptedOutput, want.EncryptedOutput) {
		t.Fatalf("GetByCommitment = %+v, want %+v", got, want)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set")
	}
	got.EncryptedOutput[0] = 0xff
	again, _ := s.GetByCommitment(ctx, cm(2))
	if again.EncryptedOutput[0] == 0xff {
		t.Fatalf("store returned shared slice")
	}

	byIdx, err := s.GetByIndex(ctx, 7)
	if err != nil || byIdx.Commitment != cm(9) {
		t.Fatalf("GetByIndex(7) = %+v, %v", byIdx, err)
	}
	if _, err := s.GetByIndex(ctx, 3); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("GetByIndex(3): expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetByCommitment(ctx, cm(77)); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("GetByCommitment(77): expected ErrNotFound, got %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	wantOrder := []uint64{0, 1, 2, 7}
	if len(all) != len(wantOrder) {
		t.Fatalf("All returned %d records", len(all))
	}
	for i, idx := range wantOrder {
		if all[i].Index != idx {
			t.Fatalf("All[%d].Index = %d, want %d", i, all[i].Index, idx)
		}
	}

	page, err := s.List(ctx, 1, 7)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].Index != 1 || page[1].Index != 2 {
		t.Fatalf("List(1,7) = %+v", page)
	}
	if empty, err := s.List(ctx, 100, 200); err != nil || len(empty) != 0 {
		t.Fatalf("List past end = %v, %v", empty, err)
	}
	if open, err := s.List(ctx, 1, math.MaxUint64); err != nil || len(open) != 3 {
		t.Fatalf("List(1,max) = %v, %v", open, err)
	}
	if high, err := s.List(ctx, math.MaxUint64-1, math.MaxUint64); err != nil || len(high) != 0 {
		t.Fatalf("List near max = %v, %v", high, err)
	}

	if err := s.UpdateIndex(ctx, cm(9), 3); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}
	if _, err := s.GetByIndex(ctx, 7); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("old index still resolves: %v", err)
	}
	moved, err := s.GetByIndex(ctx, 3)
	if err != nil || moved.Commitment != cm(9) {
		t.Fatalf("GetByIndex(3) after move = %+v, %v", moved, err)
	}
	if err := s.UpdateIndex(ctx, cm(9), 0); !errors.Is(err, commitment.ErrIndexTaken) {
		t.Fatalf("move onto occupied index: expected ErrIndexTaken, got %v", err)
	}
	if err := s.UpdateIndex(ctx, cm(77), 10); !errors.Is(err, commitment.ErrNotFound) {
		t.Fatalf("move unknown: expected ErrNotFound, got %v", err)
	}

	if n, err := s.Count(ctx); err != nil || n != 4 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}
