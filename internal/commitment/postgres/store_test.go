package postgres

import (
	"errors"
	"testing"
)

func TestNew_NilPool(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestTo32(t *testing.T) {
	t.Parallel()

	if _, err := to32(make([]byte, 31)); err == nil {
		t.Fatalf("expected length error")
	}
	b := make([]byte, 32)
	b[31] = 9
	got, err := to32(b)
	if err != nil || got[31] != 9 {
		t.Fatalf("to32 = %x, %v", got, err)
	}
}
