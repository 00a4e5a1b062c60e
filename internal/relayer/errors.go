package relayer

import (
	"errors"
)

var ErrStaleRoot = errors.New("relayer: root is not in the recent history")

// Kind categorizes a relay failure for clients.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindStaleRoot      Kind = "stale_root"
	KindBuild          Kind = "build"
	KindRPC            Kind = "rpc"
	KindTooLarge       Kind = "tx_too_large"
	KindRejected       Kind = "rejected"
	KindOnChain        Kind = "onchain"
	KindTimeout        Kind = "timeout"
)

// Failure is a categorized relay error. Its message is the underlying
// error's, unchanged.
type Failure struct {
	kind Kind
	err  error
}

func fail(kind Kind, err error) *Failure { return &Failure{kind: kind, err: err} }

func (f *Failure) Error() string { return f.err.Error() }
func (f *Failure) Unwrap() error { return f.err }
func (f *Failure) Kind() string  { return string(f.kind) }

// KindOf returns the failure category of err, or "" when it has none.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.kind
	}
	return ""
}

func classifyCheck(err error) error {
	if errors.Is(err, ErrStaleRoot) {
		return fail(KindStaleRoot, err)
	}
	return fail(KindInvalidRequest, err)
}
