// Package jobqueue sequences relay work. Jobs run one at a time in
// submission order; resubmitting a proof that is still queued or running
// returns the existing job.
package jobqueue

import (
	"errors"
	"time"

	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/idempotency"
)

var (
	ErrInvalidConfig  = errors.New("jobqueue: invalid config")
	ErrNotFound       = errors.New("jobqueue: job not found")
	ErrInvalidRequest = errors.New("jobqueue: invalid request")
	ErrQueueFull      = errors.New("jobqueue: queue full")
)

type Type string

const (
	TypeWithdraw Type = "withdraw"
	TypeSwap     Type = "swap"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Request is a validated relay request.
type Request interface {
	JobType() Type
	// ProofFields are the inputs of the dedup fingerprint.
	ProofFields() (nullifiers [2][32]byte, proof field.Proof)
}

// Fingerprint hashes a request's nullifiers and proof bytes.
func Fingerprint(r Request) string {
	ns, p := r.ProofFields()
	return idempotency.Hex(idempotency.RelayFingerprintV1(ns, p.A[:], p.B[:], p.C[:]))
}

type Result struct {
	Signature          string `json:"signature"`
	Slot               uint64 `json:"slot,omitempty"`
	ConfirmationStatus string `json:"confirmationStatus,omitempty"`
}

type Job struct {
	ID        string  `json:"id"`
	Type      Type    `json:"type"`
	Status    Status  `json:"status"`
	ProofHash string  `json:"proofHash"`
	Request   Request `json:"-"`

	Result *Result `json:"result,omitempty"`
	// Error is the executor's error text, kept verbatim for display.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (j *Job) clone() Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Stats aggregates the jobs currently held.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	ByType   map[Type]int   `json:"byType"`
	Running  bool           `json:"workerRunning"`
}
