package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/field"
)

const (
	// DefaultCommitmentTopic carries one message per accepted leaf.
	DefaultCommitmentTopic = "commitments.inserted.v1"

	commitmentEventVersion = "commitments.inserted.v1"
)

// CommitmentEvent is the wire form of an accepted record.
type CommitmentEvent struct {
	Version         string    `json:"version"`
	Commitment      string    `json:"commitment"`
	Index           uint64    `json:"index"`
	Slot            uint64    `json:"slot"`
	Signature       string    `json:"signature"`
	EncryptedOutput string    `json:"encryptedOutput"`
	Corrected       bool      `json:"corrected,omitempty"`
	ObservedAt      time.Time `json:"observedAt"`
}

// EncodeCommitment renders r as a versioned JSON event.
func EncodeCommitment(r commitment.Record, corrected bool, now time.Time) ([]byte, error) {
	return json.Marshal(CommitmentEvent{
		Version:         commitmentEventVersion,
		Commitment:      r.CommitmentString(),
		Index:           r.Index,
		Slot:            r.Slot,
		Signature:       r.Signature,
		EncryptedOutput: base64.StdEncoding.EncodeToString(r.EncryptedOutput),
		Corrected:       corrected,
		ObservedAt:      now.UTC(),
	})
}

// DecodeCommitment parses and validates an event back into a record.
func DecodeCommitment(b []byte) (commitment.Record, error) {
	var ev CommitmentEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return commitment.Record{}, fmt.Errorf("eventbus: decode: %w", err)
	}
	if strings.TrimSpace(ev.Version) != commitmentEventVersion {
		return commitment.Record{}, fmt.Errorf("eventbus: unsupported version %q", ev.Version)
	}
	c, err := field.Parse(ev.Commitment)
	if err != nil {
		return commitment.Record{}, fmt.Errorf("eventbus: commitment: %w", err)
	}
	out, err := base64.StdEncoding.DecodeString(ev.EncryptedOutput)
	if err != nil {
		return commitment.Record{}, fmt.Errorf("eventbus: encrypted output: %w", err)
	}
	return commitment.Record{
		Commitment:      field.ToBytes32(c),
		Index:           ev.Index,
		Slot:            ev.Slot,
		Signature:       ev.Signature,
		EncryptedOutput: out,
		CreatedAt:       ev.ObservedAt,
	}, nil
}

// CommitmentPublisher publishes accepted records to one topic.
type CommitmentPublisher struct {
	Producer Producer
	Topic    string
	Now      func() time.Time
}

func NewCommitmentPublisher(p Producer, topic string) (*CommitmentPublisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultCommitmentTopic
	}
	return &CommitmentPublisher{Producer: p, Topic: topic, Now: time.Now}, nil
}

func (p *CommitmentPublisher) PublishCommitment(ctx context.Context, r commitment.Record, corrected bool) error {
	b, err := EncodeCommitment(r, corrected, p.Now())
	if err != nil {
		return err
	}
	return p.Producer.Publish(ctx, p.Topic, r.Commitment[:], b)
}

// CommitmentFeed decodes commitment events from a Subscriber. Each delivery
// is acknowledged once decoded; undecodable ones are acknowledged and
// skipped so a bad message cannot wedge the group.
type CommitmentFeed struct {
	sub Subscriber
	log *slog.Logger
}

func NewCommitmentFeed(sub Subscriber, log *slog.Logger) (*CommitmentFeed, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &CommitmentFeed{sub: sub, log: log}, nil
}

// Next blocks for the next valid record.
func (f *CommitmentFeed) Next(ctx context.Context) (commitment.Record, error) {
	for {
		d, err := f.sub.Next(ctx)
		if err != nil {
			return commitment.Record{}, err
		}
		rec, derr := DecodeCommitment(d.Value)
		if err := d.Ack(ctx); err != nil {
			return commitment.Record{}, fmt.Errorf("eventbus: ack: %w", err)
		}
		if derr != nil {
			f.log.Warn("skipping undecodable commitment event", "topic", d.Topic, "err", derr)
			continue
		}
		return rec, nil
	}
}

func (f *CommitmentFeed) Close() error { return f.sub.Close() }
