package eventbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/juno-intents/shielded-pool/internal/commitment"
)

func TestNewProducer_Validates(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{
		{Driver: "unknown"},
		{Driver: ""},
		{Driver: DriverKafka},
		{Driver: DriverKafka, Brokers: []string{" , "}},
	} {
		if _, err := NewProducer(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
	p, err := NewProducer(ProducerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, TLS: true})
	if err != nil {
		t.Fatalf("kafka producer: %v", err)
	}
	if err := p.Publish(context.Background(), " ", nil, []byte("x")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty topic: %v", err)
	}
	_ = p.Close()
}

func TestNewSubscriber_Validates(t *testing.T) {
	t.Parallel()

	for i, cfg := range []SubscriberConfig{
		{Driver: "unknown"},
		{Driver: DriverKafka, Group: "g", Topic: "t"},
		{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topic: "t"},
		{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g"},
	} {
		if s, err := NewSubscriber(cfg); !errors.Is(err, ErrInvalidConfig) || s != nil {
			t.Fatalf("case %d: sub=%v err=%v", i, s, err)
		}
	}
}

func publishAll(t *testing.T, recs ...commitment.Record) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	pub, err := NewCommitmentPublisher(p, "")
	if err != nil {
		t.Fatalf("NewCommitmentPublisher: %v", err)
	}
	pub.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	for _, r := range recs {
		if err := pub.PublishCommitment(context.Background(), r, false); err != nil {
			t.Fatalf("PublishCommitment: %v", err)
		}
	}
	return &buf
}

func record(c byte, index uint64) commitment.Record {
	var k [32]byte
	k[31] = c
	return commitment.Record{Commitment: k, Index: index, Slot: 90 + index, Signature: "5sig", EncryptedOutput: []byte{c, c}}
}

func TestCommitmentFeed_StdioRoundTrip(t *testing.T) {
	t.Parallel()

	buf := publishAll(t, record(42, 7), record(43, 8))
	if !strings.Contains(buf.String(), `"commitment":"42"`) || strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("unexpected stdio payload %q", buf.String())
	}

	sub, err := NewSubscriber(SubscriberConfig{Driver: DriverStdio, Reader: buf})
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	feed, err := NewCommitmentFeed(sub, nil)
	if err != nil {
		t.Fatalf("NewCommitmentFeed: %v", err)
	}
	defer feed.Close()

	ctx := context.Background()
	for _, want := range []commitment.Record{record(42, 7), record(43, 8)} {
		got, err := feed.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got.Commitment != want.Commitment || got.Index != want.Index || got.Slot != want.Slot ||
			got.Signature != want.Signature || !bytes.Equal(got.EncryptedOutput, want.EncryptedOutput) {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}
	if _, err := feed.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of input, got %v", err)
	}
}

func TestCommitmentFeed_SkipsGarbage(t *testing.T) {
	t.Parallel()

	good := publishAll(t, record(5, 1))
	in := "not json\n\n" + `{"version":"v0"}` + "\n" + good.String()
	sub, _ := NewSubscriber(SubscriberConfig{Driver: DriverStdio, Reader: strings.NewReader(in)})
	feed, _ := NewCommitmentFeed(sub, nil)

	got, err := feed.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Index != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestLineSubscriber_HonorsCancel(t *testing.T) {
	t.Parallel()

	sub, _ := NewSubscriber(SubscriberConfig{Driver: DriverStdio, Reader: strings.NewReader("a\n")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLineSubscriber_LineTooLong(t *testing.T) {
	t.Parallel()

	sub, _ := NewSubscriber(SubscriberConfig{Driver: DriverStdio, Reader: strings.NewReader(strings.Repeat("x", 100) + "\n"), MaxLineBytes: 16})
	if _, err := sub.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected scanner error, got %v", err)
	}
}

func TestDecodeCommitment_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`not json`,
		`{"version":"v0","commitment":"1"}`,
		`{"version":"commitments.inserted.v1","commitment":"x"}`,
		`{"version":"commitments.inserted.v1","commitment":"1","encryptedOutput":"***"}`,
	} {
		if _, err := DecodeCommitment([]byte(in)); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a:1, ,b:2 ")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("SplitCommaList = %v", got)
	}
	if len(SplitCommaList("")) != 0 {
		t.Fatalf("expected empty list")
	}
}
