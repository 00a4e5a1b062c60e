package eventbus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultMaxLineBytes = 1 << 20

// Delivery is one message pulled from a Subscriber.
type Delivery struct {
	Topic string
	Key   []byte
	Value []byte
	Time  time.Time

	ack func(context.Context) error
}

// Ack commits the delivery's offset. It is a no-op for stdio.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Subscriber pulls messages one at a time. Next returns io.EOF when a
// finite source is exhausted.
type Subscriber interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type SubscriberConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topic   string
	TLS     bool

	// Reader is the stdio source. Defaults to os.Stdin.
	Reader       io.Reader
	MaxLineBytes int
}

func NewSubscriber(cfg SubscriberConfig) (Subscriber, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverKafka:
		brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
		switch {
		case len(brokers) == 0:
			return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
		case strings.TrimSpace(cfg.Group) == "":
			return nil, fmt.Errorf("%w: kafka needs a consumer group", ErrInvalidConfig)
		case strings.TrimSpace(cfg.Topic) == "":
			return nil, fmt.Errorf("%w: kafka needs a topic", ErrInvalidConfig)
		}
		rc := kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  strings.TrimSpace(cfg.Group),
			Topic:    strings.TrimSpace(cfg.Topic),
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}
		if cfg.TLS {
			rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true, TLS: tlsConfig()}
		}
		return &kafkaSubscriber{r: kafka.NewReader(rc)}, nil
	case DriverStdio:
		in := cfg.Reader
		if in == nil {
			in = os.Stdin
		}
		maxLine := cfg.MaxLineBytes
		if maxLine <= 0 {
			maxLine = defaultMaxLineBytes
		}
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 4096), maxLine)
		return &lineSubscriber{sc: sc}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type kafkaSubscriber struct {
	r *kafka.Reader
}

func (s *kafkaSubscriber) Next(ctx context.Context) (Delivery, error) {
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		Topic: m.Topic,
		Key:   m.Key,
		Value: m.Value,
		Time:  m.Time,
		ack: func(ctx context.Context) error {
			return s.r.CommitMessages(ctx, m)
		},
	}, nil
}

func (s *kafkaSubscriber) Close() error { return s.r.Close() }

// lineSubscriber reads newline-delimited payloads. A blocked read does not
// observe ctx; cancellation is checked between lines.
type lineSubscriber struct {
	sc *bufio.Scanner
}

func (s *lineSubscriber) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return Delivery{}, fmt.Errorf("eventbus/stdio: %w", err)
			}
			return Delivery{}, io.EOF
		}
		line := s.sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		return Delivery{Value: append([]byte(nil), line...), Time: time.Now().UTC()}, nil
	}
}

func (s *lineSubscriber) Close() error { return nil }
