// Package eventbus fans accepted commitments out to downstream consumers
// over Kafka, or as newline-delimited JSON on stdio.
package eventbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var ErrInvalidConfig = errors.New("eventbus: invalid config")

type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	Brokers []string
	TLS     bool
	// BatchTimeout bounds how long kafka buffers a partial batch.
	BatchTimeout time.Duration

	// Writer receives stdio output. Defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverKafka:
		brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
		if len(brokers) == 0 {
			return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
		}
		if cfg.BatchTimeout <= 0 {
			cfg.BatchTimeout = 10 * time.Millisecond
		}
		w := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
			// Keyed by commitment, so redeliveries of one leaf share a partition.
			Balancer: &kafka.Hash{},
		}
		if cfg.TLS {
			w.Transport = &kafka.Transport{TLS: tlsConfig()}
		}
		return &kafkaProducer{w: w}, nil
	case DriverStdio:
		out := cfg.Writer
		if out == nil {
			out = os.Stdout
		}
		return &lineProducer{w: out}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList splits a flag value like "a:9092, b:9092".
func SplitCommaList(s string) []string {
	out := make([]string, 0)
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func tlsConfig() *tls.Config { return &tls.Config{MinVersion: tls.VersionTLS12} }

type kafkaProducer struct {
	w *kafka.Writer
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("eventbus/kafka: publish %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

// lineProducer writes one payload per line. Topic and key are dropped.
type lineProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *lineProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *lineProducer) Close() error { return nil }
