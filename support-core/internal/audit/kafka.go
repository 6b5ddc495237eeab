package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/supportops/support-core/internal/canonical"
)

// KafkaProducerConfig contains configurable parameters for the Kafka producer.
type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s.
	WriteTimeout time.Duration
}

// messageWriter is the part of kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer wraps a kafka-go Writer with produce-with-retries.
type KafkaProducer struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Events for one proposal land on one partition.
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaProducer(w, cfg), nil
}

func newKafkaProducer(w messageWriter, cfg KafkaProducerConfig) *KafkaProducer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaProducer{
		writer:       w,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

// Produce writes one message, retrying with exponential backoff.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) error {
	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("produce aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Producer is what KafkaSink publishes through.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// KafkaSink streams the canonical event envelope keyed by proposal ID.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (k *KafkaSink) Append(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	value, err := canonical.Marshal(ev.envelope())
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}
	key := ev.ProposalID
	if key == "" {
		key = ev.ID
	}
	if err := k.producer.Produce(ctx, []byte(key), value); err != nil {
		return fmt.Errorf("stream audit event %s: %w", ev.ID, err)
	}
	return nil
}

var _ Sink = (*KafkaSink)(nil)
