// Package kafka publishes messages to Kafka with a sarama SyncProducer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

var (
	ErrInvalidConfig  = errors.New("kafka: invalid configuration")
	ErrPublishFailed  = errors.New("kafka: failed to publish")
	ErrProducerClosed = errors.New("kafka: producer closed")
)

// Config holds the producer settings.
type Config struct {
	Brokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"KAFKA_TOPIC" envDefault:"promokit.monetization"`
	ClientID     string        `env:"KAFKA_CLIENT_ID" envDefault:"promokit"`
	MaxRetries   int           `env:"KAFKA_MAX_RETRIES" envDefault:"3"`
	Timeout      time.Duration `env:"KAFKA_TIMEOUT" envDefault:"10s"`
	MaxMessageKB int           `env:"KAFKA_MAX_MESSAGE_KB" envDefault:"1000"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewSaramaConfig builds the sarama settings for an idempotent-ordering
// sync producer: all replicas acknowledge, successes are returned.
func NewSaramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_3_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Retry.Max = cfg.MaxRetries
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// One in-flight request keeps per-key order across retries.
	sc.Net.MaxOpenRequests = 1
	if cfg.MaxMessageKB > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageKB * 1000
	}
	// Hash partitioning keeps messages with the same key on one partition.
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// Message is one record to publish.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer sends messages to a single topic.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer connects to cfg.Brokers.
func NewProducer(cfg Config) (*Producer, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: no brokers", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}
	return NewProducerWith(sp, cfg.Topic), nil
}

// NewProducerWith wraps an existing SyncProducer, e.g. a sarama mock.
func NewProducerWith(sp sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: sp, topic: topic}
}

func (p *Producer) Topic() string {
	return p.topic
}

// Send publishes msgs as one batch. The batch is not atomic: on failure
// some messages may have been written.
func (p *Producer) Send(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := &sarama.ProducerMessage{
			Topic:     p.topic,
			Value:     sarama.ByteEncoder(m.Value),
			Timestamp: now,
		}
		if m.Key != "" {
			pm.Key = sarama.StringEncoder(m.Key)
		}
		for k, v := range m.Headers {
			pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
		batch = append(batch, pm)
	}

	if err := p.producer.SendMessages(batch); err != nil {
		return errors.Join(ErrPublishFailed, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
