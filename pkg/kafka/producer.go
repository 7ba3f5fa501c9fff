package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/segmentio/kafka-go"
)

// AttemptHeader carries the 1-based delivery attempt of a message. Kafka has
// no native redelivery counter, so requeued messages are republished with
// this header incremented.
const AttemptHeader = "x-attempt"

// Event is the unit of data published to Kafka. Key is used for partition
// hashing so every message about one filing lands on the same partition.
type Event struct {
	Topic   string
	Key     string
	Value   []byte
	Attempt int
}

// Producer publishes events to any topic on the configured cluster.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer. The topic is chosen per event.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer"),
	}
}

// Publish writes a single event synchronously and returns once every in-sync
// replica has acknowledged it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	attempt := event.Attempt
	if attempt < 1 {
		attempt = 1
	}
	msg := kafka.Message{
		Topic: event.Topic,
		Key:   []byte(event.Key),
		Value: event.Value,
		Headers: []kafka.Header{
			{Key: AttemptHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish message",
			"topic", event.Topic,
			"key", event.Key,
			"error", err,
		)
		return fmt.Errorf("publishing to kafka topic %s: %w", event.Topic, err)
	}
	p.logger.Debug("message published",
		"topic", event.Topic,
		"key", event.Key,
		"attempt", attempt,
		"value_size", len(event.Value),
	)
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Ping succeeds once any of brokers accepts a connection.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
