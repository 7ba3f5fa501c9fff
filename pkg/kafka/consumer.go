// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. Offsets are committed explicitly, after the caller has
// finished with a message, so a crash mid-handling leads to redelivery.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Message is a fetched Kafka record plus its delivery attempt.
type Message struct {
	Key     []byte
	Value   []byte
	Attempt int

	raw kafka.Message
}

// Consumer reads one topic as a member of the configured consumer group.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *slog.Logger
}

// NewConsumer creates a Consumer for the given topic.
func NewConsumer(cfg config.KafkaConfig, topic string) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader: r,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Topic returns the topic this consumer reads.
func (c *Consumer) Topic() string {
	return c.topic
}

// Fetch blocks until the next message is available or ctx ends. The message
// is not committed.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("fetching from kafka topic %s: %w", c.topic, err)
	}
	c.logger.Debug("message received",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"value_size", len(msg.Value),
	)
	return Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Attempt: attemptOf(msg),
		raw:     msg,
	}, nil
}

// Commit marks msg as consumed for the group.
func (c *Consumer) Commit(ctx context.Context, msg Message) error {
	if err := c.reader.CommitMessages(ctx, msg.raw); err != nil {
		c.logger.Error("failed to commit message",
			"partition", msg.raw.Partition,
			"offset", msg.raw.Offset,
			"error", err,
		)
		return fmt.Errorf("committing kafka offset: %w", err)
	}
	return nil
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func attemptOf(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key != AttemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
