package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

// Kafka maps queues onto topics. Kafka cannot hand a single message back, so
// Requeue waits out the delay, republishes the message with its attempt
// header incremented and only then commits the original offset. A crash in
// between redelivers the original, which the at-least-once contract allows.
type Kafka struct {
	cfg      config.KafkaConfig
	producer *kafka.Producer
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{cfg: cfg, producer: kafka.NewProducer(cfg)}
}

func (k *Kafka) Publish(ctx context.Context, queue, key string, payload []byte) error {
	return k.producer.Publish(ctx, kafka.Event{Topic: queue, Key: key, Value: payload, Attempt: 1})
}

func (k *Kafka) Consume(_ context.Context, queue string) (Subscription, error) {
	return &kafkaSubscription{broker: k, consumer: kafka.NewConsumer(k.cfg, queue)}, nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

func (k *Kafka) Ping(ctx context.Context) error {
	return kafka.Ping(ctx, k.cfg.Brokers)
}

type kafkaSubscription struct {
	broker   *Kafka
	consumer *kafka.Consumer
}

func (s *kafkaSubscription) Next(ctx context.Context) (Delivery, error) {
	msg, err := s.consumer.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &kafkaDelivery{sub: s, msg: msg}, nil
}

func (s *kafkaSubscription) Close() error {
	return s.consumer.Close()
}

type kafkaDelivery struct {
	sub *kafkaSubscription
	msg kafka.Message
}

func (d *kafkaDelivery) Key() string     { return string(d.msg.Key) }
func (d *kafkaDelivery) Payload() []byte { return d.msg.Value }
func (d *kafkaDelivery) Attempt() int    { return d.msg.Attempt }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.sub.consumer.Commit(ctx, d.msg)
}

func (d *kafkaDelivery) Requeue(ctx context.Context, delay time.Duration) error {
	if err := resilience.Sleep(ctx, delay); err != nil {
		return err
	}
	err := d.sub.broker.producer.Publish(ctx, kafka.Event{
		Topic:   d.sub.consumer.Topic(),
		Key:     string(d.msg.Key),
		Value:   d.msg.Value,
		Attempt: d.msg.Attempt + 1,
	})
	if err != nil {
		return fmt.Errorf("requeueing message: %w", err)
	}
	return d.sub.consumer.Commit(ctx, d.msg)
}
