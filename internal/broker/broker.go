// Package broker abstracts the message queue that carries filing tasks from
// the ingestion loop to the workers. Delivery is at-least-once: a message
// stays owned by its consumer until it is acked or requeued, and anything
// left unacked is redelivered after a crash.
package broker

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("broker closed")

// Broker publishes to and consumes from named queues.
type Broker interface {
	// Publish returns once the broker has durably accepted the message.
	Publish(ctx context.Context, queue, key string, payload []byte) error
	// Consume opens a new subscription. Each call yields an independent
	// consumer sharing the queue with the others.
	Consume(ctx context.Context, queue string) (Subscription, error)
	Close() error
}

// Subscription yields deliveries lazily. Next blocks until a message is
// available or ctx ends.
type Subscription interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one received message.
type Delivery interface {
	Key() string
	Payload() []byte
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Requeue gives the message back for redelivery after delay with the
	// attempt counter incremented.
	Requeue(ctx context.Context, delay time.Duration) error
}
