package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
)

const (
	keyHeader    = "Filing-Key"
	fetchMaxWait = 2 * time.Second
)

// NATS backs queues with subjects of a single JetStream work-queue stream.
// Redelivery is native: Requeue naks with a delay and the server tracks the
// delivery count.
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    config.NATSConfig
	logger *slog.Logger
}

// NewNATS connects and creates or updates the stream so that it captures
// every queue in queues.
func NewNATS(ctx context.Context, cfg config.NATSConfig, queues ...string) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("disclosure-ingestion"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  queues,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}
	return &NATS{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: slog.Default().With("component", "nats-broker", "stream", cfg.Stream),
	}, nil
}

func (n *NATS) Publish(ctx context.Context, queue, key string, payload []byte) error {
	msg := &nats.Msg{
		Subject: queue,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(keyHeader, key)
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Consume binds to the durable pull consumer of queue. All subscriptions of
// one queue share the consumer, so a message goes to exactly one of them.
func (n *NATS) Consume(ctx context.Context, queue string) (Subscription, error) {
	consumer, err := n.js.CreateOrUpdateConsumer(ctx, n.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       consumerName(n.cfg.Durable, queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for %s: %w", queue, err)
	}
	return &natsSubscription{consumer: consumer, logger: n.logger.With("queue", queue)}, nil
}

// Ping reports whether the connection is up.
func (n *NATS) Ping(context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", n.conn.Status())
	}
	return nil
}

func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func consumerName(durable, queue string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return durable + "_" + r.Replace(queue)
}

type natsSubscription struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

func (s *natsSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("fetching from jetstream: %w", err)
		}
		if msg, ok := <-batch.Messages(); ok {
			return &natsDelivery{msg: msg, attempt: deliveryCount(msg)}, nil
		}
		if err := batch.Error(); err != nil &&
			!errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
			s.logger.Warn("fetch ended with error", "error", err)
		}
	}
}

// Close is a no-op; the durable consumer outlives its subscriptions.
func (s *natsSubscription) Close() error { return nil }

func deliveryCount(msg jetstream.Msg) int {
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

type natsDelivery struct {
	msg     jetstream.Msg
	attempt int
}

func (d *natsDelivery) Key() string {
	if h := d.msg.Headers(); h != nil {
		return h.Get(keyHeader)
	}
	return ""
}

func (d *natsDelivery) Payload() []byte { return d.msg.Data() }
func (d *natsDelivery) Attempt() int    { return d.attempt }

func (d *natsDelivery) Ack(ctx context.Context) error {
	if err := d.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("acking message: %w", err)
	}
	return nil
}

func (d *natsDelivery) Requeue(_ context.Context, delay time.Duration) error {
	if err := d.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("requeueing message: %w", err)
	}
	return nil
}
