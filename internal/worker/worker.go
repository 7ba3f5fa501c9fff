// Package worker consumes filing tasks from the broker and hands each one to
// a Handler. A failed task is requeued with backoff until it has been
// delivered MaxDeliveries times, then moved to the dead-letter queue.
// Duplicate deliveries reach the handler again; the handler is expected to be
// an idempotent upsert.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/broker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/tracing"
)

// Result is what the pool did with one delivery.
type Result string

const (
	ResultAck        Result = "ack"
	ResultRequeue    Result = "requeue"
	ResultDeadLetter Result = "dead_letter"
)

// Dead-letter reasons.
const (
	ReasonMalformed     = "malformed"
	ReasonPermanent     = "permanent"
	ReasonMaxDeliveries = "max_deliveries"
)

const (
	settleTimeout      = 10 * time.Second
	resubscribeBackoff = time.Second
)

type Config struct {
	TaskQueue        string
	DeadLetterQueue  string
	Concurrency      int
	MaxDeliveries    int
	HandlerTimeout   time.Duration
	RequeueBaseDelay time.Duration
	RequeueMaxDelay  time.Duration
}

// ConfigFrom picks the worker settings out of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TaskQueue:        cfg.Broker.TaskQueue,
		DeadLetterQueue:  cfg.Broker.DeadLetterQueue,
		Concurrency:      cfg.Worker.Concurrency,
		MaxDeliveries:    cfg.Worker.MaxDeliveries,
		HandlerTimeout:   cfg.Worker.HandlerTimeout,
		RequeueBaseDelay: cfg.Worker.RequeueBaseDelay,
		RequeueMaxDelay:  cfg.Worker.RequeueMaxDelay,
	}
}

// DeadLetter is the envelope published to the dead-letter queue.
type DeadLetter struct {
	FilingID string         `json:"rcept_no,omitempty"`
	Reason   string         `json:"reason"`
	Kind     apperrors.Kind `json:"kind,omitempty"`
	Error    string         `json:"error"`
	Attempts int            `json:"attempts"`
	FailedAt time.Time      `json:"failed_at"`
	Payload  []byte         `json:"payload"`
}

// Pool runs Concurrency consumers, each on its own subscription.
type Pool struct {
	cfg     Config
	broker  broker.Broker
	handler Handler
	metrics *metrics.Metrics
	backoff resilience.RetryConfig
	sleep   resilience.SleepFunc
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg Config, b broker.Broker, h Handler, m *metrics.Metrics) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &Pool{
		cfg:     cfg,
		broker:  b,
		handler: h,
		metrics: m,
		backoff: resilience.RetryConfig{
			InitialDelay:   cfg.RequeueBaseDelay,
			MaxDelay:       cfg.RequeueMaxDelay,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		sleep:  resilience.Sleep,
		now:    time.Now,
		logger: logger.WithComponent("worker-pool"),
	}
}

// Run blocks until ctx is cancelled. Deliveries being handled when ctx ends
// are still settled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"queue", p.cfg.TaskQueue,
		"concurrency", p.cfg.Concurrency,
		"max_deliveries", p.cfg.MaxDeliveries,
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error { return p.consume(ctx, i) })
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) error {
	log := p.logger.With("consumer", id)
	for ctx.Err() == nil {
		sub, err := p.broker.Consume(ctx, p.cfg.TaskQueue)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return nil
			}
			log.Error("subscribing failed", "error", err)
			if p.sleep(ctx, resubscribeBackoff) != nil {
				return nil
			}
			continue
		}
		err = p.drain(ctx, sub)
		sub.Close()
		if err == nil || errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		log.Warn("subscription failed, resubscribing", "error", err)
		if p.sleep(ctx, resubscribeBackoff) != nil {
			return nil
		}
	}
	return nil
}

func (p *Pool) drain(ctx context.Context, sub broker.Subscription) error {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.Process(context.WithoutCancel(ctx), d)
	}
}

// Process handles and settles one delivery.
func (p *Pool) Process(ctx context.Context, d broker.Delivery) Result {
	log := p.logger.With("key", d.Key(), "attempt", d.Attempt())

	task, err := filing.DecodeTask(d.Payload())
	if err != nil {
		log.Error("malformed task", "error", err)
		return p.deadLetter(ctx, d, "", ReasonMalformed, err)
	}
	ctx = logger.WithFilingID(ctx, task.FilingID)
	log = log.With("filing_id", task.FilingID)

	ctx, span := tracing.StartSpan(ctx, "handle", task.TaskID)
	err = resilience.WithTimeout(ctx, p.cfg.HandlerTimeout, "handler", func(ctx context.Context) error {
		return p.handler.Handle(ctx, task)
	})
	p.metrics.HandlerDuration.Observe(span.EndWithError(err).Seconds())
	span.Log(log)

	switch {
	case err == nil:
		if ackErr := p.settle(ctx, d.Ack); ackErr != nil {
			log.Warn("ack failed, task will be redelivered", "error", ackErr)
		}
		log.Info("task handled", "content_key", task.ContentKey)
		return p.count(ResultAck)
	case errors.Is(err, apperrors.ErrPermanent):
		log.Error("handler rejected task", "error", err)
		return p.deadLetter(ctx, d, task.FilingID, ReasonPermanent, err)
	case d.Attempt() >= p.cfg.MaxDeliveries:
		log.Error("task exhausted its deliveries", "error", err, "max_deliveries", p.cfg.MaxDeliveries)
		return p.deadLetter(ctx, d, task.FilingID, ReasonMaxDeliveries, err)
	default:
		delay := p.backoff.Backoff(d.Attempt())
		log.Warn("handler failed, requeueing", "error", err, "kind", apperrors.KindOf(err), "delay", delay)
		return p.requeue(ctx, d, delay)
	}
}

func (p *Pool) requeue(ctx context.Context, d broker.Delivery, delay time.Duration) Result {
	// Brokers without native delayed redelivery wait out the delay inside
	// Requeue.
	requeue := func(ctx context.Context) error { return d.Requeue(ctx, delay) }
	if err := p.settleWithin(ctx, settleTimeout+delay, requeue); err != nil {
		p.logger.Error("requeue failed, task will be redelivered", "key", d.Key(), "error", err)
	}
	return p.count(ResultRequeue)
}

// deadLetter publishes the envelope and then acks. If the publish fails the
// delivery is requeued so it is not lost.
func (p *Pool) deadLetter(ctx context.Context, d broker.Delivery, filingID, reason string, cause error) Result {
	env := DeadLetter{
		FilingID: filingID,
		Reason:   reason,
		Kind:     apperrors.KindOf(cause),
		Error:    cause.Error(),
		Attempts: d.Attempt(),
		FailedAt: p.now().UTC(),
		Payload:  d.Payload(),
	}
	body, err := json.Marshal(env)
	if err == nil {
		err = p.settle(ctx, func(ctx context.Context) error {
			return p.broker.Publish(ctx, p.cfg.DeadLetterQueue, d.Key(), body)
		})
	}
	if err != nil {
		p.logger.Error("dead-letter publish failed", "key", d.Key(), "error", err)
		return p.requeue(ctx, d, p.backoff.Backoff(d.Attempt()))
	}
	if err := p.settle(ctx, d.Ack); err != nil {
		p.logger.Warn("ack after dead-letter failed", "key", d.Key(), "error", err)
	}
	p.metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	return p.count(ResultDeadLetter)
}

func (p *Pool) settle(ctx context.Context, fn func(context.Context) error) error {
	return p.settleWithin(ctx, settleTimeout, fn)
}

func (p *Pool) settleWithin(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return resilience.WithTimeout(ctx, timeout, "settle", func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return apperrors.Transient("settling delivery", err)
		}
		return nil
	})
}

func (p *Pool) count(r Result) Result {
	p.metrics.WorkerResultsTotal.WithLabelValues(string(r)).Inc()
	return r
}

// DecodeDeadLetter parses a dead-letter envelope.
func DecodeDeadLetter(payload []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(payload, &dl); err != nil {
		return dl, fmt.Errorf("decoding dead letter: %w", err)
	}
	return dl, nil
}
