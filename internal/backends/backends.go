// Package backends opens the ledger, object store and broker selected by
// configuration and releases them again on shutdown. Both binaries share it.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/broker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Set holds whatever has been opened so far.
type Set struct {
	Ledger ledger.Ledger
	Store  storage.ObjectStore
	Broker broker.Broker

	closers []func() error
	logger  *slog.Logger
}

func New() *Set {
	return &Set{logger: slog.Default().With("component", "backends")}
}

func (s *Set) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases everything in reverse opening order.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Set) OpenLedger(ctx context.Context, cfg *config.Config) error {
	switch cfg.Ledger.Backend {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		s.onClose(db.Close)
		l, err := ledger.NewPostgres(ctx, db)
		if err != nil {
			return err
		}
		s.Ledger = l
	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		s.onClose(client.Close)
		s.Ledger = ledger.NewRedis(client, cfg.Ledger.KeyPrefix)
	case "memory":
		s.logger.Warn("using in-memory ledger, progress is lost on restart")
		s.Ledger = ledger.NewMemory()
	default:
		return fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
	s.logger.Info("ledger ready", "backend", cfg.Ledger.Backend)
	return nil
}

func (s *Set) OpenStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Backend {
	case "minio":
		store, err := storage.NewMinIO(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		s.Store = store
	case "fs":
		store, err := storage.NewFS(cfg.Storage.Dir)
		if err != nil {
			return err
		}
		s.Store = store
	case "memory":
		s.Store = storage.NewMemory()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	s.logger.Info("object store ready", "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket)
	return nil
}

// OpenBroker connects the broker. A memory broker only reaches consumers in
// the same process.
func (s *Set) OpenBroker(ctx context.Context, cfg *config.Config) error {
	switch cfg.Broker.Backend {
	case "kafka":
		s.Broker = broker.NewKafka(cfg.Kafka)
	case "nats":
		b, err := broker.NewNATS(ctx, cfg.NATS, cfg.Broker.TaskQueue, cfg.Broker.DeadLetterQueue)
		if err != nil {
			return err
		}
		s.Broker = b
	case "memory":
		s.Broker = broker.NewMemory()
	default:
		return fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
	s.onClose(s.Broker.Close)
	s.logger.Info("broker ready", "backend", cfg.Broker.Backend, "task_queue", cfg.Broker.TaskQueue)
	return nil
}

// RegisterChecks adds a health check for every opened backend that can be
// pinged.
func (s *Set) RegisterChecks(checker *health.Checker) {
	if s.Ledger != nil {
		checker.Register("ledger", health.Ping(s.Ledger.Ping))
	}
	if p, ok := s.Store.(pinger); ok {
		checker.Register("object_store", health.Ping(p.Ping))
	}
	if p, ok := s.Broker.(pinger); ok {
		checker.Register("broker", health.Ping(p.Ping))
	}
}

// RetryPolicy converts the configured backoff into a resilience policy.
func RetryPolicy(cfg config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		JitterFraction: cfg.JitterFraction,
	}
}
