// Command ingestion runs the disclosure polling loop.
//
// Every cycle it fetches the most recent filings from Open DART (or the mock
// source), skips the ones the ledger already marks as published, archives
// the rest to object storage and publishes one task per filing for the
// summarization workers. Health, metrics and ledger inspection are served on
// the ops port.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml] [-once]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/backends"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/failures"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ops"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/publisher"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/source"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/worker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	redacted := cfg.Redacted()
	slog.Info("starting ingestion service",
		"source_mode", cfg.Source.Mode,
		"source_api_key", redacted.Source.APIKey,
		"ledger", cfg.Ledger.Backend,
		"storage", cfg.Storage.Backend,
		"broker", cfg.Broker.Backend,
		"interval", cfg.Ingestion.Interval,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once); err != nil {
		slog.Error("ingestion service failed", "error", err, "kind", apperrors.KindOf(err))
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	m := metrics.New()

	set := backends.New()
	defer func() {
		if err := set.Close(); err != nil {
			slog.Error("closing backends", "error", err)
		}
	}()
	if err := set.OpenLedger(ctx, cfg); err != nil {
		return err
	}
	if err := set.OpenStore(ctx, cfg); err != nil {
		return err
	}
	if err := set.OpenBroker(ctx, cfg); err != nil {
		return err
	}

	recorder, err := failures.New(cfg.Failures.Dir)
	if err != nil {
		return err
	}
	retry := backends.RetryPolicy(cfg.Retry)
	src := newSource(cfg, set, retry, m)

	heartbeat := health.NewHeartbeat(2 * cfg.Ingestion.MaxInterval)
	loop := ingestion.New(ingestion.ConfigFrom(cfg.Ingestion, retry), ingestion.Deps{
		Source:    src,
		Ledger:    set.Ledger,
		Decoder:   archive.New(archive.Config{MinContentBytes: cfg.Ingestion.MinContentBytes}),
		Writer:    storage.NewWriter(set.Store),
		Publisher: publisher.New(set.Broker, cfg.Broker.TaskQueue),
		Failures:  recorder,
		Metrics:   m,
		Heartbeat: heartbeat,
	})

	if once {
		report, err := loop.RunCycle(ctx)
		slog.Info("single cycle finished",
			"fetched", report.Fetched,
			"committed", report.Count(ingestion.OutcomeCommitted),
			"deferred", report.Count(ingestion.OutcomeDeferredRetry),
		)
		return err
	}

	checker := health.NewChecker()
	set.RegisterChecks(checker)
	checker.RegisterLive("polling", heartbeat.Check)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		routes := ops.Routes(ops.NewHandler(set.Ledger, loop), checker, m, gatherer(cfg), cfg.Server)
		return ops.Serve(ctx, cfg.Server, routes)
	})
	g.Go(func() error { return loop.Run(ctx) })

	// An in-memory queue is only visible inside this process, so the
	// consumer runs here too.
	if cfg.Broker.Backend == "memory" {
		slog.Warn("memory broker selected, running an in-process log worker")
		pool := worker.New(worker.ConfigFrom(cfg), set.Broker, worker.NewLogHandler(set.Store), m)
		g.Go(func() error { return pool.Run(ctx) })
	}
	return g.Wait()
}

func newSource(cfg *config.Config, set *backends.Set, retry resilience.RetryConfig, m *metrics.Metrics) source.Source {
	if cfg.Source.Mode == "mock" {
		slog.Info("using mock disclosure source")
		return source.NewMock(time.Now().UnixNano())
	}
	breaker := resilience.NewCircuitBreaker("dart", resilience.CircuitBreakerConfig{
		IsFailure: apperrors.IsRetryable,
		OnStateChange: func(name string, to resilience.State) {
			m.ObserveBreaker(name, int(to))
		},
	})
	return source.NewDART(cfg.Source,
		source.WithSeen(set.Ledger),
		source.WithRetry(retry),
		source.WithBreaker(breaker),
	)
}

func gatherer(cfg *config.Config) prometheus.Gatherer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultGatherer
}
