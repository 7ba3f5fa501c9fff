// Command worker consumes filing tasks and forwards each one to the
// disclosure service. Tasks that keep failing end up on the dead-letter
// queue.
//
// Usage:
//
//	go run ./cmd/worker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/backends"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ops"
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
	if cfg.Broker.Backend == "memory" {
		slog.Error("the memory broker only works inside the ingestion process")
		os.Exit(1)
	}
	slog.Info("starting worker service",
		"broker", cfg.Broker.Backend,
		"queue", cfg.Broker.TaskQueue,
		"handler", cfg.Handler.Mode,
		"concurrency", cfg.Worker.Concurrency,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker service failed", "error", err, "kind", apperrors.KindOf(err))
		os.Exit(1)
	}
	slog.Info("worker service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	set := backends.New()
	defer func() {
		if err := set.Close(); err != nil {
			slog.Error("closing backends", "error", err)
		}
	}()
	if err := set.OpenBroker(ctx, cfg); err != nil {
		return err
	}

	var handler worker.Handler
	switch cfg.Handler.Mode {
	case "log":
		if err := set.OpenStore(ctx, cfg); err != nil {
			return err
		}
		handler = worker.NewLogHandler(set.Store)
	default:
		breaker := resilience.NewCircuitBreaker("disclosure-service", resilience.CircuitBreakerConfig{
			IsFailure: func(err error) bool { return apperrors.KindOf(err) != apperrors.KindPermanent },
			OnStateChange: func(name string, to resilience.State) {
				m.ObserveBreaker(name, int(to))
			},
		})
		handler = worker.NewHTTPHandler(cfg.Handler, worker.WithHandlerBreaker(breaker))
	}

	checker := health.NewChecker()
	set.RegisterChecks(checker)

	pool := worker.New(worker.ConfigFrom(cfg), set.Broker, handler, m)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		routes := ops.Routes(ops.NewHandler(nil, nil), checker, m, gatherer(cfg), cfg.Server)
		return ops.Serve(ctx, cfg.Server, routes)
	})
	g.Go(func() error { return pool.Run(ctx) })
	return g.Wait()
}

func gatherer(cfg *config.Config) prometheus.Gatherer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultGatherer
}
