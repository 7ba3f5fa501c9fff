package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/middleware"
)

// Routes builds the ops handler.
//
//	GET /health                   → full health report
//	GET /health/live              → liveness probe
//	GET /health/ready             → readiness probe
//	GET /metrics                  → Prometheus scrape (when gatherer is set)
//	GET /api/v1/filings/{id}      → ledger entry     (when a ledger is set)
//	GET /api/v1/ledger/stats      → ledger counts    (when a ledger is set)
//	GET /api/v1/cycles/last       → last poll cycle  (ingestion only)
//
// The /api routes require cfg.APIKey when it is set.
func Routes(h *Handler, checker *health.Checker, m *metrics.Metrics, gatherer prometheus.Gatherer, cfg config.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.HandlerFor(gatherer))
	}

	if h.ledger != nil {
		mux.HandleFunc("GET /api/v1/filings/{id}", h.GetFiling)
		mux.HandleFunc("GET /api/v1/ledger/stats", h.LedgerStats)
	}
	if h.cycles != nil {
		mux.HandleFunc("GET /api/v1/cycles/last", h.LastCycle)
	}

	var chain http.Handler = middleware.APIKey(cfg.APIKey)(mux)
	if cfg.RequestTimeout > 0 {
		chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	}
	if m != nil {
		chain = middleware.Metrics(m, routeLabel(mux))(chain)
	}
	return chain
}

// routeLabel labels requests by the pattern they matched, so per-filing
// lookups share one series and unknown paths collapse into "unmatched".
func routeLabel(mux *http.ServeMux) func(*http.Request) string {
	return func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			return "unmatched"
		}
		if _, path, ok := strings.Cut(pattern, " "); ok {
			return path
		}
		return pattern
	}
}

// Serve runs an HTTP server until ctx is cancelled, then shuts it down within
// the configured shutdown timeout.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	slog.Info("ops server stopped")
	return nil
}
