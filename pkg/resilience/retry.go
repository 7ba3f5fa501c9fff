package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// SleepFunc waits for d or until ctx is done. Tests swap in a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryConfig is the bounded exponential backoff policy shared by every
// external call site. Zero fields take defaults: 3 attempts starting at
// 100ms, doubling, capped at 10s, without jitter.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// Retryable decides whether a failed attempt may be repeated. Nil means
	// every error is retried.
	Retryable func(error) bool
	// Sleep defaults to a timer-based wait.
	Sleep SleepFunc
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	cfg.JitterFraction = math.Max(0, math.Min(cfg.JitterFraction, 1))
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	return cfg
}

// Sleep blocks for d, returning early with ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, ctx ends
// or the attempt budget is spent. The last error from fn stays in the
// returned chain.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				slog.Debug("succeeded after retry", "operation", name, "attempt", attempt)
			}
			return nil
		case cfg.Retryable != nil && !cfg.Retryable(err):
			return err
		case attempt >= cfg.MaxAttempts:
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		case ctx.Err() != nil:
			return fmt.Errorf("%s: retry aborted: %w: %w", name, ctx.Err(), err)
		}

		delay := cfg.Backoff(attempt)
		slog.Warn("attempt failed, backing off",
			"operation", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s: retry aborted during backoff: %w: %w", name, sleepErr, err)
		}
	}
}

// Backoff returns the delay to wait after the given 1-based attempt:
// InitialDelay·Multiplier^(attempt-1), spread by ±JitterFraction and capped
// at MaxDelay.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	cfg = cfg.withDefaults()
	exp := math.Pow(cfg.Multiplier, float64(max(attempt, 1)-1))
	d := float64(cfg.InitialDelay) * exp
	if cfg.JitterFraction > 0 {
		d *= 1 + cfg.JitterFraction*(2*rand.Float64()-1)
	}
	return time.Duration(math.Min(d, float64(cfg.MaxDelay)))
}
