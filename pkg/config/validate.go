package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError lists every invalid setting found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the whole configuration and reports all problems at once so
// an operator can fix them in a single pass.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Source.Mode {
	case "dart":
		if c.Source.APIKey == "" {
			add("source.apiKey is required in dart mode")
		} else if len(c.Source.APIKey) != 40 {
			add("source.apiKey must be 40 characters (got %d)", len(c.Source.APIKey))
		}
		if !isHTTPURL(c.Source.BaseURL) {
			add("source.baseUrl must be an http(s) URL")
		}
	case "mock":
	default:
		add("source.mode must be dart or mock (got %q)", c.Source.Mode)
	}
	if c.Source.TargetDate != "" {
		if _, err := time.Parse("20060102", c.Source.TargetDate); err != nil {
			add("source.targetDate must be YYYYMMDD (got %q)", c.Source.TargetDate)
		}
	}

	switch c.Storage.Backend {
	case "minio":
		if c.Storage.Endpoint == "" {
			add("storage.endpoint is required for minio")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			add("storage.accessKey and storage.secretKey are required for minio")
		}
		if c.Storage.Bucket == "" {
			add("storage.bucket is required for minio")
		}
	case "fs":
		if c.Storage.Dir == "" {
			add("storage.dir is required for fs")
		}
	case "memory":
		if c.Source.Mode != "mock" {
			add("storage.backend memory is only allowed in mock mode")
		}
	default:
		add("storage.backend must be minio, fs or memory (got %q)", c.Storage.Backend)
	}

	switch c.Ledger.Backend {
	case "postgres", "redis":
	case "memory":
		if c.Source.Mode != "mock" {
			add("ledger.backend memory is only allowed in mock mode")
		}
	default:
		add("ledger.backend must be postgres, redis or memory (got %q)", c.Ledger.Backend)
	}

	switch c.Broker.Backend {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			add("kafka.brokers must not be empty")
		}
	case "nats":
		if c.NATS.URL == "" || c.NATS.Stream == "" {
			add("nats.url and nats.stream are required for nats")
		}
	case "memory":
	default:
		add("broker.backend must be kafka, nats or memory (got %q)", c.Broker.Backend)
	}
	if c.Broker.TaskQueue == "" || c.Broker.DeadLetterQueue == "" {
		add("broker.taskQueue and broker.deadLetterQueue are required")
	}
	if c.Broker.TaskQueue == c.Broker.DeadLetterQueue {
		add("broker.deadLetterQueue must differ from broker.taskQueue")
	}

	in := c.Ingestion
	if in.MinInterval < 10*time.Second {
		add("ingestion.minInterval must be at least 10s (got %s)", in.MinInterval)
	}
	if in.MaxInterval < in.MinInterval {
		add("ingestion.maxInterval must be >= ingestion.minInterval")
	}
	if in.Interval < in.MinInterval || in.Interval > in.MaxInterval {
		add("ingestion.interval must lie within [minInterval, maxInterval]")
	}
	if in.Jitter < 0 {
		add("ingestion.jitter must not be negative")
	}
	if in.FetchSize < 1 {
		add("ingestion.fetchSize must be positive")
	}
	if in.Concurrency < 1 {
		add("ingestion.concurrency must be positive")
	}
	if in.CallTimeout <= 0 {
		add("ingestion.callTimeout must be positive")
	}
	if in.FetchTimeout < in.CallTimeout {
		add("ingestion.fetchTimeout must be at least ingestion.callTimeout")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.maxAttempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be >= 1")
	}

	if c.Worker.Concurrency < 1 {
		add("worker.concurrency must be positive")
	}
	if c.Worker.MaxDeliveries < 1 {
		add("worker.maxDeliveries must be positive")
	}

	switch c.Handler.Mode {
	case "http":
		if !isHTTPURL(c.Handler.BaseURL) {
			add("handler.baseUrl must be an http(s) URL")
		}
		if len(c.Handler.APIKey) < 16 {
			add("handler.apiKey must be at least 16 characters")
		}
	case "log":
	default:
		add("handler.mode must be http or log (got %q)", c.Handler.Mode)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be 1-65535 (got %d)", c.Server.Port)
	}
	if c.Server.APIKey != "" && len(c.Server.APIKey) < 16 {
		add("server.apiKey must be at least 16 characters when set")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Redacted returns a copy safe to log: secrets are masked.
func (c Config) Redacted() Config {
	c.Server.APIKey = mask(c.Server.APIKey)
	c.Source.APIKey = mask(c.Source.APIKey)
	c.Storage.SecretKey = mask(c.Storage.SecretKey)
	c.Postgres.Password = mask(c.Postgres.Password)
	c.Redis.Password = mask(c.Redis.Password)
	c.Handler.APIKey = mask(c.Handler.APIKey)
	return c
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
