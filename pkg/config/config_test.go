package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Source.APIKey = strings.Repeat("k", 40)
	cfg.Storage.AccessKey = "minio"
	cfg.Storage.SecretKey = "minio-secret"
	cfg.Handler.APIKey = "0123456789abcdef"
	return cfg
}

func problems(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	return verr.Problems
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dart", cfg.Source.Mode)
	assert.Equal(t, "postgres", cfg.Ledger.Backend)
	assert.Equal(t, "kafka", cfg.Broker.Backend)
	assert.Equal(t, "filing-tasks", cfg.Broker.TaskQueue)
	assert.Equal(t, "filing-tasks-dlq", cfg.Broker.DeadLetterQueue)
	assert.Equal(t, 300*time.Second, cfg.Ingestion.Interval)
	assert.Equal(t, 100, cfg.Ingestion.FetchSize)
	assert.Equal(t, 200, cfg.Ingestion.MinContentBytes)
	assert.Equal(t, 8001, cfg.Server.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  mode: mock
ingestion:
  interval: 45s
  concurrency: 8
kafka:
  brokers: [k1:9092, k2:9092]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.Source.Mode)
	assert.Equal(t, 45*time.Second, cfg.Ingestion.Interval)
	assert.Equal(t, 8, cfg.Ingestion.Concurrency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Ingestion.FetchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("FI_SOURCE_API_KEY", "from-env")
	t.Setenv("FI_INGESTION_INTERVAL", "2m")
	t.Setenv("FI_KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("FI_STORAGE_SECURE", "true")
	t.Setenv("FI_WORKER_MAX_DELIVERIES", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Source.APIKey)
	assert.Equal(t, 2*time.Minute, cfg.Ingestion.Interval)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Storage.Secure)
	assert.Equal(t, 4, cfg.Worker.MaxDeliveries, "unparsable values are ignored")
}

func TestValidateAcceptsDefaultsWithSecrets(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

// Validate reports every problem in one pass rather than stopping at the
// first.
func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig(t)
	cfg.Source.APIKey = "short"
	cfg.Ingestion.MinInterval = time.Second
	cfg.Ingestion.Concurrency = 0
	cfg.Broker.DeadLetterQueue = cfg.Broker.TaskQueue
	cfg.Handler.Mode = "grpc"

	got := problems(t, cfg.Validate())
	assert.Len(t, got, 5)
	assert.Contains(t, got, "source.apiKey must be 40 characters (got 5)")
	assert.Contains(t, got, "broker.deadLetterQueue must differ from broker.taskQueue")
}

func TestValidateMemoryBackendsNeedMockMode(t *testing.T) {
	cfg := validConfig(t)
	cfg.Ledger.Backend = "memory"
	cfg.Storage.Backend = "memory"

	got := problems(t, cfg.Validate())
	assert.Contains(t, got, "ledger.backend memory is only allowed in mock mode")
	assert.Contains(t, got, "storage.backend memory is only allowed in mock mode")

	cfg.Source.Mode = "mock"
	assert.NoError(t, cfg.Validate())
}

func TestValidateIntervalBounds(t *testing.T) {
	cfg := validConfig(t)
	cfg.Ingestion.Interval = time.Hour

	got := problems(t, cfg.Validate())
	assert.Equal(t, []string{"ingestion.interval must lie within [minInterval, maxInterval]"}, got)
}

func TestValidateTargetDate(t *testing.T) {
	cfg := validConfig(t)
	cfg.Source.TargetDate = "2024-01-02"
	assert.Error(t, cfg.Validate())

	cfg.Source.TargetDate = "20240102"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := validConfig(t)
	r := cfg.Redacted()

	assert.Equal(t, "kkkk***", r.Source.APIKey)
	assert.Equal(t, "mini***", r.Storage.SecretKey)
	assert.Equal(t, "***", r.Postgres.Password)
	assert.Equal(t, "0123***", r.Handler.APIKey)
	assert.Equal(t, "", r.Redis.Password)
	// The original is untouched.
	assert.Equal(t, strings.Repeat("k", 40), cfg.Source.APIKey)
}
