// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Source, Storage, Ledger, Broker, Ingestion, Worker, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Retry     RetryConfig     `yaml:"retry"`
	Worker    WorkerConfig    `yaml:"worker"`
	Handler   HandlerConfig   `yaml:"handler"`
	Failures  FailuresConfig  `yaml:"failures"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the ops HTTP server settings (health, metrics, ledger
// inspection).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// APIKey guards the /api routes. Empty leaves them open.
	APIKey          string        `yaml:"apiKey"`
}

// SourceConfig selects and configures the disclosure source.
type SourceConfig struct {
	Mode       string        `yaml:"mode"`
	BaseURL    string        `yaml:"baseUrl"`
	APIKey     string        `yaml:"apiKey"`
	PageSize   int           `yaml:"pageSize"`
	Timeout    time.Duration `yaml:"timeout"`
	TargetDate string        `yaml:"targetDate"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
	Dir       string `yaml:"dir"`
}

// LedgerConfig selects the dedup ledger backend.
type LedgerConfig struct {
	Backend   string `yaml:"backend"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// BrokerConfig selects the message broker and names the queues.
type BrokerConfig struct {
	Backend         string `yaml:"backend"`
	TaskQueue       string `yaml:"taskQueue"`
	DeadLetterQueue string `yaml:"deadLetterQueue"`
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
}

// NATSConfig holds NATS JetStream settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Durable string `yaml:"durable"`
}

// IngestionConfig controls the polling cadence and per-cycle limits.
type IngestionConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Jitter          time.Duration `yaml:"jitter"`
	MinInterval     time.Duration `yaml:"minInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	FetchSize       int           `yaml:"fetchSize"`
	Concurrency     int           `yaml:"concurrency"`
	CallTimeout     time.Duration `yaml:"callTimeout"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	MinContentBytes int           `yaml:"minContentBytes"`
}

// RetryConfig is the bounded exponential backoff shared by every external
// call site.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitterFraction"`
}

// WorkerConfig controls the consumption worker pool.
type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxDeliveries    int           `yaml:"maxDeliveries"`
	HandlerTimeout   time.Duration `yaml:"handlerTimeout"`
	RequeueBaseDelay time.Duration `yaml:"requeueBaseDelay"`
	RequeueMaxDelay  time.Duration `yaml:"requeueMaxDelay"`
}

// HandlerConfig configures the downstream summarization handler.
type HandlerConfig struct {
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// FailuresConfig controls the on-disk failure recorder.
type FailuresConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8001,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
		Source: SourceConfig{
			Mode:     "dart",
			BaseURL:  "https://opendart.fss.or.kr/api",
			PageSize: 100,
			Timeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:  "minio",
			Endpoint: "localhost:9000",
			Bucket:   "dart-disclosures",
			Dir:      "data/objects",
		},
		Ledger: LedgerConfig{
			Backend:   "postgres",
			KeyPrefix: "ledger:",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ingestion",
			User:            "ingestion",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Broker: BrokerConfig{
			Backend:         "kafka",
			TaskQueue:       "filing-tasks",
			DeadLetterQueue: "filing-tasks-dlq",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "summarizer-workers",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "FILINGS",
			Durable: "summarizer-workers",
		},
		Ingestion: IngestionConfig{
			Interval:        300 * time.Second,
			Jitter:          30 * time.Second,
			MinInterval:     10 * time.Second,
			MaxInterval:     15 * time.Minute,
			FetchSize:       100,
			Concurrency:     4,
			CallTimeout:     30 * time.Second,
			FetchTimeout:    5 * time.Minute,
			MinContentBytes: 200,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			MaxDeliveries:    4,
			HandlerTimeout:   60 * time.Second,
			RequeueBaseDelay: 5 * time.Second,
			RequeueMaxDelay:  5 * time.Minute,
		},
		Handler: HandlerConfig{
			Mode:    "http",
			BaseURL: "http://disclosure-service:8000",
			Timeout: 30 * time.Second,
		},
		Failures: FailuresConfig{
			Dir: "data/failed",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyEnvOverrides reads FI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt("FI_SERVER_PORT", &cfg.Server.Port)
	setString("FI_SERVER_API_KEY", &cfg.Server.APIKey)

	setString("FI_SOURCE_MODE", &cfg.Source.Mode)
	setString("FI_SOURCE_BASE_URL", &cfg.Source.BaseURL)
	setString("FI_SOURCE_API_KEY", &cfg.Source.APIKey)
	setString("FI_SOURCE_TARGET_DATE", &cfg.Source.TargetDate)
	setDuration("FI_SOURCE_TIMEOUT", &cfg.Source.Timeout)

	setString("FI_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("FI_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	setString("FI_STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	setString("FI_STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	setString("FI_STORAGE_BUCKET", &cfg.Storage.Bucket)
	setBool("FI_STORAGE_SECURE", &cfg.Storage.Secure)
	setString("FI_STORAGE_DIR", &cfg.Storage.Dir)

	setString("FI_LEDGER_BACKEND", &cfg.Ledger.Backend)

	setString("FI_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("FI_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("FI_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("FI_POSTGRES_USER", &cfg.Postgres.User)
	setString("FI_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("FI_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)

	setString("FI_REDIS_ADDR", &cfg.Redis.Addr)
	setString("FI_REDIS_PASSWORD", &cfg.Redis.Password)

	setString("FI_BROKER_BACKEND", &cfg.Broker.Backend)
	setString("FI_BROKER_TASK_QUEUE", &cfg.Broker.TaskQueue)
	setString("FI_BROKER_DEAD_LETTER_QUEUE", &cfg.Broker.DeadLetterQueue)
	if v := os.Getenv("FI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("FI_NATS_URL", &cfg.NATS.URL)

	setDuration("FI_INGESTION_INTERVAL", &cfg.Ingestion.Interval)
	setDuration("FI_INGESTION_JITTER", &cfg.Ingestion.Jitter)
	setInt("FI_INGESTION_FETCH_SIZE", &cfg.Ingestion.FetchSize)
	setInt("FI_INGESTION_CONCURRENCY", &cfg.Ingestion.Concurrency)

	setInt("FI_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	setDuration("FI_RETRY_BASE_DELAY", &cfg.Retry.BaseDelay)

	setInt("FI_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	setInt("FI_WORKER_MAX_DELIVERIES", &cfg.Worker.MaxDeliveries)

	setString("FI_HANDLER_MODE", &cfg.Handler.Mode)
	setString("FI_HANDLER_BASE_URL", &cfg.Handler.BaseURL)
	setString("FI_HANDLER_API_KEY", &cfg.Handler.APIKey)

	setString("FI_FAILURES_DIR", &cfg.Failures.Dir)
	setString("FI_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("FI_LOGGING_FORMAT", &cfg.Logging.Format)
}

func setString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
