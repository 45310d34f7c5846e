// Package config loads and validates worker configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Kafka, Redis, Postgres, Qdrant, blob storage, embedding,
// chunking, status reporting, retry, worker, logging, metrics, tracing).
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
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Blob      BlobConfig      `yaml:"blob"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Status    StatusConfig    `yaml:"status"`
	Retry     RetryConfig     `yaml:"retry"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Ingest     string `yaml:"ingest"`
	Retry      string `yaml:"retry"`
	DeadLetter string `yaml:"deadLetter"`
}

// RedisConfig holds Redis connection parameters and idempotency-ledger TTLs.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	LedgerTTL time.Duration `yaml:"ledgerTTL"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters for the file record
// store.
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

// QdrantConfig holds vector store connection and collection settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"apiKey"`
	UseTLS     bool   `yaml:"useTLS"`
	Collection string `yaml:"collection"`
	// Distance is one of cosine, dot, euclid.
	Distance string `yaml:"distance"`
}

// BlobConfig holds S3-compatible object storage settings.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
	// MaxObjectSize bounds how many bytes are read for a single document.
	MaxObjectSize int64 `yaml:"maxObjectSize"`
}

// EmbeddingConfig selects the embedding provider once at startup and
// controls batching, concurrency and throttling of provider calls.
type EmbeddingConfig struct {
	// Provider is one of openai, azure.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"apiKey"`
	BaseURL    string `yaml:"baseURL"`
	APIVersion string `yaml:"apiVersion"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batchSize"`
	// Concurrency bounds the provider batches in flight across all jobs.
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ChunkingConfig holds the job-level default chunking parameters.
type ChunkingConfig struct {
	ChunkSize int    `yaml:"chunkSize"`
	Overlap   int    `yaml:"overlap"`
	Method    string `yaml:"method"`
	// Tokenizer is "words" or a tiktoken encoding name such as cl100k_base.
	Tokenizer string `yaml:"tokenizer"`
}

// StatusConfig selects where status updates are pushed.
type StatusConfig struct {
	// Backend is one of http, postgres.
	Backend string        `yaml:"backend"`
	BaseURL string        `yaml:"baseURL"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig controls in-stage retries and whole-job redelivery.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialDelay   time.Duration `yaml:"initialDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitterFraction"`
	// MaxDeliveries bounds whole-job redelivery through the retry topic.
	MaxDeliveries   int           `yaml:"maxDeliveries"`
	RedeliveryDelay time.Duration `yaml:"redeliveryDelay"`
}

// WorkerConfig controls job-level concurrency and timeouts.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	// RetryConsumers read the retry topic in their own consumer group so a
	// redelivery waiting for its not-before time never stalls new jobs.
	RetryConsumers      int           `yaml:"retryConsumers"`
	UpsertBatchSize     int           `yaml:"upsertBatchSize"`
	UpsertConcurrency   int           `yaml:"upsertConcurrency"`
	StageCallTimeout    time.Duration `yaml:"stageCallTimeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdownTimeout"`
	ReportMaxAttempts   int           `yaml:"reportMaxAttempts"`
	BreakerThreshold    int           `yaml:"breakerThreshold"`
	BreakerResetTimeout time.Duration `yaml:"breakerResetTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls per-job span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values, or an error if the result fails validation.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that would otherwise surface as
// per-job failures.
func (c *Config) Validate() error {
	ch := c.Chunking
	if ch.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunkSize must be positive, got %d", ch.ChunkSize)
	}
	if ch.Overlap < 0 || ch.Overlap >= ch.ChunkSize {
		return fmt.Errorf("chunking.overlap must be in [0, %d), got %d", ch.ChunkSize, ch.Overlap)
	}
	switch ch.Method {
	case "fixed", "sentence", "paragraph":
	default:
		return fmt.Errorf("chunking.method %q is not one of fixed, sentence, paragraph", ch.Method)
	}
	switch c.Embedding.Provider {
	case "openai", "azure":
	default:
		return fmt.Errorf("embedding.provider %q is not one of openai, azure", c.Embedding.Provider)
	}
	switch c.Status.Backend {
	case "http", "postgres":
	default:
		return fmt.Errorf("status.backend %q is not one of http, postgres", c.Status.Backend)
	}
	if c.Retry.MaxDeliveries <= 0 {
		return fmt.Errorf("retry.maxDeliveries must be positive, got %d", c.Retry.MaxDeliveries)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RetryConsumers <= 0 {
		return fmt.Errorf("worker.retryConsumers must be positive, got %d", c.Worker.RetryConsumers)
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "document-ingestion",
			Topics: KafkaTopics{
				Ingest:     "document.ingest",
				Retry:      "document.ingest.retry",
				DeadLetter: "document.ingest.dlq",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			LedgerTTL: 30 * 24 * time.Hour,
			LockTTL:   15 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "documents",
			User:            "documents",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "documents",
			Distance:   "cosine",
		},
		Blob: BlobConfig{
			Endpoint:      "localhost:9000",
			AccessKey:     "minioadmin",
			SecretKey:     "minioadmin",
			Bucket:        "uploads",
			MaxObjectSize: 100 << 20,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimensions:        1536,
			BatchSize:         64,
			Concurrency:       4,
			RequestsPerSecond: 0,
			Timeout:           60 * time.Second,
		},
		Chunking: ChunkingConfig{
			ChunkSize: 512,
			Overlap:   64,
			Method:    "sentence",
			Tokenizer: "words",
		},
		Status: StatusConfig{
			Backend: "http",
			BaseURL: "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     4,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			JitterFraction:  0.1,
			MaxDeliveries:   3,
			RedeliveryDelay: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			RetryConsumers:      1,
			UpsertBatchSize:     64,
			UpsertConcurrency:   4,
			StageCallTimeout:    2 * time.Minute,
			ShutdownTimeout:     2 * time.Minute,
			ReportMaxAttempts:   3,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads INGEST_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INGEST_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("INGEST_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INGEST_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INGEST_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("INGEST_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("INGEST_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("INGEST_QDRANT_HOST"); v != "" {
		cfg.Qdrant.Host = v
	}
	if v := os.Getenv("INGEST_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
	if v := os.Getenv("INGEST_BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("INGEST_BLOB_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("INGEST_BLOB_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
	if v := os.Getenv("INGEST_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("INGEST_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("INGEST_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("INGEST_CHUNKING_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.ChunkSize = size
		}
	}
	if v := os.Getenv("INGEST_CHUNKING_OVERLAP"); v != "" {
		if overlap, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.Overlap = overlap
		}
	}
	if v := os.Getenv("INGEST_CHUNKING_METHOD"); v != "" {
		cfg.Chunking.Method = v
	}
	if v := os.Getenv("INGEST_STATUS_BACKEND"); v != "" {
		cfg.Status.Backend = v
	}
	if v := os.Getenv("INGEST_STATUS_BASE_URL"); v != "" {
		cfg.Status.BaseURL = v
	}
	if v := os.Getenv("INGEST_STATUS_TOKEN"); v != "" {
		cfg.Status.Token = v
	}
	if v := os.Getenv("INGEST_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("INGEST_WORKER_RETRY_CONSUMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.RetryConsumers = n
		}
	}
	if v := os.Getenv("INGEST_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INGEST_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
