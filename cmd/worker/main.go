// Command worker consumes ingestion jobs from Kafka and runs each one
// through parsing, chunking, embedding, indexing and status reporting.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/chunking"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/embedding/provider"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/parser"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/status"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/minio"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/qdrant"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
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
	slog.Info("starting ingestion worker",
		"concurrency", cfg.Worker.Concurrency,
		"embedding_provider", cfg.Embedding.Provider,
		"chunking_method", cfg.Chunking.Method,
	)
	if err := run(cfg); err != nil {
		slog.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion worker stopped")
}

func run(cfg *config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)
	checker := health.NewChecker(5 * time.Second)
	checker.Register("kafka", health.Quorum(1, brokerPings(cfg.Kafka.Brokers)))

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	checker.Register("redis", health.Ping(rdb.Ping))
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	blob, err := minio.NewClient(cfg.Blob)
	if err != nil {
		return fmt.Errorf("connecting to blob storage: %w", err)
	}
	checker.Register("blob", health.Ping(blob.Ping))

	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be set to create the vector collection")
	}
	vectors, err := qdrant.NewClient(cfg.Qdrant, cfg.Embedding.Dimensions, m, indexing.PayloadIndexFields...)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer vectors.Close()
	checker.Register("qdrant", health.Ping(vectors.Ping))
	startup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = vectors.EnsureCollection(startup)
	cancel()
	if err != nil {
		return fmt.Errorf("preparing qdrant collection: %w", err)
	}

	reporter, closeReporter, err := newReporter(cfg, m, checker)
	if err != nil {
		return err
	}
	defer closeReporter()

	tok, err := chunking.NewTokenizer(cfg.Chunking.Tokenizer)
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}

	embedder, err := provider.New(provider.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		APIVersion: cfg.Embedding.APIVersion,
		BatchSize:  cfg.Embedding.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	stageRetry := resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialDelay:   cfg.Retry.InitialDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
	}
	embedStage, err := embedding.NewStage(embedder, embedding.Config{
		BatchSize:         cfg.Embedding.BatchSize,
		Concurrency:       cfg.Embedding.Concurrency,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Dimensions:        cfg.Embedding.Dimensions,
		CallTimeout:       cfg.Embedding.Timeout,
		Retry:             stageRetry,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Worker.BreakerThreshold,
			ResetTimeout:     cfg.Worker.BreakerResetTimeout,
		},
	}, m)
	if err != nil {
		return fmt.Errorf("creating embedding stage: %w", err)
	}
	defer embedStage.Release()

	indexStage := indexing.NewStage(indexing.NewQdrantStore(vectors), indexing.Config{
		BatchSize:   cfg.Worker.UpsertBatchSize,
		Concurrency: cfg.Worker.UpsertConcurrency,
		CallTimeout: cfg.Worker.StageCallTimeout,
		Retry:       stageRetry,
	}, m)

	policy := orchestrator.DefaultRetryPolicy()
	policy.MaxDeliveries = cfg.Retry.MaxDeliveries
	policy.Redelivery = resilience.RetryConfig{
		InitialDelay:   cfg.Retry.RedeliveryDelay,
		MaxDelay:       10 * cfg.Retry.RedeliveryDelay,
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Blob:     blob,
		Parser:   parser.NewRegistry(),
		Chunker:  chunking.NewEngine(tok),
		Embedder: embedStage,
		Indexer:  indexStage,
		Reporter: reporter,
		Ledger:   orchestrator.NewRedisLedger(rdb, cfg.Redis.LedgerTTL, cfg.Redis.LockTTL),
	}, orchestrator.Config{
		Chunking: chunking.Options{
			ChunkSize: cfg.Chunking.ChunkSize,
			Overlap:   cfg.Chunking.Overlap,
			Method:    chunking.Method(cfg.Chunking.Method),
		},
		Policy:        policy,
		ReportTimeout: cfg.Status.Timeout * time.Duration(max(1, cfg.Worker.ReportMaxAttempts)),
		TraceJobs:     cfg.Tracing.Enabled,
	}, m)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	retryProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Retry)
	defer retryProducer.Close()
	dlqProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter)
	defer dlqProducer.Close()
	handler := orchestrator.NewHandler(orch, retryProducer, dlqProducer, m)

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer, checker)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	for _, spec := range consumerPlan(cfg) {
		kcfg := cfg.Kafka
		kcfg.ConsumerGroup = spec.group
		for i := 0; i < spec.consumers; i++ {
			consumer := kafka.NewConsumer(kcfg, []string{spec.topic}, handler.Handle)
			g.Go(func() error {
				return consumer.Start(ctx)
			})
		}
		slog.Info("consuming from kafka",
			"topic", spec.topic,
			"group", spec.group,
			"consumers", spec.consumers,
		)
	}
	slog.Info("ingestion worker ready")

	<-ctx.Done()
	slog.Info("shutdown signal received, finishing in-flight batches",
		"timeout", cfg.Worker.ShutdownTimeout,
	)
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.Worker.ShutdownTimeout):
		return fmt.Errorf("consumers did not stop within %s", cfg.Worker.ShutdownTimeout)
	}
}

// brokerPings checks each bootstrap broker on its own so losing one of them
// shows as degraded rather than down.
func brokerPings(brokers []string) map[string]func(context.Context) error {
	pings := make(map[string]func(context.Context) error, len(brokers))
	for _, addr := range brokers {
		pings[addr] = func(ctx context.Context) error { return kafka.PingBroker(ctx, addr) }
	}
	return pings
}

// consumerSpec is one group of readers on a single topic.
type consumerSpec struct {
	topic     string
	group     string
	consumers int
}

// consumerPlan splits new jobs and redeliveries into separate consumer
// groups. A redelivery blocks its partition until its not-before time, so
// it only ever holds up other redeliveries queued behind it.
func consumerPlan(cfg *config.Config) []consumerSpec {
	return []consumerSpec{
		{topic: cfg.Kafka.Topics.Ingest, group: cfg.Kafka.ConsumerGroup, consumers: cfg.Worker.Concurrency},
		{topic: cfg.Kafka.Topics.Retry, group: cfg.Kafka.ConsumerGroup + ".retry", consumers: cfg.Worker.RetryConsumers},
	}
}

// newReporter builds the status reporter for the configured backend,
// wrapped with validation and retries.
func newReporter(cfg *config.Config, m *metrics.Metrics, checker *health.Checker) (status.Reporter, func(), error) {
	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.Worker.ReportMaxAttempts,
		InitialDelay:   cfg.Retry.InitialDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
	}
	switch cfg.Status.Backend {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		pg := status.NewPostgresReporter(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		checker.Register("postgres", health.Ping(db.Ping))
		slog.Info("reporting status to postgres", "database", cfg.Postgres.Database)
		return status.NewRetrying(pg, retry, m), func() { db.Close() }, nil
	default:
		slog.Info("reporting status over http", "base_url", cfg.Status.BaseURL)
		api := status.NewHTTPReporter(cfg.Status.BaseURL, cfg.Status.Token, cfg.Status.Timeout)
		return status.NewRetrying(api, retry, m), func() {}, nil
	}
}
