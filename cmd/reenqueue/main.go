// Command reenqueue publishes an ingestion job for a file, optionally
// uploading the document to blob storage first. It is the operator's way
// to re-run a file after a failure or a chunking change.
//
// Usage:
//
//	go run ./cmd/reenqueue -file-id f1 -user-id u1 -blob-path docs/a.pdf [-upload ./a.pdf] [-force]
//	go run ./cmd/reenqueue -file-id f1 -status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/status"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/minio"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/redis"
)

type options struct {
	fileID   string
	userID   string
	firmID   string
	blobPath string
	filename string
	fileType string
	upload   string
	force    bool
	status   bool
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	var opts options
	flag.StringVar(&opts.fileID, "file-id", "", "file id (required)")
	flag.StringVar(&opts.userID, "user-id", "", "owning user id")
	flag.StringVar(&opts.firmID, "firm-id", "", "owning firm id, if any")
	flag.StringVar(&opts.blobPath, "blob-path", "", "object key of the document in the bucket")
	flag.StringVar(&opts.filename, "filename", "", "original filename (defaults to the base of -blob-path)")
	flag.StringVar(&opts.fileType, "file-type", "", "document type (defaults to the filename extension)")
	flag.StringVar(&opts.upload, "upload", "", "local file to upload to -blob-path before enqueueing")
	flag.BoolVar(&opts.force, "force", false, "re-enqueue even if the file is still processing")
	flag.BoolVar(&opts.status, "status", false, "print the stored status of -file-id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if opts.fileID == "" {
		fmt.Fprintln(os.Stderr, "-file-id is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if opts.status {
		err = printStatus(ctx, cfg, opts.fileID)
	} else {
		err = enqueue(ctx, cfg, opts)
	}
	if err != nil {
		slog.Error("reenqueue failed", "file_id", opts.fileID, "error", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, cfg *config.Config, fileID string) error {
	if cfg.Status.Backend != "postgres" {
		return fmt.Errorf("status lookup needs the postgres status backend, configured %q", cfg.Status.Backend)
	}
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	st, err := status.NewPostgresReporter(db).Lookup(ctx, fileID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func enqueue(ctx context.Context, cfg *config.Config, opts options) error {
	msg, err := buildMessage(opts)
	if err != nil {
		return err
	}

	if opts.upload != "" {
		if err := upload(ctx, cfg, opts.upload, msg.BlobPath); err != nil {
			return err
		}
	}

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	ledger := orchestrator.NewRedisLedger(rdb, cfg.Redis.LedgerTTL, cfg.Redis.LockTTL)

	var (
		reporter  status.Reporter
		registrar publisher.Registrar
	)
	if cfg.Status.Backend == "postgres" {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		pg := status.NewPostgresReporter(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		reporter, registrar = pg, pg
	} else {
		reporter = status.NewHTTPReporter(cfg.Status.BaseURL, cfg.Status.Token, cfg.Status.Timeout)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Ingest)
	defer producer.Close()

	pub := publisher.New(producer, ledger, reporter, registrar)
	if err := pub.Enqueue(ctx, msg, opts.force); err != nil {
		return err
	}
	slog.Info("job enqueued",
		"file_id", msg.FileID,
		"blob_path", msg.BlobPath,
		"file_type", msg.FileType,
		"topic", cfg.Kafka.Topics.Ingest,
	)
	return nil
}

func buildMessage(opts options) (*ingestion.IngestionMessage, error) {
	blobPath := opts.blobPath
	if blobPath == "" && opts.upload != "" {
		blobPath = filepath.Base(opts.upload)
	}
	if blobPath == "" {
		return nil, fmt.Errorf("-blob-path or -upload is required")
	}
	filename := opts.filename
	if filename == "" {
		filename = filepath.Base(blobPath)
	}
	fileType := opts.fileType
	if fileType == "" {
		fileType = strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	}

	msg := &ingestion.IngestionMessage{
		FileID:    opts.fileID,
		UserID:    opts.userID,
		BlobPath:  blobPath,
		Filename:  filename,
		FileType:  fileType,
		CreatedAt: time.Now().UTC(),
	}
	if opts.firmID != "" {
		firm := opts.firmID
		msg.FirmID = &firm
	}
	return msg, nil
}

func upload(ctx context.Context, cfg *config.Config, localPath, blobPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}
	blob, err := minio.NewClient(cfg.Blob)
	if err != nil {
		return fmt.Errorf("connecting to blob storage: %w", err)
	}
	if err := blob.EnsureBucket(ctx); err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := blob.Put(ctx, blobPath, data, contentType); err != nil {
		return err
	}
	slog.Info("document uploaded", "blob_path", blobPath, "bytes", len(data))
	return nil
}
