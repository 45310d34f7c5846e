// Package publisher enqueues ingestion jobs. Enqueueing an existing file
// starts a new logical attempt: the record is put back to pending, the
// idempotency ledger is told to process the next delivery, and the job is
// published keyed by file id so all attempts of a file share a partition.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/status"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/kafka"
)

type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// LedgerResetter marks a file's idempotency entry as pending.
type LedgerResetter interface {
	Reset(ctx context.Context, fileID string) error
}

// Registrar owns the file record and can reset it atomically. When set it
// replaces the pending status report.
type Registrar interface {
	Register(ctx context.Context, fileID string, force bool) (ingestion.IngestionStatus, error)
}

// Publisher coordinates the record reset and the Kafka publish.
type Publisher struct {
	producer  EventPublisher
	ledger    LedgerResetter
	reporter  status.Reporter
	registrar Registrar
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Publisher. registrar may be nil, in which case reporter
// receives a pending update instead.
func New(producer EventPublisher, ledger LedgerResetter, reporter status.Reporter, registrar Registrar) *Publisher {
	return &Publisher{
		producer:  producer,
		ledger:    ledger,
		reporter:  reporter,
		registrar: registrar,
		now:       time.Now,
		logger:    slog.Default().With("component", "publisher"),
	}
}

// Enqueue validates msg and publishes it as a new attempt. force re-enqueues
// a file the record store still shows as processing.
func (p *Publisher) Enqueue(ctx context.Context, msg *ingestion.IngestionMessage, force bool) error {
	if err := validator.ValidateMessage(msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = p.now().UTC()
	}

	previous := ingestion.IngestionStatus("")
	if p.registrar != nil {
		prev, err := p.registrar.Register(ctx, msg.FileID, force)
		if err != nil {
			return fmt.Errorf("registering file %s: %w", msg.FileID, err)
		}
		previous = prev
	} else if p.reporter != nil {
		if err := p.reporter.Report(ctx, msg.FileID, ingestion.Pending()); err != nil {
			return fmt.Errorf("marking file %s pending: %w", msg.FileID, err)
		}
	}

	if p.ledger != nil {
		if err := p.ledger.Reset(ctx, msg.FileID); err != nil {
			return fmt.Errorf("resetting ledger for %s: %w", msg.FileID, err)
		}
	}

	event := kafka.Event{Key: msg.FileID, Value: msg}
	if err := p.producer.Publish(ctx, event); err != nil {
		p.logger.Error("failed to publish ingestion job, file left pending",
			"file_id", msg.FileID,
			"error", err,
		)
		return fmt.Errorf("publishing job %s: %w", msg.FileID, err)
	}
	p.logger.Info("ingestion job enqueued",
		"file_id", msg.FileID,
		"file_type", msg.FileType,
		"previous_status", previous,
	)
	return nil
}
