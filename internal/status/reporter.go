// Package status pushes file status updates to the store that owns the file
// record. Reporters are interchangeable; Retrying adds validation, bounded
// retries and metrics on top of any of them.
package status

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
)

// Reporter delivers one status update for a file.
type Reporter interface {
	Report(ctx context.Context, fileID string, req ingestion.StatusUpdateRequest) error
}

// Retrying validates each update, then delivers it through next with
// retries on transient failures.
type Retrying struct {
	next    Reporter
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRetrying(next Reporter, retry resilience.RetryConfig, m *metrics.Metrics) *Retrying {
	retry.ShouldRetry = apperrors.IsRetryable
	retry.OnRetry = func(int, error) { m.StageRetry("reporting") }
	return &Retrying{
		next:    next,
		retry:   retry,
		metrics: m,
		logger:  slog.Default().With("component", "status-reporter"),
	}
}

func (r *Retrying) Report(ctx context.Context, fileID string, req ingestion.StatusUpdateRequest) error {
	if err := req.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, err, "status update for "+fileID)
	}
	err := resilience.Retry(ctx, "report-status", r.retry, func() error {
		return r.next.Report(ctx, fileID, req)
	})
	r.metrics.StatusReport(string(req.Status), err)
	if err != nil {
		r.logger.Error("status update failed", "file_id", fileID, "status", req.Status, "error", err)
		return err
	}
	r.logger.Debug("status updated", "file_id", fileID, "status", req.Status, "points", len(req.QdrantPointIDs))
	return nil
}
