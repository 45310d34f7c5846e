package status

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/postgres"
)

// Schema is the file record table PostgresReporter writes to.
const Schema = `CREATE TABLE IF NOT EXISTS ingestion_files (
    file_id          TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'pending',
    error_message    TEXT,
    qdrant_point_ids TEXT[] NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresReporter updates the file record directly in PostgreSQL.
type PostgresReporter struct {
	db *postgres.Client
}

func NewPostgresReporter(db *postgres.Client) *PostgresReporter {
	return &PostgresReporter{db: db}
}

func (r *PostgresReporter) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.DB.ExecContext(ctx, Schema); err != nil {
		return apperrors.Wrap(apperrors.ErrReporting, err, "creating ingestion_files")
	}
	return nil
}

// Report moves the record to req.Status, overwriting error message and
// point ids in the same statement so a failed update never leaves ids from
// an earlier success behind. The row is locked while the transition is
// checked; a terminal record only accepts pending or a repeat of itself.
func (r *PostgresReporter) Report(ctx context.Context, fileID string, req ingestion.StatusUpdateRequest) error {
	var errMsg sql.NullString
	if req.ErrorMessage != nil {
		errMsg = sql.NullString{String: *req.ErrorMessage, Valid: true}
	}
	ids := req.QdrantPointIDs
	if ids == nil {
		ids = []string{}
	}
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM ingestion_files WHERE file_id = $1 FOR UPDATE`, fileID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrNotFound, "no file record %s", fileID)
		}
		if err != nil {
			return err
		}
		if !ingestion.IngestionStatus(current).CanTransition(req.Status) {
			return apperrors.Newf(apperrors.ErrValidation, "file %s cannot move from %s to %s", fileID, current, req.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ingestion_files
			    SET status = $1, error_message = $2, qdrant_point_ids = $3, updated_at = NOW()
			  WHERE file_id = $4`,
			string(req.Status), errMsg, pq.Array(ids), fileID,
		)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrValidation):
		return err
	default:
		return apperrors.Wrap(apperrors.ErrReporting, err, "updating file "+fileID)
	}
}

// Lookup returns the current record, used by the re-enqueue tool and tests.
func (r *PostgresReporter) Lookup(ctx context.Context, fileID string) (ingestion.StatusUpdateRequest, error) {
	var (
		status string
		errMsg sql.NullString
		ids    []string
	)
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT status, error_message, qdrant_point_ids FROM ingestion_files WHERE file_id = $1`,
		fileID,
	).Scan(&status, &errMsg, pq.Array(&ids))
	if err == sql.ErrNoRows {
		return ingestion.StatusUpdateRequest{}, apperrors.Newf(apperrors.ErrNotFound, "no file record %s", fileID)
	}
	if err != nil {
		return ingestion.StatusUpdateRequest{}, apperrors.Wrap(apperrors.ErrReporting, err, "reading file "+fileID)
	}
	out := ingestion.StatusUpdateRequest{Status: ingestion.IngestionStatus(status), QdrantPointIDs: ids}
	if errMsg.Valid {
		out.ErrorMessage = &errMsg.String
	}
	return out, nil
}

// Register prepares the record of fileID for a new logical attempt: it is
// created if absent, otherwise reset to pending with its error and point
// ids cleared. A file that is still processing is refused with ErrConflict
// unless force is set. The previous status is returned, empty for a new
// record.
func (r *PostgresReporter) Register(ctx context.Context, fileID string, force bool) (ingestion.IngestionStatus, error) {
	var previous string
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM ingestion_files WHERE file_id = $1 FOR UPDATE`, fileID,
		).Scan(&previous)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `INSERT INTO ingestion_files (file_id) VALUES ($1)`, fileID)
			return err
		case err != nil:
			return err
		}
		if ingestion.IngestionStatus(previous) == ingestion.StatusProcessing && !force {
			return apperrors.Newf(apperrors.ErrConflict, "file %s is still processing", fileID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ingestion_files
			    SET status = 'pending', error_message = NULL, qdrant_point_ids = '{}', updated_at = NOW()
			  WHERE file_id = $1`, fileID)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return ingestion.IngestionStatus(previous), err
		}
		return "", apperrors.Wrap(apperrors.ErrReporting, err, "registering file "+fileID)
	}
	return ingestion.IngestionStatus(previous), nil
}
