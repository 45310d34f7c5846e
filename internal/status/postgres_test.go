package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/postgres"
)

func TestPostgresReporter(t *testing.T) {
	db, err := postgres.New(config.PostgresConfig{
		Host: "localhost", Port: 5432, Database: "ingestion", User: "ingest", Password: "ingest", SSLMode: "disable",
		MaxOpenConns: 2, MaxIdleConns: 1,
	})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	rep := NewPostgresReporter(db)
	require.NoError(t, rep.EnsureSchema(ctx))
	_, err = db.DB.ExecContext(ctx, `DELETE FROM ingestion_files WHERE file_id = 'status-test'`)
	require.NoError(t, err)

	err = rep.Report(ctx, "status-test", ingestion.Processing())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	prev, err := rep.Register(ctx, "status-test", false)
	require.NoError(t, err)
	assert.Empty(t, prev)
	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Indexed([]string{"p1", "p2"})))
	got, err := rep.Lookup(ctx, "status-test")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusIndexed, got.Status)
	assert.Equal(t, []string{"p1", "p2"}, got.QdrantPointIDs)
	assert.Nil(t, got.ErrorMessage)

	// A terminal record only goes back to pending.
	err = rep.Report(ctx, "status-test", ingestion.Failed("late failure"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	err = rep.Report(ctx, "status-test", ingestion.Processing())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Indexed([]string{"p1", "p2"})))
	got, err = rep.Lookup(ctx, "status-test")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusIndexed, got.Status)

	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Pending()))
	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Processing()))
	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Failed("index error: qdrant down")))
	got, err = rep.Lookup(ctx, "status-test")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, got.Status)
	assert.Empty(t, got.QdrantPointIDs)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "index error: qdrant down", *got.ErrorMessage)

	prev, err = rep.Register(ctx, "status-test", false)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, prev)
	got, err = rep.Lookup(ctx, "status-test")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)

	require.NoError(t, rep.Report(ctx, "status-test", ingestion.Processing()))
	_, err = rep.Register(ctx, "status-test", false)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	err = rep.Report(ctx, "status-test", ingestion.Processing())
	assert.NoError(t, err, "repeating the current status is idempotent")
	_, err = rep.Register(ctx, "status-test", true)
	assert.NoError(t, err)
}
