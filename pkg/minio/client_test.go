package minio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

func testClient(t *testing.T, maxSize int64) *Client {
	t.Helper()
	c, err := NewClient(config.BlobConfig{
		Endpoint:      "localhost:9000",
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin",
		Bucket:        "ingest-test",
		MaxObjectSize: maxSize,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.EnsureBucket(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}
	return c
}

func TestFetchRoundTrip(t *testing.T) {
	c := testClient(t, 0)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "tests/hello.txt", []byte("hello blob"), "text/plain"))

	data, err := c.Fetch(ctx, "tests/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))
}

func TestFetchMissingIsNotFound(t *testing.T) {
	c := testClient(t, 0)
	_, err := c.Fetch(context.Background(), "tests/does-not-exist.bin")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestFetchRejectsOversizedObject(t *testing.T) {
	c := testClient(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "tests/big.txt", []byte("more than four bytes"), "text/plain"))

	_, err := c.Fetch(ctx, "tests/big.txt")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
