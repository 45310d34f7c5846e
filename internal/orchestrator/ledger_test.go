package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/redis"
)

func TestRedisLedger(t *testing.T) {
	client, err := redis.NewClient(config.RedisConfig{Addr: "localhost:6379", DB: 15, PoolSize: 2})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()
	ctx := context.Background()
	fileID := "ledger-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(context.Background(), ledgerPrefix+fileID, lockPrefix+fileID) })

	l := NewRedisLedger(client, time.Hour, time.Minute)
	got, err := l.Get(ctx, fileID)
	require.NoError(t, err)
	assert.Nil(t, got)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Put(ctx, fileID, LedgerEntry{
		Status:      ingestion.StatusIndexed,
		Fingerprint: "sentence/512/64/words",
		CreatedAt:   created,
		PointCount:  12,
	}))
	got, err = l.Get(ctx, fileID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ingestion.StatusIndexed, got.Status)
	assert.Equal(t, "sentence/512/64/words", got.Fingerprint)
	assert.Equal(t, 12, got.PointCount)
	assert.True(t, created.Equal(got.CreatedAt))

	require.NoError(t, l.Reset(ctx, fileID))
	got, err = l.Get(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusPending, got.Status)
	assert.Equal(t, 12, got.PointCount)

	unlock, err := l.Lock(ctx, fileID)
	require.NoError(t, err)
	_, err = l.Lock(ctx, fileID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	unlock()
	unlock2, err := l.Lock(ctx, fileID)
	require.NoError(t, err)
	unlock2()
}
