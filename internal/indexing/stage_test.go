package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
)

type memStore struct {
	mu      sync.Mutex
	points  map[string]Point
	failIdx int
	failing bool
	calls   int
}

func newMemStore() *memStore {
	return &memStore{points: make(map[string]Point), failIdx: -1}
}

func (m *memStore) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failing {
		for _, p := range points {
			if p.Payload["chunk_index"] == m.failIdx {
				return errors.New("qdrant unavailable")
			}
		}
	}
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memStore) DeleteByFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.Payload["file_id"] == fileID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memStore) CountByFile(_ context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.points {
		if p.Payload["file_id"] == fileID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) failOn(idx int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIdx, m.failing = idx, on
}

func testMessage() *ingestion.IngestionMessage {
	firm := "firm-7"
	return &ingestion.IngestionMessage{
		FileID:    "file-1",
		UserID:    "user-1",
		FirmID:    &firm,
		BlobPath:  "firm-7/file-1.pdf",
		Filename:  "file-1.pdf",
		FileType:  "pdf",
		CreatedAt: time.Now(),
	}
}

func fixtures(n int) ([]ingestion.TextChunk, []ingestion.ChunkEmbedding) {
	chunks := make([]ingestion.TextChunk, n)
	embs := make([]ingestion.ChunkEmbedding, n)
	for i := range chunks {
		id := ingestion.ChunkIDFor("file-1", i)
		chunks[i] = ingestion.TextChunk{ChunkIndex: i, Text: fmt.Sprintf("chunk %d", i), TokenCount: 2, ChunkID: id,
			Metadata: map[string]any{"page": i / 4, "file_id": "spoofed"}}
		embs[i] = ingestion.ChunkEmbedding{ChunkIndex: i, ChunkID: id, Vector: []float32{float32(i), 1}, Model: "m", Provider: "p"}
	}
	return chunks, embs
}

func newTestStage(store VectorStore, attempts int) *Stage {
	return NewStage(store, Config{
		BatchSize:   3,
		Concurrency: 3,
		CallTimeout: time.Second,
		Retry:       resilience.RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, metrics.New(prometheus.NewRegistry()))
}

func TestIndex_PointIDsAlignedWithChunks(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 1)
	chunks, embs := fixtures(10)

	res, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.NoError(t, err)
	require.True(t, res.Complete())
	require.Len(t, res.PointIDs, 10)
	for i, id := range res.PointIDs {
		assert.Equal(t, PointID(fmt.Sprintf("file-1:%d", i)), id)
		p := store.points[id]
		assert.Equal(t, i, p.Payload["chunk_index"])
		assert.Equal(t, float32(i), p.Vector[0])
	}
	assert.Equal(t, 4, store.calls)
}

func TestIndex_ReindexOverwrites(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 1)
	chunks, embs := fixtures(7)

	first, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.NoError(t, err)
	second, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.NoError(t, err)

	assert.Equal(t, first.PointIDs, second.PointIDs)
	n, err := s.CountFile(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestIndex_PayloadTagsOwner(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 1)
	chunks, embs := fixtures(1)

	res, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.NoError(t, err)
	p := store.points[res.PointIDs[0]]
	assert.Equal(t, "file-1", p.Payload["file_id"])
	assert.Equal(t, "user-1", p.Payload["user_id"])
	assert.Equal(t, "firm-7", p.Payload["firm_id"])
	assert.Equal(t, "file-1:0", p.Payload["chunk_id"])
	assert.Equal(t, "chunk 0", p.Payload["text"])
	assert.Equal(t, 0, p.Payload["page"])
}

func TestIndex_PartialFailureThenMissingOnly(t *testing.T) {
	store := newMemStore()
	store.failOn(4, true)
	s := newTestStage(store, 2)
	chunks, embs := fixtures(9)

	res, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIndex)
	assert.True(t, apperrors.IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, []int{3, 4, 5}, res.Missing)
	assert.Len(t, res.Committed(), 6)
	n, _ := store.CountByFile(context.Background(), "file-1")
	assert.Equal(t, 6, n)

	store.failOn(4, false)
	calls := store.calls
	res, err = s.IndexMissing(context.Background(), testMessage(), chunks, embs, res)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, calls+1, store.calls)
	for i, id := range res.PointIDs {
		assert.Equal(t, PointID(fmt.Sprintf("file-1:%d", i)), id)
	}
}

func TestIndex_RejectsMisalignedInput(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 1)
	chunks, embs := fixtures(3)

	_, err := s.Index(context.Background(), testMessage(), chunks, embs[:2])
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	embs[1].Vector = nil
	_, err = s.Index(context.Background(), testMessage(), chunks, embs)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Zero(t, store.calls)
}

func TestIndex_CancelledBeforeStart(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 3)
	chunks, embs := fixtures(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Index(ctx, testMessage(), chunks, embs)
	assert.ErrorIs(t, err, apperrors.ErrInterrupted)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Missing)
	assert.Zero(t, store.calls)
}

func TestDeleteFile(t *testing.T) {
	store := newMemStore()
	s := newTestStage(store, 1)
	chunks, embs := fixtures(5)
	_, err := s.Index(context.Background(), testMessage(), chunks, embs)
	require.NoError(t, err)

	require.NoError(t, s.DeleteFile(context.Background(), "file-1"))
	n, err := s.CountFile(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, PointID("file-1:0"), PointID("file-1:0"))
	assert.NotEqual(t, PointID("file-1:0"), PointID("file-1:1"))
}

func TestPayloadValues(t *testing.T) {
	pages := 3
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := payloadValues(map[string]any{
		"s": "x", "i": 2, "f": float32(1.5), "p": &pages, "nilp": (*int)(nil),
		"t": ts, "list": []string{"a"}, "other": struct{ A int }{1},
	})
	assert.Equal(t, "x", got["s"])
	assert.Equal(t, 2, got["i"])
	assert.Equal(t, 1.5, got["f"])
	assert.Equal(t, 3, got["p"])
	assert.NotContains(t, got, "nilp")
	assert.Equal(t, "2026-03-01T12:00:00Z", got["t"])
	assert.Equal(t, []any{"a"}, got["list"])
	assert.Equal(t, "{1}", got["other"])
}
