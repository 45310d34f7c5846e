package embedding

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

// fakeProvider encodes the chunk text's numeric suffix into the vector so
// tests can check alignment. failFor makes every call containing that text
// fail until it has failed failTimes times (negative: forever).
type fakeProvider struct {
	mu        sync.Mutex
	dims      int
	failFor   string
	failTimes int
	failed    int
	calls     [][]string
	delay     time.Duration
	dimsFor   map[string]int
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	fail := false
	for _, t := range texts {
		if t == f.failFor && (f.failTimes < 0 || f.failed < f.failTimes) {
			fail = true
		}
	}
	if fail {
		f.failed++
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return nil, errors.New("upstream 503")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var n int
		_, _ = fmt.Sscanf(t, "chunk %d", &n)
		dims := f.dims
		if d, ok := f.dimsFor[t]; ok {
			dims = d
		}
		v := make([]float32, dims)
		v[0] = float32(n)
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func makeChunks(n int) []ingestion.TextChunk {
	chunks := make([]ingestion.TextChunk, n)
	for i := range chunks {
		chunks[i] = ingestion.TextChunk{
			ChunkIndex: i,
			Text:       fmt.Sprintf("chunk %d", i),
			TokenCount: 2,
			ChunkID:    ingestion.ChunkIDFor("file-1", i),
			Metadata:   map[string]any{"file_id": "file-1"},
		}
	}
	return chunks
}

func newTestStage(t *testing.T, p Provider, batchSize, attempts int) *Stage {
	t.Helper()
	s, err := NewStage(p, Config{
		BatchSize:   batchSize,
		Concurrency: 3,
		CallTimeout: time.Second,
		Retry:       resilience.RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Breaker:     resilience.CircuitBreakerConfig{FailureThreshold: 100},
	}, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func assertAligned(t *testing.T, chunks []ingestion.TextChunk, res *Result) {
	t.Helper()
	require.Len(t, res.Embeddings, len(chunks))
	for i, e := range res.Embeddings {
		assert.Equal(t, chunks[i].ChunkIndex, e.ChunkIndex)
		assert.Equal(t, chunks[i].ChunkID, e.ChunkID)
		require.NotNil(t, e.Vector, "position %d", i)
		assert.Equal(t, float32(i), e.Vector[0])
		assert.Equal(t, "fake-model", e.Model)
		assert.Equal(t, "fake", e.Provider)
	}
}

func TestEmbed_OrderPreservedAcrossConcurrentBatches(t *testing.T) {
	p := &fakeProvider{dims: 4, delay: time.Millisecond}
	s := newTestStage(t, p, 3, 1)
	chunks := makeChunks(20)

	res, err := s.Embed(context.Background(), chunks)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assertAligned(t, chunks, res)
	assert.Equal(t, 7, p.callCount())
}

func TestEmbed_BatchRetriedInsideStage(t *testing.T) {
	p := &fakeProvider{dims: 4, failFor: "chunk 4", failTimes: 2}
	s := newTestStage(t, p, 3, 3)
	chunks := makeChunks(9)

	res, err := s.Embed(context.Background(), chunks)
	require.NoError(t, err)
	assertAligned(t, chunks, res)
	// Three batches plus two retries of the middle one.
	assert.Equal(t, 5, p.callCount())
}

func TestEmbed_OneOfThreeBatchesFailsThenOnlyItIsRetried(t *testing.T) {
	p := &fakeProvider{dims: 4, failFor: "chunk 4", failTimes: 1}
	s := newTestStage(t, p, 3, 1)
	chunks := makeChunks(9)

	res, err := s.Embed(context.Background(), chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.True(t, apperrors.IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, []int{3, 4, 5}, res.Failed)
	for _, pos := range []int{0, 1, 2, 6, 7, 8} {
		assert.NotNil(t, res.Embeddings[pos].Vector)
	}
	assert.Nil(t, res.Embeddings[4].Vector)

	before := p.callCount()
	res, err = s.EmbedMissing(context.Background(), chunks, res)
	require.NoError(t, err)
	assertAligned(t, chunks, res)
	assert.Equal(t, before+1, p.callCount())
	assert.Equal(t, []string{"chunk 3", "chunk 4", "chunk 5"}, p.calls[len(p.calls)-1])
}

func TestEmbed_DimensionMismatchIsHardFailure(t *testing.T) {
	p := &fakeProvider{dims: 4, dimsFor: map[string]int{"chunk 5": 3}}
	s := newTestStage(t, p, 2, 3)

	res, err := s.Embed(context.Background(), makeChunks(6))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrDimensionMismatch)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestEmbed_ConfiguredDimensionsEnforced(t *testing.T) {
	p := &fakeProvider{dims: 4}
	s, err := NewStage(p, Config{BatchSize: 8, Dimensions: 1536}, nil)
	require.NoError(t, err)
	defer s.Release()

	_, err = s.Embed(context.Background(), makeChunks(2))
	assert.ErrorIs(t, err, apperrors.ErrDimensionMismatch)
}

func TestEmbed_CancelledBeforeStartIsInterrupted(t *testing.T) {
	p := &fakeProvider{dims: 4}
	s := newTestStage(t, p, 2, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Embed(ctx, makeChunks(4))
	assert.ErrorIs(t, err, apperrors.ErrInterrupted)
	require.NotNil(t, res)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Failed)
	assert.Zero(t, p.callCount())
}

func TestEmbed_NoChunks(t *testing.T) {
	s := newTestStage(t, &fakeProvider{dims: 4}, 2, 1)
	res, err := s.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Embeddings)
	assert.True(t, res.Complete())
}
