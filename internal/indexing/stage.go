// Package indexing writes embedded chunks into the vector store as points
// keyed by a stable id derived from the chunk id, so re-indexing a chunk
// overwrites its point instead of adding another one.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
)

// pointNamespace seeds the name-based UUIDs used as point ids.
var pointNamespace = uuid.MustParse("6f1c0a9e-3d4b-5e8f-9a2c-7b1d0e4f6a35")

// PointID maps a chunk id to its vector-store point id. The mapping is
// deterministic, which is what makes upserts idempotent.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// Point is one vector-store record.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorStore is the vector index. Upsert applies a whole call or none of
// it; DeleteByFile removes every point tagged with the file id.
type VectorStore interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByFile(ctx context.Context, fileID string) error
	CountByFile(ctx context.Context, fileID string) (int, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
}

// Result is order-aligned with the input chunks. PointIDs[i] is empty when
// chunk i is not committed; Missing lists those positions.
type Result struct {
	PointIDs []string
	Missing  []int
}

func (r *Result) Complete() bool {
	return r != nil && len(r.Missing) == 0
}

// Committed returns the point ids that were written, in chunk order.
func (r *Result) Committed() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.PointIDs))
	for _, id := range r.PointIDs {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

type Stage struct {
	store   VectorStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewStage(store VectorStore, cfg Config, m *metrics.Metrics) *Stage {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	retry := cfg.Retry
	retry.ShouldRetry = apperrors.IsRetryable
	retry.OnRetry = func(int, error) { m.StageRetry("indexing") }
	cfg.Retry = retry
	return &Stage{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "indexing-stage"),
	}
}

// Index upserts every chunk with its embedding. On failure the returned
// Result still reports which points were committed.
func (s *Stage) Index(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding) (*Result, error) {
	if err := checkAligned(chunks, embs); err != nil {
		return nil, err
	}
	res := &Result{PointIDs: make([]string, len(chunks))}
	positions := make([]int, len(chunks))
	for i := range positions {
		positions[i] = i
	}
	return s.run(ctx, msg, chunks, embs, positions, res)
}

// IndexMissing upserts only the positions prev reports as missing.
func (s *Stage) IndexMissing(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding, prev *Result) (*Result, error) {
	if prev == nil || len(prev.PointIDs) != len(chunks) {
		return s.Index(ctx, msg, chunks, embs)
	}
	if err := checkAligned(chunks, embs); err != nil {
		return nil, err
	}
	res := &Result{PointIDs: append([]string(nil), prev.PointIDs...)}
	if len(prev.Missing) == 0 {
		return res, nil
	}
	return s.run(ctx, msg, chunks, embs, append([]int(nil), prev.Missing...), res)
}

// DeleteFile removes every point of fileID. The call runs to completion even
// if ctx is cancelled.
func (s *Stage) DeleteFile(ctx context.Context, fileID string) error {
	err := resilience.Detached(ctx, s.cfg.CallTimeout, "delete-file-points", func(ctx context.Context) error {
		return s.store.DeleteByFile(ctx, fileID)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrIndex, err, "deleting points of "+fileID)
	}
	s.metrics.PointsDeleted()
	return nil
}

func (s *Stage) CountFile(ctx context.Context, fileID string) (int, error) {
	n, err := s.store.CountByFile(ctx, fileID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrIndex, err, "counting points of "+fileID)
	}
	return n, nil
}

func (s *Stage) run(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding, positions []int, res *Result) (*Result, error) {
	log := logger.FromContext(ctx).With("component", "indexing-stage")

	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
		failed   int
	)
	g.SetLimit(s.cfg.Concurrency)
	batches := split(positions, s.cfg.BatchSize)
	for _, batch := range batches {
		g.Go(func() error {
			err := s.upsertBatch(ctx, msg, chunks, embs, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if firstErr == nil || errors.Is(err, apperrors.ErrInterrupted) {
					firstErr = err
				}
				return nil
			}
			for _, pos := range batch {
				res.PointIDs[pos] = PointID(chunkID(msg, chunks[pos]))
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Missing = res.Missing[:0]
	for i, id := range res.PointIDs {
		if id == "" {
			res.Missing = append(res.Missing, i)
		}
	}
	committed := len(res.PointIDs) - len(res.Missing)
	if failed == 0 {
		log.Debug("indexed chunks", "points", committed, "batches", len(batches))
		return res, nil
	}
	log.Warn("upsert batches failed",
		"failed_batches", failed,
		"batches", len(batches),
		"committed", committed,
		"missing", len(res.Missing),
		"error", firstErr,
	)
	if errors.Is(firstErr, apperrors.ErrInterrupted) || !apperrors.IsRetryable(firstErr) {
		return res, firstErr
	}
	return res, apperrors.Wrap(apperrors.ErrIndex, firstErr,
		fmt.Sprintf("%d of %d chunks not committed", len(res.Missing), len(res.PointIDs)))
}

// upsertBatch writes one batch with retries. ctx cancellation is checked
// before the batch and between retries only; a started upsert is never
// abandoned half way.
func (s *Stage) upsertBatch(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding, batch []int) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInterrupted, err, "upsert batch not started")
	}
	points := make([]Point, len(batch))
	for i, pos := range batch {
		points[i] = buildPoint(msg, chunks[pos], embs[pos])
	}
	err := resilience.Retry(ctx, "upsert-batch", s.cfg.Retry, func() error {
		err := resilience.Detached(ctx, s.cfg.CallTimeout, "upsert-batch", func(callCtx context.Context) error {
			return s.store.Upsert(callCtx, points)
		})
		if err != nil && apperrors.Kind(err) == "internal" {
			return apperrors.Wrap(apperrors.ErrIndex, err, "upsert failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil && apperrors.IsRetryable(err) {
			return apperrors.Wrap(apperrors.ErrInterrupted, err, "upsert retries stopped")
		}
		return err
	}
	s.metrics.PointsUpserted(len(points))
	return nil
}

func chunkID(msg *ingestion.IngestionMessage, c ingestion.TextChunk) string {
	if c.ChunkID != "" {
		return c.ChunkID
	}
	return ingestion.ChunkIDFor(msg.FileID, c.ChunkIndex)
}

// buildPoint tags the point with the owning file, user and firm for
// filtered retrieval. Chunk metadata never overrides those keys.
func buildPoint(msg *ingestion.IngestionMessage, c ingestion.TextChunk, e ingestion.ChunkEmbedding) Point {
	id := chunkID(msg, c)
	payload := make(map[string]any, len(c.Metadata)+12)
	for k, v := range c.Metadata {
		payload[k] = v
	}
	payload["file_id"] = msg.FileID
	payload["user_id"] = msg.UserID
	if msg.FirmID != nil {
		payload["firm_id"] = *msg.FirmID
	}
	payload["filename"] = msg.Filename
	payload["file_type"] = msg.FileType
	payload["chunk_id"] = id
	payload["chunk_index"] = c.ChunkIndex
	payload["token_count"] = c.TokenCount
	payload["text"] = c.Text
	payload["embedding_model"] = e.Model
	payload["embedding_provider"] = e.Provider
	return Point{ID: PointID(id), Vector: e.Vector, Payload: payload}
}

func checkAligned(chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding) error {
	if len(chunks) != len(embs) {
		return apperrors.Newf(apperrors.ErrValidation, "%d chunks but %d embeddings", len(chunks), len(embs))
	}
	for i := range chunks {
		if embs[i].ChunkIndex != chunks[i].ChunkIndex {
			return apperrors.Newf(apperrors.ErrValidation, "embedding %d belongs to chunk %d, not %d", i, embs[i].ChunkIndex, chunks[i].ChunkIndex)
		}
		if len(embs[i].Vector) == 0 {
			return apperrors.Newf(apperrors.ErrValidation, "chunk %d has no vector", chunks[i].ChunkIndex)
		}
	}
	return nil
}

func split(positions []int, size int) [][]int {
	batches := make([][]int, 0, (len(positions)+size-1)/size)
	for start := 0; start < len(positions); start += size {
		batches = append(batches, positions[start:min(start+size, len(positions))])
	}
	return batches
}
