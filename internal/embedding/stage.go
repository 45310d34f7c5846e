// Package embedding maps chunks to vectors through an external provider.
// Chunks are sent in bounded batches that run concurrently on a shared
// worker pool; results are reassembled by position so the output is always
// order-aligned with the input, and a failed batch leaves the other batches'
// vectors intact for a partial retry.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
)

// Provider embeds an ordered batch of texts, returning one vector per text
// in the same order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Model() string
}

type Config struct {
	BatchSize   int
	Concurrency int
	// RequestsPerSecond throttles provider calls across all jobs. Zero
	// disables throttling.
	RequestsPerSecond float64
	// Dimensions, when positive, is the vector length every result must
	// have. Otherwise the first vector of a job sets it.
	Dimensions  int
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
	Breaker     resilience.CircuitBreakerConfig
}

// Result is the order-aligned output of one Embed call. Embeddings[i]
// belongs to the i-th input chunk and has a nil Vector when that chunk's
// batch failed; Failed lists those positions in ascending order.
type Result struct {
	Embeddings []ingestion.ChunkEmbedding
	Failed     []int
}

func (r *Result) Complete() bool {
	return r != nil && len(r.Failed) == 0
}

type Stage struct {
	provider Provider
	cfg      Config
	pool     *ants.Pool
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewStage(provider Provider, cfg Config, m *metrics.Metrics) (*Stage, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating embedding pool: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, cfg.Concurrency))
	}

	retry := cfg.Retry
	retry.ShouldRetry = apperrors.IsRetryable
	retry.OnRetry = func(int, error) { m.StageRetry("embedding") }
	cfg.Retry = retry

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = apperrors.IsRetryable
	breakerCfg.OnStateChange = func(name string, to resilience.State) { m.SetBreakerState(name, int(to)) }

	return &Stage{
		provider: provider,
		cfg:      cfg,
		pool:     pool,
		limiter:  limiter,
		breaker:  resilience.NewCircuitBreaker("embedding-"+provider.Name(), breakerCfg),
		metrics:  m,
		logger:   slog.Default().With("component", "embedding-stage", "provider", provider.Name(), "model", provider.Model()),
	}, nil
}

// Release stops the worker pool.
func (s *Stage) Release() {
	s.pool.Release()
}

// Embed embeds every chunk. The returned Result is non-nil whenever err is
// a provider or interruption error so the caller can retry the missing
// positions with EmbedMissing. A dimension mismatch is returned as
// ErrDimensionMismatch and is never worth retrying.
func (s *Stage) Embed(ctx context.Context, chunks []ingestion.TextChunk) (*Result, error) {
	res := &Result{Embeddings: make([]ingestion.ChunkEmbedding, len(chunks))}
	positions := make([]int, len(chunks))
	for i := range positions {
		positions[i] = i
	}
	return s.run(ctx, chunks, positions, res)
}

// EmbedMissing re-embeds only the positions prev reports as failed and
// merges them into a copy of prev.
func (s *Stage) EmbedMissing(ctx context.Context, chunks []ingestion.TextChunk, prev *Result) (*Result, error) {
	if prev == nil || len(prev.Embeddings) != len(chunks) {
		return s.Embed(ctx, chunks)
	}
	res := &Result{Embeddings: make([]ingestion.ChunkEmbedding, len(chunks))}
	copy(res.Embeddings, prev.Embeddings)
	if len(prev.Failed) == 0 {
		return res, nil
	}
	return s.run(ctx, chunks, append([]int(nil), prev.Failed...), res)
}

type batchOutcome struct {
	positions []int
	err       error
}

func (s *Stage) run(ctx context.Context, chunks []ingestion.TextChunk, positions []int, res *Result) (*Result, error) {
	log := logger.FromContext(ctx).With("component", "embedding-stage")
	batches := split(positions, s.cfg.BatchSize)
	outcomes := make([]batchOutcome, len(batches))

	var wg sync.WaitGroup
	for b, batch := range batches {
		outcomes[b].positions = batch
		wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer wg.Done()
			outcomes[b].err = s.embedBatch(ctx, chunks, batch, res)
		})
		if submitErr != nil {
			wg.Done()
			outcomes[b].err = apperrors.Wrap(apperrors.ErrProvider, submitErr, "submitting embedding batch")
		}
	}
	wg.Wait()

	var (
		failedBatches int
		firstErr      error
		interrupted   bool
	)
	res.Failed = res.Failed[:0]
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		failedBatches++
		if firstErr == nil {
			firstErr = o.err
		}
		if errors.Is(o.err, apperrors.ErrInterrupted) {
			interrupted = true
		}
		res.Failed = append(res.Failed, o.positions...)
	}
	sort.Ints(res.Failed)

	if err := s.checkDimensions(res); err != nil {
		return nil, err
	}
	if failedBatches == 0 {
		log.Debug("embedded chunks", "chunks", len(positions), "batches", len(batches))
		return res, nil
	}
	log.Warn("embedding batches failed",
		"failed_batches", failedBatches,
		"batches", len(batches),
		"failed_chunks", len(res.Failed),
		"error", firstErr,
	)
	if interrupted {
		return res, apperrors.Wrap(apperrors.ErrInterrupted, firstErr, "embedding stopped between batches")
	}
	if !apperrors.IsRetryable(firstErr) {
		return res, firstErr
	}
	return res, apperrors.Wrap(apperrors.ErrProvider, firstErr,
		fmt.Sprintf("%d of %d embedding batches failed", failedBatches, len(batches)))
}

// embedBatch runs one provider call with retries and writes the vectors
// into res at their positions. Cancellation of ctx is only observed before
// the batch starts and between retries; an in-flight call runs to
// completion on a detached context.
func (s *Stage) embedBatch(ctx context.Context, chunks []ingestion.TextChunk, batch []int, res *Result) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInterrupted, err, "embedding batch not started")
	}
	texts := make([]string, len(batch))
	for i, pos := range batch {
		texts[i] = chunks[pos].Text
	}

	var vectors [][]float32
	err := resilience.Retry(ctx, "embed-batch", s.cfg.Retry, func() error {
		out := make(chan [][]float32, 1)
		err := resilience.Detached(ctx, s.cfg.CallTimeout, "embed-batch", func(callCtx context.Context) error {
			if err := s.limiter.Wait(callCtx); err != nil {
				return apperrors.Wrap(apperrors.ErrTimeout, err, "waiting for provider rate limit")
			}
			return s.breaker.Execute(func() error {
				vecs, err := s.provider.Embed(callCtx, texts)
				if err != nil {
					return classify(err)
				}
				if len(vecs) != len(texts) {
					return apperrors.Newf(apperrors.ErrProvider, "provider returned %d vectors for %d texts", len(vecs), len(texts))
				}
				out <- vecs
				return nil
			})
		})
		if err != nil {
			s.metrics.EmbeddingBatch(false)
			return classify(err)
		}
		s.metrics.EmbeddingBatch(true)
		vectors = <-out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && apperrors.IsRetryable(err) {
			return apperrors.Wrap(apperrors.ErrInterrupted, err, "embedding retries stopped")
		}
		return err
	}

	for i, pos := range batch {
		c := chunks[pos]
		res.Embeddings[pos] = ingestion.ChunkEmbedding{
			ChunkIndex: c.ChunkIndex,
			ChunkID:    c.ChunkID,
			Vector:     vectors[i],
			Model:      s.provider.Model(),
			Provider:   s.provider.Name(),
			Metadata:   maps.Clone(c.Metadata),
		}
	}
	return nil
}

// checkDimensions requires every present vector to share one length.
func (s *Stage) checkDimensions(res *Result) error {
	want := s.cfg.Dimensions
	for i, e := range res.Embeddings {
		if e.Vector == nil {
			continue
		}
		if want <= 0 {
			want = len(e.Vector)
		}
		if len(e.Vector) != want {
			return apperrors.Newf(apperrors.ErrDimensionMismatch,
				"chunk %d has %d dimensions, expected %d (model %s)", i, len(e.Vector), want, s.provider.Model())
		}
	}
	return nil
}

// classify tags untyped provider failures as ErrProvider so they are
// retried; errors that already carry a kind pass through.
func classify(err error) error {
	if err == nil || apperrors.Kind(err) != "internal" {
		return err
	}
	return apperrors.Wrap(apperrors.ErrProvider, err, "embedding call failed")
}

func split(positions []int, size int) [][]int {
	batches := make([][]int, 0, (len(positions)+size-1)/size)
	for start := 0; start < len(positions); start += size {
		batches = append(batches, positions[start:min(start+size, len(positions))])
	}
	return batches
}
