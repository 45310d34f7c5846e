// Package orchestrator drives one ingestion job through its stages:
// received, parsing, chunking, embedding, indexing, reporting and done,
// with failed reachable from every non-terminal state. It owns the only
// cross-stage state of the pipeline: the retry policy, the idempotency
// ledger and the decision of how an attempt ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/chunking"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/status"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/tracing"
)

// State is a step of a job attempt.
type State string

const (
	StateReceived  State = "received"
	StateParsing   State = "parsing"
	StateChunking  State = "chunking"
	StateEmbedding State = "embedding"
	StateIndexing  State = "indexing"
	StateReporting State = "reporting"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Outcome tells the caller what to do with the delivery that started the
// attempt.
type Outcome string

const (
	// OutcomeIndexed and OutcomeFailed are terminal and were reported.
	OutcomeIndexed Outcome = "indexed"
	OutcomeFailed  Outcome = "failed"
	// OutcomeDuplicate means the same message was already indexed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRetry asks for a redelivery after RetryAfter.
	OutcomeRetry Outcome = "retry"
	// OutcomeInterrupted means shutdown stopped the attempt; the delivery
	// must not be acknowledged.
	OutcomeInterrupted Outcome = "interrupted"
)

// Result summarises one attempt.
type Result struct {
	Outcome Outcome
	// State is the last state entered; for failures, the state that failed.
	State      State
	PointIDs   []string
	Err        error
	RetryAfter time.Duration
	// Exhausted is set when a transient failure became terminal because the
	// delivery budget ran out.
	Exhausted bool
	// Deferred marks a retry of an attempt that never started; the
	// redelivery keeps the same attempt number.
	Deferred bool
}

type BlobStore interface {
	Fetch(ctx context.Context, blobPath string) ([]byte, error)
}

type Parser interface {
	Parse(ctx context.Context, data []byte, fileType string) (*ingestion.ParsedDocument, error)
}

type Embedder interface {
	Embed(ctx context.Context, chunks []ingestion.TextChunk) (*embedding.Result, error)
	EmbedMissing(ctx context.Context, chunks []ingestion.TextChunk, prev *embedding.Result) (*embedding.Result, error)
}

type Indexer interface {
	Index(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding) (*indexing.Result, error)
	IndexMissing(ctx context.Context, msg *ingestion.IngestionMessage, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding, prev *indexing.Result) (*indexing.Result, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Deps are the collaborators of an Orchestrator. All of them are shared by
// concurrent jobs.
type Deps struct {
	Blob     BlobStore
	Parser   Parser
	Chunker  *chunking.Engine
	Embedder Embedder
	Indexer  Indexer
	Reporter status.Reporter
	Ledger   Ledger
}

type Config struct {
	// Chunking holds the job-level chunking parameters. IDPrefix and
	// Metadata are filled per job.
	Chunking chunking.Options
	Policy   RetryPolicy
	// ReportTimeout bounds each status update, which runs even after
	// shutdown has been requested.
	ReportTimeout time.Duration
	// TraceJobs logs the span tree of every job.
	TraceJobs bool
}

type Orchestrator struct {
	deps        Deps
	cfg         Config
	fingerprint string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(deps Deps, cfg Config, m *metrics.Metrics) (*Orchestrator, error) {
	if deps.Blob == nil || deps.Parser == nil || deps.Embedder == nil ||
		deps.Indexer == nil || deps.Reporter == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("orchestrator: missing collaborator")
	}
	if deps.Chunker == nil {
		deps.Chunker = chunking.NewEngine(nil)
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		fingerprint: cfg.Chunking.Fingerprint(deps.Chunker.Tokenizer()),
		metrics:     m,
		logger:      slog.Default().With("component", "orchestrator"),
	}, nil
}

func (o *Orchestrator) Policy() RetryPolicy {
	return o.cfg.Policy
}

// Process runs one attempt of msg. attempt is the 1-based delivery count.
// It never panics on stage errors; every failure is folded into the Result.
func (o *Orchestrator) Process(ctx context.Context, msg *ingestion.IngestionMessage, attempt int) *Result {
	if attempt < 1 {
		attempt = 1
	}
	ctx = logger.WithJob(ctx, msg.FileID, attempt)
	ctx, span := tracing.StartSpan(ctx, "ingest", msg.FileID)
	span.SetAttr("attempt", attempt)
	log := logger.FromContext(ctx).With("component", "orchestrator")

	o.metrics.JobStarted()
	j := &job{o: o, msg: msg, attempt: attempt, log: log, state: StateReceived}
	res := j.run(ctx)
	o.metrics.JobFinished(string(res.Outcome))

	span.SetAttr("outcome", string(res.Outcome))
	span.SetAttr("state", string(res.State))
	span.EndWithError(res.Err)
	if o.cfg.TraceJobs {
		span.Log(log)
	}
	if res.Err != nil {
		log.Warn("job attempt ended", "outcome", res.Outcome, "state", res.State, "error", res.Err)
	} else {
		log.Info("job attempt ended", "outcome", res.Outcome, "points", len(res.PointIDs), "duration", span.Duration)
	}
	return res
}

// job carries the per-attempt state. It is never shared between goroutines.
type job struct {
	o       *Orchestrator
	msg     *ingestion.IngestionMessage
	attempt int
	log     *slog.Logger
	state   State
	// touched is set once the vector store may hold points written or
	// removed by this attempt.
	touched bool
	// cleaned is set once this attempt removed the file's points.
	cleaned bool
	prev    *LedgerEntry
}

func (j *job) run(ctx context.Context) *Result {
	if err := validator.ValidateMessage(j.msg); err != nil {
		return j.fail(ctx, err)
	}

	unlock, err := j.o.deps.Ledger.Lock(ctx, j.msg.FileID)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Outcome: OutcomeInterrupted, State: j.state, Err: apperrors.Wrap(apperrors.ErrInterrupted, err, "locking file")}
		}
		if errors.Is(err, apperrors.ErrConflict) {
			// Another worker owns the file and reports its status. This
			// attempt never started, so it does not spend a delivery.
			return &Result{Outcome: OutcomeRetry, State: j.state, Err: err, RetryAfter: j.o.cfg.Policy.RedeliveryDelay(1), Deferred: true}
		}
		return j.fail(ctx, err)
	}
	defer unlock()

	j.prev, err = j.o.deps.Ledger.Get(ctx, j.msg.FileID)
	if err != nil {
		return j.fail(ctx, err)
	}
	if j.isDuplicate() {
		j.log.Info("message already indexed, skipping", "points", j.prev.PointCount)
		return &Result{Outcome: OutcomeDuplicate, State: StateDone}
	}

	j.reportBestEffort(ctx, ingestion.Processing())

	pointIDs, err := j.pipeline(ctx)
	if err != nil {
		return j.fail(ctx, err)
	}

	j.enter(StateReporting)
	if err := j.report(ctx, ingestion.Indexed(pointIDs)); err != nil {
		j.touched = true
		return j.fail(ctx, err)
	}
	j.record(ctx, LedgerEntry{
		Status:      ingestion.StatusIndexed,
		Fingerprint: j.o.fingerprint,
		CreatedAt:   j.msg.CreatedAt,
		PointCount:  len(pointIDs),
	})
	j.enter(StateDone)
	return &Result{Outcome: OutcomeIndexed, State: StateDone, PointIDs: pointIDs}
}

// isDuplicate reports whether this exact message was already indexed with
// the current chunking parameters.
func (j *job) isDuplicate() bool {
	p := j.prev
	return p != nil &&
		p.Status == ingestion.StatusIndexed &&
		p.Fingerprint == j.o.fingerprint &&
		p.CreatedAt.Equal(j.msg.CreatedAt)
}

// pipeline runs the stages from parsing to indexing and returns the point
// ids in chunk order.
func (j *job) pipeline(ctx context.Context) ([]string, error) {
	doc, err := j.parse(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx, "before chunking"); err != nil {
		return nil, err
	}
	chunks, err := j.chunk(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx, "before embedding"); err != nil {
		return nil, err
	}
	embs, err := j.embed(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx, "before indexing"); err != nil {
		return nil, err
	}
	return j.index(ctx, chunks, embs)
}

func (j *job) parse(ctx context.Context) (*ingestion.ParsedDocument, error) {
	ctx, done := j.stage(ctx, StateParsing)
	data, err := j.o.deps.Blob.Fetch(ctx, j.msg.BlobPath)
	if err != nil {
		done(err)
		return nil, err
	}
	doc, err := j.o.deps.Parser.Parse(ctx, data, j.msg.FileType)
	if err == nil && doc == nil {
		err = apperrors.New(apperrors.ErrParse, "parser returned no document")
	}
	done(err)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (j *job) chunk(ctx context.Context, doc *ingestion.ParsedDocument) ([]ingestion.TextChunk, error) {
	_, done := j.stage(ctx, StateChunking)
	opts := j.o.cfg.Chunking
	opts.IDPrefix = j.msg.FileID
	opts.Metadata = map[string]any{
		"file_id":   j.msg.FileID,
		"file_type": doc.FileType,
	}
	if doc.Metadata.PageCount != nil {
		opts.Metadata["page_count"] = *doc.Metadata.PageCount
	}
	if doc.Metadata.Title != "" {
		opts.Metadata["title"] = doc.Metadata.Title
	}
	chunks, err := j.o.deps.Chunker.Chunk(doc.Text, opts)
	if err == nil && len(chunks) == 0 {
		err = apperrors.New(apperrors.ErrParse, "no extractable text")
	}
	done(err)
	if err != nil {
		return nil, err
	}
	j.o.metrics.ChunksProduced(len(chunks))
	j.log.Debug("document chunked", "chunks", len(chunks), "method", opts.Method)
	return chunks, nil
}

// embed runs the embedding stage and then re-runs only the failed batches
// for up to EmbedRounds extra rounds.
func (j *job) embed(ctx context.Context, chunks []ingestion.TextChunk) ([]ingestion.ChunkEmbedding, error) {
	ctx, done := j.stage(ctx, StateEmbedding)
	res, err := j.o.deps.Embedder.Embed(ctx, chunks)
	for round := 0; round < j.o.cfg.Policy.EmbedRounds && j.retryRound(err, res != nil); round++ {
		j.log.Info("re-embedding failed batches", "round", round+1, "failed_chunks", len(res.Failed))
		j.o.metrics.StageRetry("embedding")
		res, err = j.o.deps.Embedder.EmbedMissing(ctx, chunks, res)
	}
	if err == nil && !res.Complete() {
		err = apperrors.Newf(apperrors.ErrProvider, "%d chunks left without embeddings", len(res.Failed))
	}
	done(err)
	if err != nil {
		return nil, err
	}
	return res.Embeddings, nil
}

// index deletes stale points when required, upserts all points and then
// retries only the missing subset. An attempt that cannot commit every
// point removes what it wrote so no partial document stays searchable.
func (j *job) index(ctx context.Context, chunks []ingestion.TextChunk, embs []ingestion.ChunkEmbedding) ([]string, error) {
	ctx, done := j.stage(ctx, StateIndexing)
	if j.needsDelete(len(chunks)) {
		j.touched = true
		if err := j.o.deps.Indexer.DeleteFile(ctx, j.msg.FileID); err != nil {
			done(err)
			return nil, err
		}
		j.log.Info("deleted previous points before re-indexing")
	}

	j.touched = true
	res, err := j.o.deps.Indexer.Index(ctx, j.msg, chunks, embs)
	for round := 0; round < j.o.cfg.Policy.IndexRounds && j.retryRound(err, res != nil); round++ {
		j.log.Info("re-indexing missing points", "round", round+1, "missing", len(res.Missing))
		j.o.metrics.StageRetry("indexing")
		res, err = j.o.deps.Indexer.IndexMissing(ctx, j.msg, chunks, embs, res)
	}
	if err == nil && !res.Complete() {
		err = apperrors.Newf(apperrors.ErrIndex, "%d points not committed", len(res.Missing))
	}
	if err != nil {
		if res != nil && len(res.Committed()) > 0 && !errors.Is(err, apperrors.ErrInterrupted) {
			j.cleanup(ctx)
		}
		done(err)
		return nil, err
	}
	done(nil)
	return res.PointIDs, nil
}

// needsDelete decides between overwrite-by-id and delete-then-reindex.
// Without a trustworthy ledger entry the current points are unknown.
func (j *job) needsDelete(chunkCount int) bool {
	p := j.prev
	if p == nil || p.Fingerprint == "" {
		return true
	}
	return p.Fingerprint != j.o.fingerprint || p.PointCount > chunkCount
}

// cleanup removes this file's points so a file that is not indexed is not
// searchable either. It runs on a context detached from shutdown.
func (j *job) cleanup(ctx context.Context) {
	if j.cleaned {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.o.cfg.ReportTimeout)
	defer cancel()
	if err := j.o.deps.Indexer.DeleteFile(ctx, j.msg.FileID); err != nil {
		j.log.Error("failed to remove indexed points", "error", err)
		return
	}
	j.cleaned = true
	j.log.Info("removed indexed points of unfinished attempt")
}

func (j *job) retryRound(err error, haveResult bool) bool {
	return err != nil && haveResult &&
		!errors.Is(err, apperrors.ErrInterrupted) &&
		j.o.cfg.Policy.Retryable(err)
}

// fail ends the attempt after err. Interruptions hand the job back
// unacknowledged, transient errors within budget ask for a redelivery and
// everything else is reported as failed.
func (j *job) fail(ctx context.Context, err error) *Result {
	failedIn := j.state
	policy := j.o.cfg.Policy
	res := &Result{State: failedIn, Err: err}

	switch {
	case errors.Is(err, apperrors.ErrInterrupted) || ctx.Err() != nil:
		res.Outcome = OutcomeInterrupted
		if !errors.Is(err, apperrors.ErrInterrupted) {
			res.Err = apperrors.Wrap(apperrors.ErrInterrupted, err, "shutdown during "+string(failedIn))
		}
		j.forget(ctx, ingestion.StatusPending)
		j.reportBestEffort(ctx, ingestion.Pending())
		return res

	case policy.CanRedeliver(j.attempt, err):
		res.Outcome = OutcomeRetry
		res.RetryAfter = policy.RedeliveryDelay(j.attempt)
		j.forget(ctx, ingestion.StatusPending)
		j.reportBestEffort(ctx, ingestion.Pending())
		return res
	}

	res.Outcome = OutcomeFailed
	res.Exhausted = policy.Retryable(err)
	j.enter(StateFailed)
	if j.msg.FileID == "" {
		// Nothing to report against.
		return res
	}
	message := err.Error()
	if failedIn != StateReceived {
		message = fmt.Sprintf("%s failed: %v", failedIn, err)
	}
	if res.Exhausted {
		message = fmt.Sprintf("%s (after %d attempts)", message, j.attempt)
	}
	if j.touched {
		j.cleanup(ctx)
	}
	j.forget(ctx, ingestion.StatusFailed)
	if rerr := j.report(ctx, ingestion.Failed(message)); rerr != nil {
		// The failure could not be recorded. Surface it to the outer retry
		// while deliveries remain; otherwise the dead letter keeps it.
		res.Err = errors.Join(err, rerr)
		if j.attempt < policy.MaxDeliveries {
			res.Outcome = OutcomeRetry
			res.RetryAfter = policy.RedeliveryDelay(j.attempt)
		} else {
			res.Exhausted = true
		}
	}
	return res
}

// forget records a non-indexed end of the attempt. When this attempt may
// have changed the vector store the fingerprint is cleared, which forces a
// delete before the next indexing.
func (j *job) forget(ctx context.Context, st ingestion.IngestionStatus) {
	if j.msg.FileID == "" {
		return
	}
	e := LedgerEntry{Status: st, CreatedAt: j.msg.CreatedAt}
	if j.prev != nil && !j.touched {
		e.Fingerprint = j.prev.Fingerprint
		e.PointCount = j.prev.PointCount
	}
	if j.prev == nil && !j.touched {
		return
	}
	j.record(ctx, e)
}

func (j *job) record(ctx context.Context, e LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.o.cfg.ReportTimeout)
	defer cancel()
	if err := j.o.deps.Ledger.Put(ctx, j.msg.FileID, e); err != nil {
		j.log.Error("failed to update ledger", "status", e.Status, "error", err)
	}
}

// report delivers a status update. Updates run on a context detached from
// shutdown so a finished attempt is always recorded.
func (j *job) report(ctx context.Context, req ingestion.StatusUpdateRequest) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.o.cfg.ReportTimeout)
	defer cancel()
	return j.o.deps.Reporter.Report(ctx, j.msg.FileID, req)
}

func (j *job) reportBestEffort(ctx context.Context, req ingestion.StatusUpdateRequest) {
	if err := j.report(ctx, req); err != nil {
		j.log.Warn("intermediate status update lost", "status", req.Status, "error", err)
	}
}

func (j *job) enter(s State) {
	j.log.Debug("state transition", "from", j.state, "to", s)
	j.state = s
}

// stage enters s and returns a child-span context plus a completion func
// that records the stage duration.
func (j *job) stage(ctx context.Context, s State) (context.Context, func(error)) {
	j.enter(s)
	ctx, span := tracing.StartChildSpan(ctx, string(s))
	start := time.Now()
	return ctx, func(err error) {
		j.o.metrics.ObserveStage(string(s), time.Since(start))
		span.EndWithError(err)
	}
}

func checkpoint(ctx context.Context, where string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInterrupted, err, where)
	}
	return nil
}
