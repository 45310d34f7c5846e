package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
)

// Headers carried by redelivered and dead-lettered jobs.
const (
	HeaderAttempt   = "ingest-attempt"
	HeaderNotBefore = "ingest-not-before"
	HeaderError     = "ingest-error"
	HeaderOrigin    = "ingest-origin-topic"
)

// RawPublisher forwards an encoded message to a topic.
type RawPublisher interface {
	PublishRaw(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Handler adapts the Orchestrator to the Kafka consumer. Retries are
// re-published to the retry topic with an incremented attempt header
// instead of blocking the partition, and exhausted or malformed jobs are
// copied to the dead-letter topic.
type Handler struct {
	orch       *Orchestrator
	retry      RawPublisher
	deadLetter RawPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewHandler(orch *Orchestrator, retry, deadLetter RawPublisher, m *metrics.Metrics) *Handler {
	return &Handler{
		orch:       orch,
		retry:      retry,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     slog.Default().With("component", "ingest-handler"),
		now:        time.Now,
	}
}

// Handle processes one delivery. A nil return acknowledges it; an error
// leaves it uncommitted so it is delivered again.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	attempt := attemptOf(msg.Headers)
	if err := h.waitUntilDue(ctx, msg.Headers); err != nil {
		return err
	}

	job, err := kafka.DecodeJSON[ingestion.IngestionMessage](msg.Value)
	if err != nil {
		h.logger.Error("malformed ingestion message",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"error", err,
		)
		h.metrics.CountJob("malformed")
		return h.publishDeadLetter(ctx, msg, attempt, err)
	}

	res := h.orch.Process(ctx, &job, attempt)
	switch res.Outcome {
	case OutcomeIndexed, OutcomeDuplicate:
		return nil
	case OutcomeFailed:
		if res.Exhausted || rejected(res) {
			return h.publishDeadLetter(ctx, msg, attempt, res.Err)
		}
		return nil
	case OutcomeRetry:
		return h.publishRetry(ctx, msg, attempt, res)
	default:
		return res.Err
	}
}

func (h *Handler) publishRetry(ctx context.Context, msg kafka.Message, attempt int, res *Result) error {
	next := attempt + 1
	if res.Deferred {
		next = attempt
	}
	headers := copyHeaders(msg.Headers)
	headers[HeaderAttempt] = strconv.Itoa(next)
	headers[HeaderNotBefore] = h.now().Add(res.RetryAfter).UTC().Format(time.RFC3339Nano)
	headers[HeaderError] = errorText(res.Err)
	if err := h.retry.PublishRaw(ctx, msg.Key, msg.Value, headers); err != nil {
		return apperrors.Wrap(apperrors.ErrTimeout, err, "scheduling redelivery")
	}
	h.logger.Info("job scheduled for redelivery",
		"key", string(msg.Key),
		"next_attempt", next,
		"delay", res.RetryAfter,
	)
	return nil
}

func (h *Handler) publishDeadLetter(ctx context.Context, msg kafka.Message, attempt int, cause error) error {
	headers := copyHeaders(msg.Headers)
	headers[HeaderAttempt] = strconv.Itoa(attempt)
	headers[HeaderError] = errorText(cause)
	headers[HeaderOrigin] = msg.Topic
	delete(headers, HeaderNotBefore)
	if err := h.deadLetter.PublishRaw(ctx, msg.Key, msg.Value, headers); err != nil {
		return apperrors.Wrap(apperrors.ErrTimeout, err, "dead-lettering message")
	}
	h.metrics.CountJob("dead_lettered")
	h.logger.Warn("message dead-lettered", "key", string(msg.Key), "attempt", attempt, "error", cause)
	return nil
}

// waitUntilDue holds a redelivered job until its not-before time. The
// partition stalls meanwhile, which is why the worker reads the retry topic
// in a consumer group of its own.
func (h *Handler) waitUntilDue(ctx context.Context, headers map[string]string) error {
	raw, ok := headers[HeaderNotBefore]
	if !ok {
		return nil
	}
	due, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	wait := due.Sub(h.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.ErrInterrupted, ctx.Err(), "waiting for redelivery time")
	}
}

// rejected reports whether the message itself was invalid. Such a job may
// have no file record to report against, so the dead letter keeps it.
func rejected(res *Result) bool {
	return res.State == StateReceived && errors.Is(res.Err, apperrors.ErrValidation)
}

func attemptOf(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// errorText truncates an error for use as a header value.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
