package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/kafka"
)

type published struct {
	key     string
	value   []byte
	headers map[string]string
}

type topic struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (tp *topic) PublishRaw(_ context.Context, key, value []byte, headers map[string]string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.err != nil {
		return tp.err
	}
	tp.msgs = append(tp.msgs, published{key: string(key), value: value, headers: headers})
	return nil
}

func newHandler(t *testing.T, h *harness) (*Handler, *topic, *topic) {
	t.Helper()
	retry, dlq := &topic{}, &topic{}
	handler := NewHandler(h.orch, retry, dlq, nil)
	handler.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return handler, retry, dlq
}

func delivery(t *testing.T, headers map[string]string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(jobMessage())
	require.NoError(t, err)
	return kafka.Message{Topic: "document.ingest", Key: []byte("f1"), Value: value, Headers: headers}
}

func TestHandle_IndexedIsAcknowledged(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, nil)))
	assert.Empty(t, retry.msgs)
	assert.Empty(t, dlq.msgs)
	assert.Equal(t, 6, h.store.count("f1"))
}

func TestHandle_MalformedMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	handler, _, dlq := newHandler(t, h)

	msg := kafka.Message{Topic: "document.ingest", Key: []byte("k"), Value: []byte("{not json")}
	require.NoError(t, handler.Handle(context.Background(), msg))
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "document.ingest", dlq.msgs[0].headers[HeaderOrigin])
	assert.Equal(t, "1", dlq.msgs[0].headers[HeaderAttempt])
	assert.Contains(t, dlq.msgs[0].headers[HeaderError], "decoding kafka message")
	assert.Zero(t, h.blobs.calls)
}

func TestHandle_TransientFailureIsRepublished(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	h.provider.failFirst["w40"] = -1
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, map[string]string{"trace": "abc"})))
	require.Len(t, retry.msgs, 1)
	assert.Empty(t, dlq.msgs)

	got := retry.msgs[0]
	assert.Equal(t, "f1", got.key)
	assert.Equal(t, "2", got.headers[HeaderAttempt])
	assert.Equal(t, "abc", got.headers["trace"])
	notBefore, err := time.Parse(time.RFC3339Nano, got.headers[HeaderNotBefore])
	require.NoError(t, err)
	assert.False(t, notBefore.Before(handler.now()))
}

func TestHandle_ExhaustedJobIsDeadLettered(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(2))
	h.provider.failFirst["w40"] = -1
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, map[string]string{HeaderAttempt: "2"})))
	assert.Empty(t, retry.msgs)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "2", dlq.msgs[0].headers[HeaderAttempt])
	assert.NotContains(t, dlq.msgs[0].headers, HeaderNotBefore)
	assert.Contains(t, *h.reporter.last().ErrorMessage, "after 2 attempts")
}

func TestHandle_PermanentFailureIsOnlyReported(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	h.blobs.data = map[string][]byte{}
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, nil)))
	assert.Empty(t, retry.msgs)
	assert.Empty(t, dlq.msgs)
}

func TestHandle_FailedRepublishLeavesMessageUncommitted(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	h.provider.failFirst["w40"] = -1
	handler, retry, _ := newHandler(t, h)
	retry.err = errors.New("broker unavailable")

	err := handler.Handle(context.Background(), delivery(t, nil))
	assert.Error(t, err)
}

func TestHandle_WaitsForNotBefore(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	handler, _, _ := newHandler(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	headers := map[string]string{
		HeaderAttempt:   "2",
		HeaderNotBefore: handler.now().Add(time.Hour).Format(time.RFC3339Nano),
	}
	err := handler.Handle(ctx, delivery(t, headers))
	assert.ErrorIs(t, err, apperrors.ErrInterrupted)
	assert.Zero(t, h.blobs.calls)
}

func TestHandle_InterruptedJobIsNotAcknowledged(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	handler, retry, dlq := newHandler(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.onCall = cancel

	err := handler.Handle(ctx, delivery(t, nil))
	assert.ErrorIs(t, err, apperrors.ErrInterrupted)
	assert.Empty(t, retry.msgs)
	assert.Empty(t, dlq.msgs)
}

func TestAttemptOf(t *testing.T) {
	assert.Equal(t, 1, attemptOf(nil))
	assert.Equal(t, 1, attemptOf(map[string]string{HeaderAttempt: "x"}))
	assert.Equal(t, 1, attemptOf(map[string]string{HeaderAttempt: "0"}))
	assert.Equal(t, 4, attemptOf(map[string]string{HeaderAttempt: "4"}))
}

func TestHandle_LockedFileKeepsAttemptNumber(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	unlock, err := h.ledger.Lock(context.Background(), "f1")
	require.NoError(t, err)
	defer unlock()
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, map[string]string{HeaderAttempt: "2"})))
	require.Len(t, retry.msgs, 1)
	assert.Equal(t, "2", retry.msgs[0].headers[HeaderAttempt])
	assert.Empty(t, dlq.msgs)
}

func TestHandle_UnreachableLedgerEndsInDeadLetter(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(2))
	h.ledger.lockErr = apperrors.New(apperrors.ErrTimeout, "redis: connection refused")
	handler, retry, dlq := newHandler(t, h)

	require.NoError(t, handler.Handle(context.Background(), delivery(t, nil)))
	require.Len(t, retry.msgs, 1)
	assert.Equal(t, "2", retry.msgs[0].headers[HeaderAttempt])

	require.NoError(t, handler.Handle(context.Background(), delivery(t, map[string]string{HeaderAttempt: "2"})))
	assert.Len(t, retry.msgs, 1)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, ingestion.StatusFailed, h.reporter.last().Status)
}

func TestHandle_InvalidMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t, 10, fastPolicy(3))
	handler, retry, dlq := newHandler(t, h)

	msg := jobMessage()
	msg.FileID = ""
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, handler.Handle(context.Background(), kafka.Message{Topic: "document.ingest", Value: value}))
	assert.Empty(t, retry.msgs)
	require.Len(t, dlq.msgs, 1)
	assert.Contains(t, dlq.msgs[0].headers[HeaderError], "file_id")
	assert.Empty(t, h.reporter.statuses())
	assert.Zero(t, h.blobs.calls)
}
