package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansInheritTrace(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "ingest", "file-1")
	childCtx, child := StartChildSpan(ctx, "parsing")
	child.SetAttr("bytes", 42)
	child.End()
	root.End()

	require.Len(t, root.Children, 1)
	assert.Equal(t, "file-1", child.TraceID)
	assert.Same(t, child, SpanFromContext(childCtx))
	assert.Equal(t, 42, child.Attrs["bytes"])
}

func TestEndIsIdempotent(t *testing.T) {
	_, s := StartSpan(context.Background(), "x", "t")
	s.End()
	first := s.EndTime
	s.EndWithError(errors.New("late"))
	assert.Equal(t, first, s.EndTime)
	assert.EqualError(t, s.Err, "late")
}

func TestLogWritesTree(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, root := StartSpan(context.Background(), "ingest", "file-2")
	_, child := StartChildSpan(ctx, "embedding")
	child.EndWithError(errors.New("provider down"))
	root.End()
	root.Log(logger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "span=ingest")
	assert.Contains(t, lines[1], "span=embedding")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], `error="provider down"`)
}

func TestStartChildWithoutParent(t *testing.T) {
	_, s := StartChildSpan(context.Background(), "orphan")
	assert.Empty(t, s.TraceID)
}
