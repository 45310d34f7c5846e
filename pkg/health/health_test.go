package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestRun_WorstStatusWins(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("redis", Ping(ok))
	c.Register("kafka", Quorum(1, map[string]func(context.Context) error{"k1:9092": ok, "k2:9092": down}))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "redis", report.Components[0].Name)
	assert.Equal(t, "kafka", report.Components[1].Name)
	kafka, found := report.Component("kafka")
	require.True(t, found)
	assert.Contains(t, kafka.Message, "k2:9092: connection refused")

	c.Register("qdrant", Ping(down))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	qdrant, _ := report.Component("qdrant")
	assert.Equal(t, "connection refused", qdrant.Message)
}

func TestRegister_ReplacesByName(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("redis", Ping(down))
	c.Register("redis", Ping(ok))
	report := c.Run(context.Background())
	require.Len(t, report.Components, 1)
	assert.Equal(t, StatusUp, report.Status)
}

func TestQuorum(t *testing.T) {
	members := map[string]func(context.Context) error{"a": ok, "b": down, "c": down}
	ctx := context.Background()

	assert.Equal(t, StatusDegraded, Quorum(1, members)(ctx).Status)
	assert.Equal(t, StatusDown, Quorum(2, members)(ctx).Status)
	assert.Equal(t, StatusUp, Quorum(3, map[string]func(context.Context) error{"a": ok})(ctx).Status)
}

func TestRun_TimesOutSlowChecks(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	c.Register("blob", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("redis", Ping(ok))

	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		return rec
	}

	rec := serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUp, report.Components[0].Status)

	c.Register("kafka", Quorum(1, map[string]func(context.Context) error{"k1": ok, "k2": down}))
	assert.Equal(t, http.StatusOK, serve().Code, "a degraded worker stays ready")

	c.Register("qdrant", Ping(down))
	assert.Equal(t, http.StatusServiceUnavailable, serve().Code)
}

func TestLiveHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("qdrant", Ping(down))
	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
