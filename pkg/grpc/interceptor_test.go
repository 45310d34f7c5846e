package grpc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryClientInterceptor_ObservesCalls(t *testing.T) {
	type call struct {
		method, code string
	}
	var seen []call
	interceptor := UnaryClientInterceptor(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second,
		func(method, code string, _ time.Duration) {
			seen = append(seen, call{method, code})
		})

	ok := func(context.Context, string, any, any, *grpclib.ClientConn, ...grpclib.CallOption) error {
		return nil
	}
	unavailable := func(context.Context, string, any, any, *grpclib.ClientConn, ...grpclib.CallOption) error {
		return status.Error(codes.Unavailable, "connection refused")
	}

	require.NoError(t, interceptor(context.Background(), "/qdrant.Points/Upsert", nil, nil, nil, ok))
	err := interceptor(context.Background(), "/qdrant.Points/Delete", nil, nil, nil, unavailable)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	assert.Equal(t, []call{
		{"/qdrant.Points/Upsert", "OK"},
		{"/qdrant.Points/Delete", "Unavailable"},
	}, seen)
}

func TestUnaryClientInterceptor_NilObserver(t *testing.T) {
	interceptor := UnaryClientInterceptor(nil, 0, nil)
	err := interceptor(context.Background(), "/qdrant.Qdrant/HealthCheck", nil, nil, nil,
		func(context.Context, string, any, any, *grpclib.ClientConn, ...grpclib.CallOption) error {
			return nil
		})
	assert.NoError(t, err)
}

func TestDialOptions(t *testing.T) {
	assert.Len(t, DialOptions(nil, time.Second, nil), 1)
}
