// Package grpc holds client-side interceptors for the worker's outbound
// gRPC connections. The vector store is the only gRPC peer today.
package grpc

import (
	"context"
	"log/slog"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Observer receives the method, status code name and latency of each call.
type Observer func(method, code string, d time.Duration)

// UnaryClientInterceptor logs failed and slow calls and reports every call
// to observe. observe may be nil.
func UnaryClientInterceptor(logger *slog.Logger, slow time.Duration, observe Observer) grpclib.UnaryClientInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc-client")
	return func(ctx context.Context, method string, req, reply any, cc *grpclib.ClientConn, invoker grpclib.UnaryInvoker, opts ...grpclib.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		elapsed := time.Since(start)
		code := status.Code(err)

		if observe != nil {
			observe(method, code.String(), elapsed)
		}
		switch {
		case err != nil:
			logger.Warn("rpc failed", "method", method, "code", code.String(), "duration", elapsed, "error", err)
		case slow > 0 && elapsed >= slow:
			logger.Warn("slow rpc", "method", method, "duration", elapsed)
		default:
			logger.Debug("rpc completed", "method", method, "duration", elapsed)
		}
		return err
	}
}

// DialOptions chains the client interceptor into a connection.
func DialOptions(logger *slog.Logger, slow time.Duration, observe Observer) []grpclib.DialOption {
	return []grpclib.DialOption{
		grpclib.WithChainUnaryInterceptor(UnaryClientInterceptor(logger, slow, observe)),
	}
}
