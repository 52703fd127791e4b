package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"orderflow/internal/observability"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error { return nil }
func (s *stubServerStream) SendHeader(md metadata.MD) error { return nil }
func (s *stubServerStream) SetTrailer(md metadata.MD) {}
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}

func TestUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := UnaryInterceptor(limiter, nil, nil)

	resp, err := interceptor(context.Background(), "req", &grpcpkg.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req any) (any, error) {
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("unexpected response %v", resp)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
}

func TestUnaryInterceptor_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &stubLimiter{err: context.Canceled}
	interceptor := UnaryInterceptor(limiter, nil, nil)

	called := false
	_, err := interceptor(context.Background(), "req", &grpcpkg.UnaryServerInfo{FullMethod: "/svc/M"},
		func(ctx context.Context, req any) (any, error) {
			called = true
			return nil, nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if called {
		t.Fatalf("handler should not run")
	}
}

func TestUnaryInterceptor_RecordsMetricsAndLogsFailures(t *testing.T) {
	metrics, err := observability.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	core, logs := observer.New(zap.InfoLevel)
	interceptor := UnaryInterceptor(nil, metrics, zap.New(core))

	_, _ = interceptor(context.Background(), "req", &grpcpkg.UnaryServerInfo{FullMethod: "/svc/M"},
		func(ctx context.Context, req any) (any, error) {
			return nil, errors.New("boom")
		})
	_, _ = interceptor(context.Background(), "req", &grpcpkg.UnaryServerInfo{FullMethod: "/grpc.reflection.v1.ServerReflection/X"},
		func(ctx context.Context, req any) (any, error) {
			return nil, errors.New("ignored")
		})

	snap := metrics.Snapshot()
	if snap.Methods["/svc/M"].Count != 1 || snap.Methods["/svc/M"].Errors != 1 {
		t.Fatalf("unexpected method stats: %+v", snap.Methods["/svc/M"])
	}
	if _, ok := snap.Methods["/grpc.reflection.v1.ServerReflection/X"]; ok {
		t.Fatalf("reflection calls should not be tracked")
	}
	if logs.FilterMessage("grpc unary call failed").Len() != 1 {
		t.Fatalf("expected one failure log, got %d", logs.Len())
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := StreamInterceptor(limiter, nil, nil)
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpcpkg.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"},
		func(srv any, ss grpcpkg.ServerStream) error {
			return ss.RecvMsg(&struct{}{})
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected one limited recv, got limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}
