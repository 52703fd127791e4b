package grpc

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"orderflow/internal/observability"
)

// Limiter throttles inbound calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter Limiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := s.limiter.Wait(s.Context()); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

// UnaryInterceptor rate limits and records unary calls. limiter and metrics may be nil.
func UnaryInterceptor(limiter Limiter, metrics *observability.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Info("grpc unary call failed",
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		return resp, err
	}
}

// StreamInterceptor rate limits every received message and records the stream.
func StreamInterceptor(limiter Limiter, metrics *observability.Metrics, logger *zap.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Info("grpc stream failed",
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
