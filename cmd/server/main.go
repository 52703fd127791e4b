package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"orderflow/cmd/server/config"
	grpcadapter "orderflow/internal/adapters/grpc"
	"orderflow/internal/adapters/httpapi"
	"orderflow/internal/logging"
	"orderflow/internal/observability"
	"orderflow/internal/realtime"
	"orderflow/internal/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to an optional config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger.Named("realtime"))
	application, cleanup, err := buildApp(ctx, cfg, logger, metrics, hub)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(application.service, application.executor,
			httpapi.WithLogger(logger.Named("http")),
			httpapi.WithMetrics(metrics),
			httpapi.WithLiveFeed(hub),
			httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		),
	}
	obsSrv := &http.Server{
		Addr:    cfg.Observability.Addr,
		Handler: observabilityMux(metrics, registry),
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	limiter := resilience.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst)
	limiter.OnWait(metrics.AddRateLimitWait)
	grpcLogger := logger.Named("grpc")
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(grpcadapter.UnaryInterceptor(limiter, metrics, grpcLogger)),
		grpcpkg.StreamInterceptor(grpcadapter.StreamInterceptor(limiter, metrics, grpcLogger)),
	)
	healthpb.RegisterHealthServer(grpcSrv, application.health.Server())
	if cfg.GRPC.Reflection {
		reflection.Register(grpcSrv)
		logger.Info("gRPC reflection enabled")
	}

	logger.Info("orderflow starting",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
		zap.String("observability_addr", cfg.Observability.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return listenAndServe(httpSrv) })
	g.Go(func() error { return listenAndServe(obsSrv) })
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		application.health.Shutdown()
		metrics.MarkShutdown(metrics.Snapshot().InFlight)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := obsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}

func observabilityMux(metrics *observability.Metrics, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.PrometheusHandler(gatherer))
	mux.Handle("/metrics.json", observability.Handler(metrics))
	return mux
}

func listenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
