package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orderflow/cmd/server/config"
	"orderflow/internal/adapters/downstream"
	grpcadapter "orderflow/internal/adapters/grpc"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/events"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
	"orderflow/internal/resilience"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// app is the wired order service and everything that observes it.
type app struct {
	service   *orders.OrderService
	executor  *resilience.Executor
	health    *grpcadapter.HealthReporter
	publisher events.Publisher
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics, feed events.Broadcaster) (*app, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	exec, err := buildExecutor(cfg, logger, metrics)
	if err != nil {
		return nil, nil, err
	}

	store, journal, closeDB, err := buildStores(ctx, cfg.DatabaseURL, cfg.JournalRetention, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, closeDB)

	publisher, closeRedis, err := buildPublisher(ctx, cfg.Redis, logger, feed)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeRedis)

	inventory, payments := buildClients(cfg.Downstream, logger)

	health := grpcadapter.NewHealthReporter(nil, logger)
	for _, b := range exec.Breakers() {
		health.Watch(b)
		b.OnTransition(func(t resilience.Transition) {
			metrics.ObserveTransition(t)
			go publishTransition(publisher, t, logger)
		})
	}

	service := orders.NewOrderService(exec, inventory, payments, store,
		orders.WithLogger(logger),
		orders.WithJournal(journal),
		orders.WithPublisher(publisher),
		orders.WithSagaObserver(metrics),
	)

	return &app{service: service, executor: exec, health: health, publisher: publisher}, cleanup, nil
}

func buildExecutor(cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (*resilience.Executor, error) {
	names := []string{orders.DependencyInventory, orders.DependencyPayment, orders.DependencyOrders}
	deps := make([]*resilience.Dependency, 0, len(names))
	for _, name := range names {
		dep, err := resilience.NewDependency(cfg.Dependencies[name].Resilience(name))
		if err != nil {
			return nil, err
		}
		dep.Limiter.OnWait(metrics.AddRateLimitWait)
		deps = append(deps, dep)
	}
	return resilience.NewExecutor(deps,
		resilience.WithLogger(logger),
		resilience.WithObserver(metrics),
	)
}

func buildStores(ctx context.Context, databaseURL string, retention time.Duration, logger *zap.Logger) (orders.OrderStore, saga.Journal, func(), error) {
	if databaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory order store and saga journal")
		return orders.NewInMemoryOrderStore(), saga.NewMemoryJournal(saga.WithRetention(retention)), func() {}, nil
	}

	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open orders db")
	}

	journal, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	store, err := ordersdb.NewPostgresOrderStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close orders db", zap.Error(err))
		}
	}
	return store, journal, closeDB, nil
}

func buildPublisher(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger, feed events.Broadcaster) (events.Publisher, func(), error) {
	logPublisher := events.NewLogPublisher(logger.Named("events"))
	if cfg.URL == "" {
		return events.NewFanoutPublisher(logPublisher, feed), func() {}, nil
	}

	client, err := buildRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stream := events.NewRedisStreamPublisher(events.NewRedisClient(client), cfg.Stream, cfg.SagaTTL, cfg.StreamMaxLen)

	closeRedis := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	return events.NewFanoutPublisher(events.NewMultiPublisher(logPublisher, stream), feed), closeRedis, nil
}

func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func buildClients(cfg config.DownstreamConfig, logger *zap.Logger) (orders.InventoryClient, orders.PaymentClient) {
	var inventory orders.InventoryClient
	if cfg.InventoryURL != "" {
		inventory = downstream.NewInventory(cfg.InventoryURL, downstream.WithLogger(logger.Named("inventory")))
	} else {
		logger.Info("inventory url not set, using in-memory inventory")
		inventory = orders.NewInMemoryInventoryClient(cfg.InventoryStock)
	}

	var payments orders.PaymentClient
	if cfg.PaymentURL != "" {
		payments = downstream.NewPayments(cfg.PaymentURL, downstream.WithLogger(logger.Named("payment")))
	} else {
		logger.Info("payment url not set, using in-memory payments")
		payments = orders.NewInMemoryPaymentClient(cfg.PaymentLimit)
	}
	return inventory, payments
}

func publishTransition(publisher events.Publisher, t resilience.Transition, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := publisher.Publish(ctx, events.Event{
		Type:       events.TypeBreakerTransition,
		Dependency: t.Dependency,
		From:       t.From.String(),
		To:         t.To.String(),
		Timestamp:  t.At.UTC(),
	})
	if err != nil {
		logger.Warn("publish breaker transition failed", zap.String("dependency", t.Dependency), zap.Error(err))
	}
}
