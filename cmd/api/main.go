package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-product-catalog/internal/catalog"
	"github.com/ariefcatur/go-product-catalog/internal/config"
	"github.com/ariefcatur/go-product-catalog/internal/httpx"
	"github.com/ariefcatur/go-product-catalog/internal/invalidation"
	kafkax "github.com/ariefcatur/go-product-catalog/internal/kafka"
	"github.com/ariefcatur/go-product-catalog/internal/logger"
	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/ariefcatur/go-product-catalog/internal/postgres"
	"github.com/ariefcatur/go-product-catalog/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Fatal("config", zap.Error(err))
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", cfg.ServiceName))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	m := metrics.New()

	// DB
	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.BootstrapSchema {
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}

	// Redis
	rdb := redisx.New(redisx.Options{
		Addr:      cfg.Redis.Addr(),
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	defer rdb.Close()
	cache := redisx.NewCache(rdb, cfg.Redis.DefaultTTL,
		redisx.WithLogger(log.Named("cache")),
		redisx.WithMetrics(m),
		redisx.WithOpTimeout(cfg.Redis.OpTimeout))
	inv := invalidation.NewInvalidator(cache, log.Named("invalidation"), m)

	// Bus
	bus := busConfig(cfg)
	pub := kafkax.NewPublisher(bus, log.Named("publisher"))
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("publisher close", zap.Error(err))
		}
	}()

	svc := catalog.NewService(postgres.NewStore(db), pub, catalog.Options{
		DefaultPageLimit: cfg.Catalog.DefaultPageLimit,
		MaxPageLimit:     cfg.Catalog.MaxPageLimit,
		PublishTimeout:   cfg.Bus.PublishTimeout,
		Logger:           log.Named("catalog"),
		Metrics:          m,
	})

	router := httpx.NewRouter(httpx.RouterOptions{
		Log:            log.Named("http"),
		Metrics:        m,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Ready: map[string]httpx.Check{
			"postgres": svc.Ping,
			"redis":    cache.Ping,
		},
	})
	h := &httpx.CatalogHandler{
		Service:     svc,
		Cache:       cache,
		Invalidator: inv,
		Log:         log.Named("http"),
	}
	h.Register(router)

	srv := httpx.NewServer(cfg.HTTP.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTP.Addr))
		return httpx.Serve(srv)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.ListenerEnabled {
		sub := kafkax.NewSubscriber(bus, log.Named("subscriber"), kafkax.WithSubscriberMetrics(m))
		listener := invalidation.NewListener(sub, inv, log.Named("listener"))
		g.Go(func() error { return listener.Run(ctx) })
	}
	return g.Wait()
}

func busConfig(cfg config.Config) kafkax.Config {
	return kafkax.Config{
		Brokers:           cfg.Bus.Brokers,
		Topic:             cfg.Bus.Topic,
		Partitions:        cfg.Bus.Partitions,
		ReplicationFactor: cfg.Bus.ReplicationFactor,
		User:              cfg.Bus.User,
		Password:          cfg.Bus.Password,
		Producer:          cfg.ServiceName,
		Timeout:           cfg.Bus.PublishTimeout,
		GroupPrefix:       cfg.Bus.GroupPrefix,
	}
}
