package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-product-catalog/internal/config"
	"github.com/ariefcatur/go-product-catalog/internal/httpx"
	"github.com/ariefcatur/go-product-catalog/internal/invalidation"
	kafkax "github.com/ariefcatur/go-product-catalog/internal/kafka"
	"github.com/ariefcatur/go-product-catalog/internal/logger"
	"github.com/ariefcatur/go-product-catalog/internal/metrics"
	"github.com/ariefcatur/go-product-catalog/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// invalidator runs the cache invalidation listener on its own, for
// deployments that keep it out of the API process.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Fatal("config", zap.Error(err))
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).
		With(zap.String("service", cfg.ServiceName+"-invalidator"))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

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

	sub := kafkax.NewSubscriber(kafkax.Config{
		Brokers:     cfg.Bus.Brokers,
		Topic:       cfg.Bus.Topic,
		User:        cfg.Bus.User,
		Password:    cfg.Bus.Password,
		GroupPrefix: cfg.Bus.GroupPrefix,
	}, log.Named("subscriber"), kafkax.WithSubscriberMetrics(m))
	listener := invalidation.NewListener(sub,
		invalidation.NewInvalidator(cache, log.Named("invalidation"), m),
		log.Named("listener"))

	// health and metrics only
	router := httpx.NewRouter(httpx.RouterOptions{
		Log:     log.Named("http"),
		Metrics: m,
		Ready:   map[string]httpx.Check{"redis": cache.Ping},
	})
	srv := httpx.NewServer(cfg.HTTP.Addr, router)
	go func() {
		log.Info("health endpoints listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpx.Serve(srv); err != nil {
			log.Error("health server", zap.Error(err))
		}
	}()

	err = listener.Run(ctx)
	_ = srv.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		log.Error("listener exit", zap.Error(err))
		os.Exit(1)
	}
}
