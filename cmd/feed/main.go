package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/control"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/registry"
)

// The feed process owns the single upstream connection when gateways run in
// remote mode. Gateways drive it through the feed.control topic.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	priceBus := bus.NewRedisBus(rdb, cfg.Bus.SnapshotTTL, logger)
	defer priceBus.Close()

	client, flush := feed.NewFromConfig(ctx, cfg, rdb, priceBus, logger)
	defer func() {
		if err := flush(); err != nil {
			logger.Error("Error flushing feed sink", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := control.Listen(ctx, priceBus, client, logger); err != nil {
			logger.Fatal("Control listener failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		client.RunReconciler(ctx, registry.NewRedisRegistry(rdb), cfg.Feed.ReconcileInterval)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", client.State())
	})
	srv := &http.Server{Addr: cfg.Feed.MetricsPort, Handler: mux}
	go func() {
		logger.Info("Feed Started",
			zap.String("url", cfg.Feed.URL),
			zap.String("sink", cfg.Feed.Sink),
			zap.String("metrics", cfg.Feed.MetricsPort),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	logger.Info("Feed exited cleanly")
}
