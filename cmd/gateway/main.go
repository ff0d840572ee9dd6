package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/gateway"
	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/hub"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/control"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/registry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Bus.Backend == config.BackendRedis || cfg.Registry.Backend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	var b bus.Bus
	if cfg.Bus.Backend == config.BackendRedis {
		b = bus.NewRedisBus(rdb, cfg.Bus.SnapshotTTL, logger)
	} else {
		b = bus.NewMemoryBus(cfg.Bus.Buffer, logger)
	}
	defer b.Close()

	var reg registry.Registry
	if cfg.Registry.Backend == config.BackendRedis {
		reg = registry.NewRedisRegistry(rdb)
	} else {
		reg = registry.NewMemoryRegistry()
	}

	var wg sync.WaitGroup

	// Embedded: this process owns the upstream socket. Remote: cmd/feed does.
	var upstream hub.Upstream
	if cfg.Gateway.FeedMode == config.FeedModeRemote {
		upstream = control.NewPublisher(b)
		logger.Info("Upstream feed runs remotely", zap.String("control_topic", control.Topic))
	} else {
		var store redis.Cmdable
		if rdb != nil {
			store = rdb
		}
		client, flush := feed.NewFromConfig(ctx, cfg, store, b, logger)
		defer func() {
			if err := flush(); err != nil {
				logger.Error("Error flushing feed sink", zap.Error(err))
			}
		}()
		upstream = client

		wg.Add(2)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			client.RunReconciler(ctx, reg, cfg.Feed.ReconcileInterval)
		}()
	}

	wsHub := hub.NewHub(reg, b, upstream, logger, hub.Options{
		ValidTickers:    cfg.Gateway.ValidTickers,
		WildcardRouting: cfg.Gateway.WildcardRouting,
		HealthInterval:  cfg.Gateway.HealthInterval,
		InterestTTL:     cfg.Registry.InterestTTL,
		SweepInterval:   cfg.Registry.SweepInterval,
		CommandTimeout:  cfg.Gateway.CommandTimeout,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsHub.Run(ctx); err != nil {
			logger.Fatal("Hub stopped", zap.Error(err))
		}
	}()

	clientOpts := gateway.Options{
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		CommandRate:    cfg.Gateway.CommandRate,
		CommandBurst:   cfg.Gateway.CommandBurst,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Debug("Upgrade failed", zap.Error(err))
			return
		}

		client := gateway.NewClient(conn, wsHub, logger, clientOpts)
		client.Start()
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Server Started",
			zap.String("port", cfg.App.Port),
			zap.String("feed_mode", cfg.Gateway.FeedMode),
			zap.String("bus", cfg.Bus.Backend),
			zap.String("registry", cfg.Registry.Backend),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	cancel()
	wg.Wait()
	logger.Info("Shutdown Complete")
}
