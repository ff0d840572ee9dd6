package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/simulator/internal/simulator"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
)

var basePrices = map[string]float64{
	"AAPL": 150.0, "GOOG": 2800.0, "TSLA": 700.0, "AMZN": 3400.0, "MSFT": 300.0,
}

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

	clock := simulator.RealClock{}
	gen := simulator.NewGenerator(cfg.Feed.Service, basePrices,
		simulator.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}, clock)

	srv := simulator.NewServer(logger, gen, clock, simulator.Options{
		APIKey:            cfg.Simulator.APIKey,
		Universe:          cfg.Simulator.Tickers,
		Interval:          cfg.Simulator.Interval,
		HeartbeatInterval: cfg.Simulator.HeartbeatInterval,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/iex", srv)

	server := &http.Server{Addr: cfg.Simulator.Port, Handler: mux}
	go func() {
		logger.Info("Simulator listening", zap.String("addr", cfg.Simulator.Port), zap.Strings("tickers", cfg.Simulator.Tickers))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Listen failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Simulator shutdown failed", zap.Error(err))
	}
	logger.Info("Simulator exited cleanly")
}
