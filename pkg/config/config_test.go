package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.Port)
	assert.Equal(t, config.BackendRedis, cfg.Bus.Backend)
	assert.Equal(t, config.FeedModeEmbedded, cfg.Gateway.FeedMode)
	assert.Equal(t, 6, cfg.Feed.ThresholdLevel)
	assert.Equal(t, time.Duration(0), cfg.Registry.InterestTTL)
	assert.Equal(t, 4, cfg.Processor.NumWorkers)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_FEED_MODE", "remote")
	t.Setenv("REGISTRY_INTEREST_TTL", "24h")
	t.Setenv("GATEWAY_VALID_TICKERS", "AAPL,MSFT")
	t.Setenv("BUS_BACKEND", "redis")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.FeedModeRemote, cfg.Gateway.FeedMode)
	assert.Equal(t, 24*time.Hour, cfg.Registry.InterestTTL)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Gateway.ValidTickers)
}

func TestLoadConfig_RemoteNeedsSharedBus(t *testing.T) {
	t.Setenv("GATEWAY_FEED_MODE", "remote")
	t.Setenv("BUS_BACKEND", "memory")

	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestValidate_UnknownSink(t *testing.T) {
	cfg := &config.Config{
		Bus:       config.BusConfig{Backend: config.BackendMemory},
		Registry:  config.RegistryConfig{Backend: config.BackendMemory},
		Gateway:   config.GatewayConfig{FeedMode: config.FeedModeEmbedded},
		Feed:      config.FeedConfig{Sink: "carrier-pigeon"},
		Processor: config.ProcessorConfig{NumWorkers: 1},
	}
	assert.Error(t, cfg.Validate())

	cfg.Feed.Sink = config.SinkBus
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := config.NewLogger(config.LoggerConfig{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = config.NewLogger(config.LoggerConfig{Level: "bogus"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
