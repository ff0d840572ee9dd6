package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	FeedModeEmbedded = "embedded"
	FeedModeRemote   = "remote"

	SinkBus   = "bus"
	SinkKafka = "kafka"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Bus       BusConfig       `mapstructure:"bus"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "json" or "console"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type BusConfig struct {
	Backend     string        `mapstructure:"backend"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	Buffer      int           `mapstructure:"buffer"` // per-subscription queue for the memory backend
}

type RegistryConfig struct {
	Backend       string        `mapstructure:"backend"`
	InterestTTL   time.Duration `mapstructure:"interest_ttl"` // 0 keeps interest forever
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type GatewayConfig struct {
	FeedMode        string        `mapstructure:"feed_mode"`
	ValidTickers    []string      `mapstructure:"valid_tickers"` // empty allows any well-formed ticker
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	CommandRate     float64       `mapstructure:"command_rate"`
	CommandBurst    int           `mapstructure:"command_burst"`
	WildcardRouting bool          `mapstructure:"wildcard_routing"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

type FeedConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	ThresholdLevel    int           `mapstructure:"threshold_level"`
	Service           string        `mapstructure:"service"`
	Sink              string        `mapstructure:"sink"`
	MinBackoff        time.Duration `mapstructure:"min_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	MetricsPort       string        `mapstructure:"metrics_port"`
}

type ProcessorConfig struct {
	NumWorkers  int    `mapstructure:"num_workers"`
	MetricsPort string `mapstructure:"metrics_port"`
}

type SimulatorConfig struct {
	Port              string        `mapstructure:"port"`
	APIKey            string        `mapstructure:"api_key"`
	Tickers           []string      `mapstructure:"tickers"`
	Interval          time.Duration `mapstructure:"interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// .env is optional; real env vars always win
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "gateway.feed_mode" -> "GATEWAY_FEED_MODE"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit binding so flat env vars reach nested structs on Unmarshal
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "bus.backend", "bus.snapshot_ttl", "bus.buffer")
	bindEnv(v, "registry.backend", "registry.interest_ttl", "registry.sweep_interval")
	bindEnv(v, "gateway.feed_mode", "gateway.valid_tickers", "gateway.send_buffer", "gateway.max_message_size",
		"gateway.command_rate", "gateway.command_burst", "gateway.wildcard_routing", "gateway.health_interval",
		"gateway.command_timeout")
	bindEnv(v, "feed.url", "feed.api_key", "feed.threshold_level", "feed.service", "feed.sink", "feed.min_backoff",
		"feed.max_backoff", "feed.read_timeout", "feed.reconcile_interval", "feed.metrics_port")
	bindEnv(v, "processor.num_workers", "processor.metrics_port")
	bindEnv(v, "simulator.port", "simulator.api_key", "simulator.tickers", "simulator.interval",
		"simulator.heartbeat_interval")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.group_id", "price-relay-group")

	v.SetDefault("bus.backend", BackendRedis)
	v.SetDefault("bus.snapshot_ttl", time.Hour)
	v.SetDefault("bus.buffer", 1024)

	v.SetDefault("registry.backend", BackendRedis)
	v.SetDefault("registry.interest_ttl", time.Duration(0))
	v.SetDefault("registry.sweep_interval", time.Minute)

	v.SetDefault("gateway.feed_mode", FeedModeEmbedded)
	v.SetDefault("gateway.valid_tickers", []string{})
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.max_message_size", 512*1024)
	v.SetDefault("gateway.command_rate", 20.0)
	v.SetDefault("gateway.command_burst", 40)
	v.SetDefault("gateway.wildcard_routing", false)
	v.SetDefault("gateway.health_interval", 5*time.Second)
	v.SetDefault("gateway.command_timeout", 5*time.Second)

	v.SetDefault("feed.url", "wss://api.tiingo.com/iex")
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.threshold_level", 6)
	v.SetDefault("feed.service", "iex")
	v.SetDefault("feed.sink", SinkBus)
	v.SetDefault("feed.min_backoff", time.Second)
	v.SetDefault("feed.max_backoff", time.Minute)
	v.SetDefault("feed.read_timeout", 90*time.Second)
	v.SetDefault("feed.reconcile_interval", 30*time.Second)
	v.SetDefault("feed.metrics_port", ":9100")

	v.SetDefault("processor.num_workers", 4)
	v.SetDefault("processor.metrics_port", ":9101")

	v.SetDefault("simulator.port", ":8090")
	v.SetDefault("simulator.api_key", "")
	v.SetDefault("simulator.tickers", []string{"AAPL", "GOOG", "TSLA", "AMZN", "MSFT"})
	v.SetDefault("simulator.interval", 100*time.Millisecond)
	v.SetDefault("simulator.heartbeat_interval", 30*time.Second)
}

// Validate checks enum values and cross-field requirements.
func (c *Config) Validate() error {
	if !oneOf(c.Bus.Backend, BackendMemory, BackendRedis) {
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	if !oneOf(c.Registry.Backend, BackendMemory, BackendRedis) {
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if !oneOf(c.Gateway.FeedMode, FeedModeEmbedded, FeedModeRemote) {
		return fmt.Errorf("unknown gateway feed mode %q", c.Gateway.FeedMode)
	}
	if c.Gateway.FeedMode == FeedModeRemote && c.Bus.Backend == BackendMemory {
		return fmt.Errorf("remote feed mode needs a shared bus, got %q", c.Bus.Backend)
	}
	if !oneOf(c.Feed.Sink, SinkBus, SinkKafka) {
		return fmt.Errorf("unknown feed sink %q", c.Feed.Sink)
	}
	if c.Feed.Sink == SinkKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if c.Processor.NumWorkers <= 0 {
		return fmt.Errorf("processor workers must be positive, got %d", c.Processor.NumWorkers)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
