package feed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
)

func OptionsFrom(cfg config.FeedConfig) Options {
	return Options{
		URL:            cfg.URL,
		APIKey:         cfg.APIKey,
		ThresholdLevel: cfg.ThresholdLevel,
		Service:        cfg.Service,
		MinBackoff:     cfg.MinBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		ReadTimeout:    cfg.ReadTimeout,
	}
}

// NewFromConfig builds a Client with the configured desired store and sink.
// A nil rdb keeps the desired set in memory. The returned func flushes the sink.
func NewFromConfig(ctx context.Context, cfg *config.Config, rdb redis.Cmdable, b bus.Bus, logger *zap.Logger) (*Client, func() error) {
	var store DesiredStore
	if rdb != nil {
		store = NewRedisDesiredStore(rdb)
	} else {
		store = NewMemoryDesiredStore()
	}

	var (
		sink  Sink
		flush = func() error { return nil }
	)
	switch cfg.Feed.Sink {
	case config.SinkKafka:
		dialer := &RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}
		NewTopicCreator(logger, dialer, nil).Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)

		ks := NewKafkaSink(NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		sink, flush = ks, ks.Close
	default:
		sink = NewBusSink(b)
	}

	return NewClient(OptionsFrom(cfg.Feed), store, sink, logger), flush
}
