package feed

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

// Sink receives every parsed tick, in upstream order.
type Sink interface {
	Publish(ctx context.Context, tick models.PriceTick) error
}

// BusSink publishes straight onto price.<TICKER>.
type BusSink struct {
	bus bus.Bus
}

func NewBusSink(b bus.Bus) *BusSink {
	return &BusSink{bus: b}
}

func (s *BusSink) Publish(ctx context.Context, tick models.PriceTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, models.TopicFor(tick.Ticker), payload)
}

// KafkaSink appends ticks to a Kafka topic keyed by ticker, which keeps
// per-ticker order within a partition. cmd/processor relays them to the bus.
type KafkaSink struct {
	writer KafkaWriter
}

func NewKafkaSink(writer KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Publish(ctx context.Context, tick models.PriceTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tick.Ticker),
		Value: payload,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
