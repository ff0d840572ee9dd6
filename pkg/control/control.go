// Package control carries ref-count transitions from gateways to a feed
// process running elsewhere, over the same bus the ticks travel on.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

const Topic = "feed.control"

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

type Command struct {
	Op      string   `json:"op"`
	Tickers []string `json:"tickers"`
}

// Target is what a feed process exposes to remote gateways.
type Target interface {
	Subscribe(ctx context.Context, tickers []string) error
	Unsubscribe(ctx context.Context, tickers []string) error
}

// Publisher stands in for the upstream client inside a gateway when the feed
// runs as its own process. Delivery is best effort; the feed's reconciler
// repairs anything lost.
type Publisher struct {
	bus bus.Bus
}

func NewPublisher(b bus.Bus) *Publisher {
	return &Publisher{bus: b}
}

func (p *Publisher) Subscribe(ctx context.Context, tickers []string) error {
	return p.send(ctx, OpSubscribe, tickers)
}

func (p *Publisher) Unsubscribe(ctx context.Context, tickers []string) error {
	return p.send(ctx, OpUnsubscribe, tickers)
}

func (p *Publisher) send(ctx context.Context, op string, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	payload, err := json.Marshal(Command{Op: op, Tickers: tickers})
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, Topic, payload)
}

// queueSize bounds commands waiting for the target. A full queue drops; the
// reconciler repairs the gap.
const queueSize = 256

// Listen applies every command received on the control topic to target until
// ctx is done. Commands are applied on their own goroutine so a slow target
// never stalls the bus receive loop that every other topic shares.
func Listen(ctx context.Context, b bus.Bus, target Target, logger *zap.Logger) error {
	queue := make(chan []byte, queueSize)
	err := b.Subscribe(ctx, Topic, func(_ string, payload []byte) {
		select {
		case queue <- payload:
		default:
			metrics.FramesDropped.WithLabelValues("control").Inc()
			logger.Warn("Control queue full, dropping command", zap.ByteString("payload", payload))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return b.Unsubscribe(context.Background(), Topic)
		case payload := <-queue:
			if err := Apply(ctx, target, payload); err != nil {
				logger.Warn("Dropping control command", zap.Error(err), zap.ByteString("payload", payload))
			}
		}
	}
}

// Apply decodes one command and forwards it.
func Apply(ctx context.Context, target Target, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	tickers := models.NormalizeTickers(cmd.Tickers)
	switch cmd.Op {
	case OpSubscribe:
		return target.Subscribe(ctx, tickers)
	case OpUnsubscribe:
		return target.Unsubscribe(ctx, tickers)
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
}
