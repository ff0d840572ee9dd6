package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotPrefix = "snapshot:"

// Compile-time check to ensure RedisBus implements Bus
var _ Bus = (*RedisBus)(nil)

// RedisBus maps topics onto Redis channels so gateway replicas in other
// processes see the same ticks. Exact topics use SUBSCRIBE, globs PSUBSCRIBE.
type RedisBus struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	snapshotTTL time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex // protects handlers and pubsub subscription changes
	handlers map[string]Handler
	done     chan struct{}
}

// NewRedisBus starts the receive loop immediately. snapshotTTL <= 0 disables snapshots.
func NewRedisBus(client *redis.Client, snapshotTTL time.Duration, logger *zap.Logger) *RedisBus {
	b := &RedisBus{
		client:      client,
		pubsub:      client.Subscribe(context.Background()),
		snapshotTTL: snapshotTTL,
		logger:      logger,
		handlers:    make(map[string]Handler),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish stores the snapshot and publishes in a single pipeline round trip.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	pipe := b.client.Pipeline()
	if b.snapshotTTL > 0 {
		pipe.Set(ctx, snapshotPrefix+topic, payload, b.snapshotTTL)
	}
	pipe.Publish(ctx, topic, payload)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.handlers[pattern]
	b.handlers[pattern] = h
	if exists {
		return nil
	}

	var err error
	if IsPattern(pattern) {
		err = b.pubsub.PSubscribe(ctx, pattern)
	} else {
		err = b.pubsub.Subscribe(ctx, pattern)
	}
	if err != nil {
		delete(b.handlers, pattern)
	}
	return err
}

func (b *RedisBus) Unsubscribe(ctx context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[pattern]; !ok {
		return nil
	}
	delete(b.handlers, pattern)

	if IsPattern(pattern) {
		return b.pubsub.PUnsubscribe(ctx, pattern)
	}
	return b.pubsub.Unsubscribe(ctx, pattern)
}

// Snapshots fetches the latest payload for a list of topics (MGET)
func (b *RedisBus) Snapshots(ctx context.Context, topics []string) ([][]byte, error) {
	if len(topics) == 0 {
		return nil, nil
	}

	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = snapshotPrefix + t
	}

	results, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			out = append(out, []byte(payload))
		}
	}
	return out, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the receive loop. The *redis.Client is owned by the caller.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}

// run is the single receive loop; handlers are expected not to block.
func (b *RedisBus) run() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		key := msg.Pattern
		if key == "" {
			key = msg.Channel
		}

		b.mu.RLock()
		h := b.handlers[key]
		b.mu.RUnlock()

		if h == nil {
			b.logger.Debug("No handler for bus message", zap.String("channel", msg.Channel))
			continue
		}
		h(msg.Channel, []byte(msg.Payload))
	}
}
