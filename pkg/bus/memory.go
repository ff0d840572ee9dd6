package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
)

var _ Bus = (*MemoryBus)(nil)

type message struct {
	topic   string
	payload []byte
}

// memorySub owns one goroutine and a bounded queue so a slow handler only
// delays its own pattern.
type memorySub struct {
	handler Handler
	queue   chan message
	done    chan struct{}
}

// MemoryBus is the single-process Bus. Publish never blocks on a subscriber.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]*memorySub
	last   map[string][]byte
	buffer int
	closed bool
	logger *zap.Logger
}

func NewMemoryBus(buffer int, logger *zap.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBus{
		subs:   make(map[string]*memorySub),
		last:   make(map[string][]byte),
		buffer: buffer,
		logger: logger,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.last[topic] = payload

	for pattern, s := range b.subs {
		if !Match(pattern, topic) {
			continue
		}
		select {
		case s.queue <- message{topic: topic, payload: payload}:
		default:
			metrics.FramesDropped.WithLabelValues("bus").Inc()
			b.logger.Warn("Bus queue full, dropping message", zap.String("pattern", pattern), zap.String("topic", topic))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if old, ok := b.subs[pattern]; ok {
		close(old.done)
	}

	s := &memorySub{
		handler: h,
		queue:   make(chan message, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[pattern] = s
	go s.run()
	return nil
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[pattern]; ok {
		close(s.done)
		delete(b.subs, pattern)
	}
	return nil
}

func (b *MemoryBus) Snapshots(ctx context.Context, topics []string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out [][]byte
	for _, t := range topics {
		if p, ok := b.last[t]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for pattern, s := range b.subs {
		close(s.done)
		delete(b.subs, pattern)
	}
	return nil
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			s.handler(m.topic, m.payload)
		}
	}
}
