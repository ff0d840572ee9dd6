// Package bus decouples the single tick producer from any number of gateway
// processes. Topics are per ticker (price.<TICKER>) so consumers can follow
// ref-count transitions granularly. Delivery is at-most-once; order is kept
// within a topic only.
package bus

import (
	"context"
	"errors"
	"path"
)

var ErrClosed = errors.New("bus: closed")

// Handler receives the concrete topic and the raw payload. Payload must be treated as read-only.
// Handlers run on the bus receive loop and must not block; hand slow work to another goroutine.
type Handler func(topic string, payload []byte)

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for an exact topic or a glob pattern (price.*).
	// Subscribing the same pattern twice replaces the handler.
	Subscribe(ctx context.Context, pattern string, h Handler) error
	Unsubscribe(ctx context.Context, pattern string) error
	// Snapshots returns the last payload published on each topic, skipping topics with none.
	Snapshots(ctx context.Context, topics []string) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// IsPattern reports whether a subscription key uses glob syntax.
func IsPattern(p string) bool {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// Match applies Redis-compatible glob matching for the topic alphabet we use.
func Match(pattern, topic string) bool {
	if !IsPattern(pattern) {
		return pattern == topic
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
