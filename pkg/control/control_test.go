package control_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/control"
)

type targetSpy struct {
	mu    sync.Mutex
	calls []string
}

func (s *targetSpy) Subscribe(ctx context.Context, tickers []string) error {
	s.record("sub", tickers)
	return nil
}

func (s *targetSpy) Unsubscribe(ctx context.Context, tickers []string) error {
	s.record("unsub", tickers)
	return nil
}

func (s *targetSpy) record(op string, tickers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.calls = append(s.calls, op+":"+t)
	}
}

func (s *targetSpy) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestPublisherToListener(t *testing.T) {
	b := bus.NewMemoryBus(16, zap.NewNop())
	defer b.Close()

	spy := &targetSpy{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- control.Listen(ctx, b, spy, zap.NewNop()) }()

	pub := control.NewPublisher(b)
	// the listener registers asynchronously; keep sending until it is there
	require.Eventually(t, func() bool {
		_ = pub.Subscribe(context.Background(), []string{"AAPL"})
		return len(spy.snapshot()) > 0
	}, time.Second, 10*time.Millisecond)

	before := len(spy.snapshot())
	require.NoError(t, pub.Unsubscribe(context.Background(), []string{"aapl"}))
	require.Eventually(t, func() bool { return len(spy.snapshot()) == before+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "unsub:AAPL", spy.snapshot()[before])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestPublisher_EmptyIsNoop(t *testing.T) {
	b := bus.NewMemoryBus(16, zap.NewNop())
	defer b.Close()
	assert.NoError(t, control.NewPublisher(b).Subscribe(context.Background(), nil))
}

func TestApply_Rejects(t *testing.T) {
	spy := &targetSpy{}
	assert.Error(t, control.Apply(context.Background(), spy, []byte(`{"op":"replace","tickers":["A"]}`)))
	assert.Error(t, control.Apply(context.Background(), spy, []byte(`nope`)))
	assert.Empty(t, spy.snapshot())
}

// stuckTarget parks in Subscribe until released, like a feed whose store or
// upstream has stalled.
type stuckTarget struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckTarget) Subscribe(ctx context.Context, tickers []string) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func (s *stuckTarget) Unsubscribe(ctx context.Context, tickers []string) error { return nil }

func TestListen_SlowTargetDoesNotStallOtherTopics(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := bus.NewRedisBus(rdb, 0, zap.NewNop())
	defer b.Close()

	ticks := make(chan string, 64)
	require.NoError(t, b.Subscribe(context.Background(), "price.AAPL", func(_ string, payload []byte) {
		select {
		case ticks <- string(payload):
		default:
		}
	}))

	target := &stuckTarget{entered: make(chan struct{}), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- control.Listen(ctx, b, target, zap.NewNop()) }()

	pub := control.NewPublisher(b)
	require.Eventually(t, func() bool {
		_ = pub.Subscribe(context.Background(), []string{"MSFT"})
		select {
		case <-target.entered:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// the target is parked; ticks on other topics must still arrive
	require.Eventually(t, func() bool {
		_ = b.Publish(context.Background(), "price.AAPL", []byte(`{"ticker":"AAPL"}`))
		return len(ticks) > 0
	}, 2*time.Second, 10*time.Millisecond)

	close(target.release)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
