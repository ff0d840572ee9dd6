package bus_test

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
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, topic+"="+string(payload))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestMatch(t *testing.T) {
	assert.True(t, bus.Match("price.*", "price.AAPL"))
	assert.True(t, bus.Match("price.AAPL", "price.AAPL"))
	assert.False(t, bus.Match("price.AAPL", "price.AAPLX"))
	assert.False(t, bus.Match("price.*", "feed.control"))
	assert.False(t, bus.IsPattern("price.BRK.B"))
}

func TestMemoryBus_TopicIsolationAndOrder(t *testing.T) {
	b := bus.NewMemoryBus(16, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	aapl, msft := &recorder{}, &recorder{}
	require.NoError(t, b.Subscribe(ctx, "price.AAPL", aapl.handle))
	require.NoError(t, b.Subscribe(ctx, "price.MSFT", msft.handle))

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "price.AAPL", []byte(p)))
	}
	require.NoError(t, b.Publish(ctx, "price.GOOGL", []byte("x")))

	assert.Eventually(t, func() bool { return len(aapl.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"price.AAPL=1", "price.AAPL=2", "price.AAPL=3"}, aapl.snapshot())
	assert.Empty(t, msft.snapshot())
}

func TestMemoryBus_PatternAndUnsubscribe(t *testing.T) {
	b := bus.NewMemoryBus(16, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	all := &recorder{}
	require.NoError(t, b.Subscribe(ctx, "price.*", all.handle))
	require.NoError(t, b.Publish(ctx, "price.TSLA", []byte("700")))
	assert.Eventually(t, func() bool { return len(all.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, "price.*"))
	require.NoError(t, b.Publish(ctx, "price.TSLA", []byte("701")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, all.snapshot(), 1)
}

func TestMemoryBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := bus.NewMemoryBus(1, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, b.Subscribe(ctx, "price.AAPL", func(string, []byte) { <-release }))
	fast := &recorder{}
	require.NoError(t, b.Subscribe(ctx, "price.MSFT", fast.handle))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ctx, "price.AAPL", []byte("x"))
		}
		b.Publish(ctx, "price.MSFT", []byte("y"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
	assert.Eventually(t, func() bool { return len(fast.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestMemoryBus_SnapshotsAndClose(t *testing.T) {
	b := bus.NewMemoryBus(4, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "price.AAPL", []byte("1")))
	require.NoError(t, b.Publish(ctx, "price.AAPL", []byte("2")))

	snaps, err := b.Snapshots(ctx, []string{"price.AAPL", "price.NONE"})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "2", string(snaps[0]))

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, "price.AAPL", nil), bus.ErrClosed)
	assert.ErrorIs(t, b.Ping(ctx), bus.ErrClosed)
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := bus.NewRedisBus(rdb, time.Hour, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	exact, wildcard := &recorder{}, &recorder{}
	require.NoError(t, b.Subscribe(ctx, "price.AAPL", exact.handle))
	require.NoError(t, b.Subscribe(ctx, "price.*", wildcard.handle))

	// subscriptions are confirmed asynchronously, so keep publishing until seen
	assert.Eventually(t, func() bool {
		b.Publish(ctx, "price.AAPL", []byte(`{"price":1}`))
		return len(exact.snapshot()) > 0 && len(wildcard.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "price.AAPL={\"price\":1}", exact.snapshot()[0])
	assert.True(t, mr.Exists("snapshot:price.AAPL"))

	snaps, err := b.Snapshots(ctx, []string{"price.AAPL", "price.MSFT"})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.JSONEq(t, `{"price":1}`, string(snaps[0]))
	assert.NoError(t, b.Ping(ctx))
}

func TestRedisBus_Unsubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := bus.NewRedisBus(rdb, 0, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	rec := &recorder{}
	require.NoError(t, b.Subscribe(ctx, "price.MSFT", rec.handle))
	assert.Eventually(t, func() bool {
		mr.Publish("price.MSFT", "a")
		return len(rec.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, "price.MSFT"))
	assert.Eventually(t, func() bool {
		return len(mr.PubSubChannels("price.*")) == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, mr.Exists("snapshot:price.MSFT"))
}
