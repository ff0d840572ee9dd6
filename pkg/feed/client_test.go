package feed_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/registry"
)

// fakeProvider accepts client sessions, records every control message and
// lets the test push frames or cut the connection.
type fakeProvider struct {
	srv      *httptest.Server
	received chan feed.Subscription
	conns    chan net.Conn
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{
		received: make(chan feed.Subscription, 64),
		conns:    make(chan net.Conn, 8),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		p.conns <- conn
		go func() {
			defer conn.Close()
			for {
				msg, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				var sub feed.Subscription
				if json.Unmarshal(msg, &sub) == nil {
					p.received <- sub
				}
			}
		}()
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakeProvider) next(t *testing.T) feed.Subscription {
	t.Helper()
	select {
	case sub := <-p.received:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return feed.Subscription{}
	}
}

func (p *fakeProvider) conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

type sinkSpy struct {
	mu    sync.Mutex
	ticks []models.PriceTick
}

func (s *sinkSpy) Publish(ctx context.Context, tick models.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
	return nil
}

func (s *sinkSpy) all() []models.PriceTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PriceTick(nil), s.ticks...)
}

func newClient(p *fakeProvider, store feed.DesiredStore, sink feed.Sink) *feed.Client {
	return feed.NewClient(feed.Options{
		URL:            p.url(),
		APIKey:         "secret",
		ThresholdLevel: 6,
		Service:        "iex",
		MinBackoff:     10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, store, sink, zap.NewNop())
}

func runClient(t *testing.T, c *feed.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
}

func TestClient_HandshakeThenReplay(t *testing.T) {
	p := newFakeProvider(t)
	c := newClient(p, feed.NewMemoryDesiredStore("MSFT", "AAPL"), &sinkSpy{})
	runClient(t, c)

	hello := p.next(t)
	assert.Equal(t, feed.EventSubscribe, hello.EventName)
	assert.Equal(t, "secret", hello.Authorization)
	assert.Empty(t, hello.EventData.Tickers)
	assert.Equal(t, 6, hello.EventData.ThresholdLevel)

	replay := p.next(t)
	assert.Equal(t, feed.EventSubscribe, replay.EventName)
	assert.Equal(t, []string{"AAPL", "MSFT"}, replay.EventData.Tickers)

	assert.Eventually(t, func() bool { return c.State() == feed.StateAuthenticated }, time.Second, 5*time.Millisecond)
}

func TestClient_SubscribeSendsFullSetUnsubscribeSendsDelta(t *testing.T) {
	p := newFakeProvider(t)
	store := feed.NewMemoryDesiredStore()
	c := newClient(p, store, &sinkSpy{})
	runClient(t, c)
	ctx := context.Background()

	p.next(t) // handshake, empty store means no replay

	require.NoError(t, c.Subscribe(ctx, []string{"goog"}))
	assert.Equal(t, []string{"GOOG"}, p.next(t).EventData.Tickers)

	require.Eventually(t, func() bool { return c.State() == feed.StateAuthenticated }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Subscribe(ctx, []string{"AAPL"}))
	sub := p.next(t)
	assert.Equal(t, feed.EventSubscribe, sub.EventName)
	assert.Equal(t, []string{"AAPL", "GOOG"}, sub.EventData.Tickers)

	require.NoError(t, c.Unsubscribe(ctx, []string{"GOOG"}))
	unsub := p.next(t)
	assert.Equal(t, feed.EventUnsubscribe, unsub.EventName)
	assert.Equal(t, []string{"GOOG"}, unsub.EventData.Tickers)

	desired, err := c.Desired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, desired)
}

func TestClient_PublishesTicksAndSkipsBadFrames(t *testing.T) {
	p := newFakeProvider(t)
	sink := &sinkSpy{}
	c := newClient(p, feed.NewMemoryDesiredStore("AAPL"), sink)
	runClient(t, c)

	conn := p.conn(t)
	p.next(t)
	p.next(t)

	frames := []string{
		`{"messageType":"I","data":{"subscriptionId":42},"response":{"code":200,"message":"Success"}}`,
		`{"messageType":"A","service":"iex","data":["2024-01-02T15:04:05Z","aapl",189.5]}`,
		`{"messageType":"A","service":"iex_tops","data":["2024-01-02T15:04:06Z","AAPL",1.0]}`,
		`not json at all`,
		`{"messageType":"A","service":"iex","data":["2024-01-02T15:04:06Z","AAPL"]}`,
		`{"messageType":"H","response":{"code":200,"message":"HeartBeat"}}`,
		`{"messageType":"E","response":{"code":400,"message":"bad ticker"}}`,
		`{"messageType":"A","service":"iex","data":[1704207847,"AAPL",190.25]}`,
	}
	for _, f := range frames {
		require.NoError(t, wsutil.WriteServerText(conn, []byte(f)))
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	ticks := sink.all()

	assert.Equal(t, "AAPL", ticks[0].Ticker)
	assert.Equal(t, "2024-01-02T15:04:05Z", ticks[0].Timestamp)
	assert.Equal(t, 189.5, ticks[0].Price)
	assert.Equal(t, "1704207847", ticks[1].Timestamp)
	assert.Equal(t, 190.25, ticks[1].Price)
	assert.Greater(t, ticks[1].Seq, ticks[0].Seq)

	// a bad frame never kills the session
	assert.Equal(t, feed.StateAuthenticated, c.State())
}

func TestClient_CountsUndecodableInfoFrame(t *testing.T) {
	p := newFakeProvider(t)
	sink := &sinkSpy{}
	c := newClient(p, feed.NewMemoryDesiredStore("AAPL"), sink)
	runClient(t, c)

	conn := p.conn(t)
	p.next(t)
	p.next(t)

	before := testutil.ToFloat64(metrics.MalformedFrames)
	require.NoError(t, wsutil.WriteServerText(conn, []byte(`{"messageType":"I","data":[42]}`)))
	require.NoError(t, wsutil.WriteServerText(conn, []byte(`{"messageType":"A","service":"iex","data":["2024-01-02T15:04:05Z","AAPL",189.5]}`)))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MalformedFrames))
	assert.Equal(t, feed.StateAuthenticated, c.State())
}

func TestClient_ReconnectReplaysDesiredSet(t *testing.T) {
	p := newFakeProvider(t)
	c := newClient(p, feed.NewMemoryDesiredStore("TSLA"), &sinkSpy{})
	runClient(t, c)

	first := p.conn(t)
	p.next(t)
	assert.Equal(t, []string{"TSLA"}, p.next(t).EventData.Tickers)

	first.Close()

	p.conn(t)
	hello := p.next(t)
	assert.Empty(t, hello.EventData.Tickers)
	assert.Equal(t, []string{"TSLA"}, p.next(t).EventData.Tickers)
}

func TestClient_SubscribeWhileDisconnectedOnlyPersists(t *testing.T) {
	store := feed.NewMemoryDesiredStore()
	c := feed.NewClient(feed.Options{URL: "ws://127.0.0.1:1"}, store, &sinkSpy{}, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, feed.StateDisconnected, c.State())
	require.NoError(t, c.Subscribe(ctx, []string{"nflx", "NFLX", " ibm "}))
	require.NoError(t, c.Unsubscribe(ctx, []string{"IBM"}))

	desired, err := store.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"NFLX"}, desired)
}

type activeStub []string

func (a activeStub) ActiveTickers(ctx context.Context) ([]string, error) { return a, nil }

func TestClient_Reconcile(t *testing.T) {
	store := feed.NewMemoryDesiredStore("AAPL", "IBM")
	c := feed.NewClient(feed.Options{URL: "ws://127.0.0.1:1"}, store, &sinkSpy{}, zap.NewNop())
	ctx := context.Background()

	added, removed, err := c.Reconcile(ctx, activeStub{"AAPL", "NFLX"})
	require.NoError(t, err)
	assert.Equal(t, []string{"NFLX"}, added)
	assert.Equal(t, []string{"IBM"}, removed)

	desired, err := store.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "NFLX"}, desired)

	added, removed, err = c.Reconcile(ctx, activeStub{"AAPL", "NFLX"})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

// racingSource snapshots the registry and then lets a gateway transition run
// before handing the snapshot back, as a concurrent first or last subscriber would.
type racingSource struct {
	reg    registry.Registry
	during func()
}

func (r racingSource) ActiveTickers(ctx context.Context) ([]string, error) {
	active, err := r.reg.ActiveTickers(ctx)
	if r.during != nil {
		r.during()
	}
	return active, err
}

func TestClient_ReconcileDuringGatewayTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("first subscriber", func(t *testing.T) {
		reg := registry.NewMemoryRegistry()
		store := feed.NewMemoryDesiredStore()
		c := feed.NewClient(feed.Options{URL: "ws://127.0.0.1:1"}, store, &sinkSpy{}, zap.NewNop())

		src := racingSource{reg: reg, during: func() {
			activated, err := reg.Subscribe(ctx, "alice", []string{"AAPL"})
			require.NoError(t, err)
			require.NoError(t, c.Subscribe(ctx, activated))
		}}

		_, removed, err := c.Reconcile(ctx, src)
		require.NoError(t, err)
		assert.Empty(t, removed)

		desired, err := store.Members(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL"}, desired)
	})

	t.Run("last subscriber", func(t *testing.T) {
		reg := registry.NewMemoryRegistry()
		_, err := reg.Subscribe(ctx, "alice", []string{"AAPL"})
		require.NoError(t, err)
		store := feed.NewMemoryDesiredStore("AAPL")
		c := feed.NewClient(feed.Options{URL: "ws://127.0.0.1:1"}, store, &sinkSpy{}, zap.NewNop())

		src := racingSource{reg: reg, during: func() {
			deactivated, err := reg.Unsubscribe(ctx, "alice", []string{"AAPL"})
			require.NoError(t, err)
			require.NoError(t, c.Unsubscribe(ctx, deactivated))
		}}

		added, _, err := c.Reconcile(ctx, src)
		require.NoError(t, err)
		assert.Empty(t, added)

		desired, err := store.Members(ctx)
		require.NoError(t, err)
		assert.Empty(t, desired)
	})
}
