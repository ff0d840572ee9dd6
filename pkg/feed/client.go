package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

// State of the single upstream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateSubscribing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribing:
		return "subscribing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrStopped = errors.New("feed: client stopped")

type Options struct {
	URL            string
	APIKey         string
	ThresholdLevel int
	// Service restricts accepted ticks to one provider service; empty accepts all.
	Service     string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReadTimeout time.Duration
	Outbox      int
	Dialer      *websocket.Dialer
}

// Client owns the one connection to the price provider. All writes go through
// the serve loop, so control messages never interleave on the wire.
type Client struct {
	opts   Options
	store  DesiredStore
	sink   Sink
	logger *zap.Logger

	state  atomic.Int32
	outbox chan []byte
	done   chan struct{}

	// ctlMu orders store mutations with the control messages derived from them.
	ctlMu sync.Mutex

	seqMu   sync.Mutex
	lastSeq map[string]int64
}

func NewClient(opts Options, store DesiredStore, sink Sink, logger *zap.Logger) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.Outbox <= 0 {
		opts.Outbox = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		store:   store,
		sink:    sink,
		logger:  logger.With(zap.String("component", "feed")),
		outbox:  make(chan []byte, opts.Outbox),
		done:    make(chan struct{}),
		lastSeq: make(map[string]int64),
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.UpstreamState.Set(float64(s))
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run keeps the connection alive until ctx is cancelled, reconnecting with
// exponential backoff and replaying the desired set on every new session.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	bo := newBackOff(c.opts)
	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			bo.Reset()
			err = c.serve(ctx, conn)
			conn.Close()
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			c.logger.Info("Feed client stopped")
			return
		}

		delay := bo.NextBackOff()
		attempt++
		metrics.UpstreamReconnects.Inc()
		c.logger.Warn("Upstream connection lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// newBackOff doubles from MinBackoff up to MaxBackoff with +/-20% jitter and
// never gives up.
func newBackOff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.MinBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// the handshake is a subscribe carrying credentials and no tickers
	if err := c.writeControl(conn, EventSubscribe, []string{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.setState(StateAuthenticated)

	c.ctlMu.Lock()
	// anything queued before this point is superseded by the replay
	c.drainOutbox()
	c.setState(StateSubscribing)
	desired, err := c.store.Members(ctx)
	if err == nil && len(desired) > 0 {
		err = c.writeControl(conn, EventSubscribe, desired)
	}
	c.setState(StateAuthenticated)
	c.ctlMu.Unlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay: %w", err)
	}

	c.logger.Info("Connected to provider",
		zap.String("url", c.opts.URL),
		zap.Int("replayed", len(desired)),
	)
	return conn, nil
}

func (c *Client) drainOutbox() {
	for {
		select {
		case <-c.outbox:
		default:
			return
		}
	}
}

func (c *Client) writeControl(conn *websocket.Conn, event string, tickers []string) error {
	msg, err := c.encodeControl(event, tickers)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) encodeControl(event string, tickers []string) ([]byte, error) {
	return json.Marshal(Subscription{
		EventName:     event,
		Authorization: c.opts.APIKey,
		EventData: EventData{
			Tickers:        tickers,
			ThresholdLevel: c.opts.ThresholdLevel,
		},
	})
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan []byte, 64)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(frames)
		for {
			if c.opts.ReadTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- msg:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case msg, ok := <-frames:
			if !ok {
				return <-errc
			}
			c.handleFrame(ctx, msg)

		case msg := <-c.outbox:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write control: %w", err)
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.MalformedFrames.Inc()
		c.logger.Warn("Discarding malformed frame", zap.Error(err), zap.ByteString("frame", raw))
		return
	}

	switch frame.MessageType {
	case MessageTypeTick:
		if c.opts.Service != "" && frame.Service != c.opts.Service {
			return
		}
		tick, err := ParseTick(frame.Data)
		if err != nil {
			metrics.MalformedFrames.Inc()
			c.logger.Warn("Discarding malformed tick", zap.Error(err), zap.ByteString("frame", raw))
			return
		}
		tick.Seq = c.nextSeq(tick.Ticker)
		if err := c.sink.Publish(ctx, tick); err != nil {
			c.logger.Error("Failed to publish tick", zap.String("ticker", tick.Ticker), zap.Error(err))
			return
		}
		metrics.TicksPublished.Inc()

	case MessageTypeInfo:
		var info InfoData
		if err := unmarshalOptional(frame.Data, &info); err != nil {
			metrics.MalformedFrames.Inc()
			c.logger.Debug("Undecodable info frame", zap.Error(err), zap.ByteString("frame", raw))
			return
		}
		c.logger.Info("Provider info",
			zap.String("subscription_id", info.SubscriptionID.String()),
			zap.Any("response", frame.Response),
		)

	case MessageTypeHeartbeat:
		c.logger.Debug("Provider heartbeat")

	case MessageTypeError:
		metrics.ProviderErrors.Inc()
		c.logger.Warn("Provider error", zap.Any("response", frame.Response), zap.ByteString("data", frame.Data))

	default:
		c.logger.Debug("Ignoring frame", zap.String("messageType", frame.MessageType))
	}
}

// unmarshalOptional treats an absent payload as empty.
func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// nextSeq keeps per-ticker sequence numbers strictly increasing even when the
// wall clock does not move between two ticks.
func (c *Client) nextSeq(ticker string) int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if last := c.lastSeq[ticker]; seq <= last {
		seq = last + 1
	}
	c.lastSeq[ticker] = seq
	return seq
}

// Subscribe adds tickers to the desired set and asks the provider for the full
// set. While disconnected only the store is updated; the next session replays it.
func (c *Client) Subscribe(ctx context.Context, tickers []string) error {
	tickers = models.NormalizeTickers(tickers)
	if len(tickers) == 0 {
		return nil
	}

	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	if err := c.store.Add(ctx, tickers); err != nil {
		return fmt.Errorf("persist desired: %w", err)
	}
	if !c.live() {
		return nil
	}
	desired, err := c.store.Members(ctx)
	if err != nil {
		return fmt.Errorf("read desired: %w", err)
	}
	return c.enqueue(ctx, EventSubscribe, desired)
}

// Unsubscribe removes tickers from the desired set and tells the provider to
// drop only those.
func (c *Client) Unsubscribe(ctx context.Context, tickers []string) error {
	tickers = models.NormalizeTickers(tickers)
	if len(tickers) == 0 {
		return nil
	}

	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	if err := c.store.Remove(ctx, tickers); err != nil {
		return fmt.Errorf("persist desired: %w", err)
	}
	if !c.live() {
		return nil
	}
	return c.enqueue(ctx, EventUnsubscribe, tickers)
}

// Desired returns the persisted ticker universe.
func (c *Client) Desired(ctx context.Context) ([]string, error) {
	return c.store.Members(ctx)
}

func (c *Client) live() bool {
	s := c.State()
	return s == StateAuthenticated || s == StateSubscribing
}

func (c *Client) enqueue(ctx context.Context, event string, tickers []string) error {
	msg, err := c.encodeControl(event, tickers)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}
