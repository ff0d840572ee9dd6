package gateway

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/hub"
	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/protocol"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
)

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	CommandRate    float64 // commands per second; <= 0 disables the limit
	CommandBurst   int
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		MaxMessageSize: 512 * 1024,
		CommandRate:    20,
		CommandBurst:   40,
	}
}

// ClientAdapter is one downstream transport. Outbound frames go through a
// bounded queue that drops the oldest frame when full, so a stalled reader
// only ever loses its own ticks.
type ClientAdapter struct {
	id      string
	conn    net.Conn
	hub     *hub.Hub
	logger  *zap.Logger
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger, opts Options) *ClientAdapter {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 512 * 1024
	}
	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	burst := opts.CommandBurst
	if burst <= 0 {
		burst = 1
	}

	id := uuid.NewString()
	return &ClientAdapter{
		id:         id,
		conn:       conn,
		hub:        h,
		logger:     logger.With(zap.String("transport", id)),
		opts:       opts,
		limiter:    rate.NewLimiter(limit, burst),
		send:       make(chan []byte, opts.SendBuffer),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	metrics.ConnectedTransports.Inc()
	c.logger.Debug("Transport connected", zap.String("remote", c.conn.RemoteAddr().String()))
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.id }

// Close only closes the queue; writePump closes the conn.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	c.SendBytes(b)
}

func (c *ClientAdapter) SendBytes(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- b:
			return
		default:
		}
		select {
		case <-c.send:
			metrics.FramesDropped.WithLabelValues("transport").Inc()
		default:
		}
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		metrics.ConnectedTransports.Dec()
		c.logger.Debug("Transport disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > c.opts.MaxMessageSize {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			break
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		if header.OpCode == ws.OpClose {
			break
		}
		if header.OpCode != ws.OpText {
			continue
		}

		if !c.limiter.Allow() {
			c.SendJSON(protocol.WSResponse{Type: protocol.EventError, Message: "Rate limit exceeded"})
			continue
		}

		var req protocol.WSRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendJSON(protocol.WSResponse{Type: protocol.EventError, Message: "Invalid JSON"})
			continue
		}

		c.hub.HandleCommand(c, req)
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
