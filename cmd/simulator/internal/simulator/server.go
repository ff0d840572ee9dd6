package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

type Options struct {
	APIKey            string // empty accepts any authorization
	Universe          []string
	Interval          time.Duration
	HeartbeatInterval time.Duration
}

// Server speaks the provider side of the upstream protocol: subscribe
// replaces a session's ticker set, unsubscribe removes from it, and every
// Interval each subscribed ticker gets one tick frame.
type Server struct {
	logger   *zap.Logger
	gen      *Generator
	clock    Clock
	opts     Options
	universe map[string]struct{}
}

func NewServer(logger *zap.Logger, gen *Generator, clock Clock, opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	var universe map[string]struct{}
	if len(opts.Universe) > 0 {
		universe = make(map[string]struct{}, len(opts.Universe))
		for _, t := range opts.Universe {
			universe[models.NormalizeTicker(t)] = struct{}{}
		}
	}
	return &Server{
		logger:   logger,
		gen:      gen,
		clock:    clock,
		opts:     opts,
		universe: universe,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error("Upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		tickers: make(map[string]struct{}),
	}
	sess.logger = s.logger.With(zap.String("session", sess.id))
	sess.logger.Info("Session opened", zap.String("remote", conn.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(r.Context())
	go sess.stream(ctx)
	sess.readLoop()

	cancel()
	conn.Close()
	sess.logger.Info("Session closed")
}

type session struct {
	id     string
	conn   net.Conn
	server *Server
	logger *zap.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	tickers        map[string]struct{}
	subscriptionID string
}

func (s *session) readLoop() {
	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}

		var sub feed.Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			s.sendError(400, "Invalid JSON")
			continue
		}
		if key := s.server.opts.APIKey; key != "" && sub.Authorization != key {
			s.sendError(401, "Unauthorized")
			return
		}

		switch sub.EventName {
		case feed.EventSubscribe:
			s.subscribe(sub.EventData.Tickers)
		case feed.EventUnsubscribe:
			s.unsubscribe(sub.EventData.Tickers)
		default:
			s.sendError(400, fmt.Sprintf("Unknown eventName: %s", sub.EventName))
		}
	}
}

func (s *session) subscribe(tickers []string) {
	accepted, rejected := s.server.filter(tickers)
	if len(rejected) > 0 {
		s.sendError(400, fmt.Sprintf("Unknown tickers: %v", rejected))
	}

	s.mu.Lock()
	s.tickers = make(map[string]struct{}, len(accepted))
	for _, t := range accepted {
		s.tickers[t] = struct{}{}
	}
	first := s.subscriptionID == ""
	if first {
		s.subscriptionID = strconv.FormatUint(uint64(uuid.New().ID()), 10)
	}
	id := s.subscriptionID
	s.mu.Unlock()

	s.logger.Debug("Subscribed", zap.Strings("tickers", accepted))
	if first {
		data, _ := json.Marshal(feed.InfoData{SubscriptionID: json.Number(id)})
		s.sendFrame(feed.Frame{
			MessageType: feed.MessageTypeInfo,
			Data:        data,
			Response:    &feed.FrameResponse{Code: 200, Message: "Success"},
		})
	}
}

func (s *session) unsubscribe(tickers []string) {
	s.mu.Lock()
	for _, t := range tickers {
		delete(s.tickers, models.NormalizeTicker(t))
	}
	s.mu.Unlock()
	s.logger.Debug("Unsubscribed", zap.Strings("tickers", tickers))
}

func (s *session) current() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tickers))
	for t := range s.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *session) stream(ctx context.Context) {
	clock := s.server.clock
	lastBeat := clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, t := range s.current() {
			frame, err := s.server.gen.Next(t)
			if err != nil {
				s.logger.Error("Failed to encode tick", zap.String("ticker", t), zap.Error(err))
				continue
			}
			if err := s.write(frame); err != nil {
				return
			}
		}

		if hb := s.server.opts.HeartbeatInterval; hb > 0 && clock.Now().Sub(lastBeat) >= hb {
			s.sendFrame(feed.Frame{
				MessageType: feed.MessageTypeHeartbeat,
				Response:    &feed.FrameResponse{Code: 200, Message: "HeartBeat"},
			})
			lastBeat = clock.Now()
		}

		clock.Sleep(s.server.opts.Interval)
	}
}

func (s *session) sendError(code int, message string) {
	s.sendFrame(feed.Frame{
		MessageType: feed.MessageTypeError,
		Response:    &feed.FrameResponse{Code: code, Message: message},
	})
}

func (s *session) sendFrame(f feed.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	s.write(b)
}

func (s *session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteServerText(s.conn, b); err != nil {
		s.logger.Debug("Write failed", zap.Error(err))
		return err
	}
	return nil
}

// filter normalizes tickers and splits them by membership in the universe.
func (s *Server) filter(tickers []string) (accepted, rejected []string) {
	for _, t := range models.NormalizeTickers(tickers) {
		if s.universe != nil {
			if _, ok := s.universe[t]; !ok {
				rejected = append(rejected, t)
				continue
			}
		}
		accepted = append(accepted, t)
	}
	return accepted, rejected
}
