package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/protocol"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/bus"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/registry"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Upstream receives the ref-count transitions. It is either the feed client
// itself or a control publisher when the feed runs in its own process.
type Upstream interface {
	Subscribe(ctx context.Context, tickers []string) error
	Unsubscribe(ctx context.Context, tickers []string) error
}

type Options struct {
	// ValidTickers is an optional allowlist on top of the ticker format check.
	ValidTickers []string
	// WildcardRouting routes price.* once instead of one bus subscription per ticker.
	WildcardRouting bool
	HealthInterval  time.Duration
	InterestTTL     time.Duration
	SweepInterval   time.Duration
	CommandTimeout  time.Duration
}

type Hub struct {
	registry registry.Registry
	bus      bus.Bus
	upstream Upstream
	logger   *zap.Logger
	opts     Options
	allowed  map[string]struct{}

	// stripes serialize registry mutations with the upstream and routing calls
	// derived from them, so a 1->0 can never overtake the 0->1 before it.
	// Lock order: stripes, then mu, then routeMu.
	stripes tickerLocks

	routeMu sync.Mutex
	routed  map[string]struct{}

	mu           sync.RWMutex
	sessions     map[ClientInterface]string
	bySubscriber map[string]map[ClientInterface]struct{}
	groups       map[string]map[ClientInterface]struct{}
	joined       map[ClientInterface]map[string]struct{}
	degraded     bool
}

func NewHub(reg registry.Registry, b bus.Bus, upstream Upstream, logger *zap.Logger, opts Options) *Hub {
	allowed := make(map[string]struct{}, len(opts.ValidTickers))
	for _, t := range models.NormalizeTickers(opts.ValidTickers) {
		allowed[t] = struct{}{}
	}
	return &Hub{
		registry:     reg,
		bus:          b,
		upstream:     upstream,
		logger:       logger,
		opts:         opts,
		allowed:      allowed,
		routed:       make(map[string]struct{}),
		sessions:     make(map[ClientInterface]string),
		bySubscriber: make(map[string]map[ClientInterface]struct{}),
		groups:       make(map[string]map[ClientInterface]struct{}),
		joined:       make(map[ClientInterface]map[string]struct{}),
	}
}

// Run starts wildcard routing (if enabled), the bus health watch and the
// interest sweeper, and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.opts.WildcardRouting {
		if err := h.bus.Subscribe(ctx, models.TopicPrefix+"*", h.Broadcast); err != nil {
			return fmt.Errorf("wildcard routing: %w", err)
		}
	}

	var wg sync.WaitGroup
	if h.opts.HealthInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.every(ctx, h.opts.HealthInterval, func() { h.CheckHealth(ctx) })
		}()
	}
	if h.opts.InterestTTL > 0 && h.opts.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.every(ctx, h.opts.SweepInterval, func() {
				if err := h.Sweep(ctx, time.Now()); err != nil {
					h.logger.Warn("Interest sweep failed", zap.Error(err))
				}
			})
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (h *Hub) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (h *Hub) commandContext() (context.Context, context.CancelFunc) {
	if h.opts.CommandTimeout > 0 {
		return context.WithTimeout(context.Background(), h.opts.CommandTimeout)
	}
	return context.WithCancel(context.Background())
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	ctx, cancel := h.commandContext()
	defer cancel()

	if req.Action == protocol.ActionAuthenticate {
		h.handleAuthenticate(ctx, client, req)
		return
	}

	sid, ok := h.subscriberOf(client)
	switch req.Action {
	case protocol.ActionSubscribe, protocol.ActionUnsubscribe, protocol.ActionUnsubscribeAll:
		if !ok {
			h.sendError(client, req.ID, protocol.ErrNotAuthenticated)
			return
		}
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
		return
	}

	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(ctx, client, sid, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(ctx, client, sid, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(ctx, client, sid, req)
	}
}

func (h *Hub) subscriberOf(client ClientInterface) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sid, ok := h.sessions[client]
	return sid, ok
}

func (h *Hub) handleAuthenticate(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	sid := strings.TrimSpace(req.Payload.SubscriberID)
	if sid == "" {
		h.sendError(client, req.ID, "subscriber_id is required")
		return
	}
	if current, ok := h.subscriberOf(client); ok && current != sid {
		h.sendError(client, req.ID, "Already authenticated as another subscriber")
		return
	}

	if err := h.registry.BindTransport(ctx, sid, client.ID()); err != nil {
		h.logger.Error("Failed to bind transport", zap.String("subscriber", sid), zap.Error(err))
		h.sendError(client, req.ID, "Authentication failed")
		return
	}

	// Attach before reading interest: a subscribe from a sibling transport
	// that misses this read still finds the client in bySubscriber.
	h.mu.Lock()
	_, known := h.sessions[client]
	h.attach(client, sid)
	h.mu.Unlock()

	interest, err := h.registry.InterestOf(ctx, sid)
	if err == nil {
		unlock := h.stripes.lock(interest)
		// a sibling may have released some of these before the stripes were held
		var current []string
		current, err = h.registry.InterestOf(ctx, sid)
		if err == nil {
			h.mu.Lock()
			fresh := h.join(client, intersect(interest, current))
			h.mu.Unlock()
			h.startRouting(ctx, fresh)
			interest = current
		}
		unlock()
	}
	if err != nil {
		if !known {
			h.mu.Lock()
			h.detach(client, sid)
			h.mu.Unlock()
		}
		h.logger.Error("Failed to load interest set", zap.String("subscriber", sid), zap.Error(err))
		h.sendError(client, req.ID, "Authentication failed")
		return
	}

	h.logger.Debug("Subscriber authenticated",
		zap.String("subscriber", sid),
		zap.String("transport", client.ID()),
		zap.Int("restored", len(interest)),
	)
	client.SendJSON(protocol.WSResponse{Type: protocol.EventRestored, ID: req.ID, Tickers: interest})
	h.sendSnapshots(ctx, client, interest)
}

func (h *Hub) handleSubscribe(ctx context.Context, client ClientInterface, sid string, req protocol.WSRequest) {
	tickers, rejected := h.validate(req.Payload.Tickers)
	if len(tickers) == 0 {
		h.sendError(client, req.ID, fmt.Sprintf("No valid tickers provided: %v", rejected))
		return
	}

	unlock := h.stripes.lock(tickers)
	activated, err := h.registry.Subscribe(ctx, sid, tickers)
	if err != nil {
		unlock()
		h.logger.Error("Registry subscribe failed", zap.String("subscriber", sid), zap.Error(err))
		h.sendError(client, req.ID, "Subscription failed")
		return
	}

	h.mu.Lock()
	var fresh []string
	for c := range h.bySubscriber[sid] {
		fresh = append(fresh, h.join(c, tickers)...)
	}
	h.mu.Unlock()

	h.startRouting(ctx, fresh)
	if len(activated) > 0 {
		if err := h.upstream.Subscribe(ctx, activated); err != nil {
			h.logger.Error("Failed to subscribe upstream", zap.Strings("tickers", activated), zap.Error(err))
		}
	}
	unlock()

	resp := protocol.WSResponse{Type: protocol.EventSubscribed, ID: req.ID, Tickers: tickers}
	if len(rejected) > 0 {
		resp.Message = fmt.Sprintf("Ignored invalid tickers: %v", rejected)
	}
	client.SendJSON(resp)
	h.sendSnapshots(ctx, client, tickers)
}

func (h *Hub) handleUnsubscribe(ctx context.Context, client ClientInterface, sid string, req protocol.WSRequest) {
	tickers := models.NormalizeTickers(req.Payload.Tickers)
	if len(tickers) == 0 {
		h.sendError(client, req.ID, "No tickers provided")
		return
	}
	if err := h.release(ctx, sid, tickers); err != nil {
		h.sendError(client, req.ID, "Unsubscribe failed")
		return
	}
	client.SendJSON(protocol.WSResponse{Type: protocol.EventUnsubscribed, ID: req.ID, Tickers: tickers})
}

func (h *Hub) handleUnsubscribeAll(ctx context.Context, client ClientInterface, sid string, req protocol.WSRequest) {
	interest, err := h.registry.InterestOf(ctx, sid)
	if err != nil {
		h.logger.Error("Failed to load interest set", zap.String("subscriber", sid), zap.Error(err))
		h.sendError(client, req.ID, "Unsubscribe failed")
		return
	}
	if len(interest) > 0 {
		if err := h.release(ctx, sid, interest); err != nil {
			h.sendError(client, req.ID, "Unsubscribe failed")
			return
		}
	}
	client.SendJSON(protocol.WSResponse{Type: protocol.EventUnsubscribed, ID: req.ID, Tickers: interest})
}

// release drops tickers from sid's interest and from every local transport of sid.
func (h *Hub) release(ctx context.Context, sid string, tickers []string) error {
	unlock := h.stripes.lock(tickers)
	defer unlock()

	deactivated, err := h.registry.Unsubscribe(ctx, sid, tickers)
	if err != nil {
		h.logger.Error("Registry unsubscribe failed", zap.String("subscriber", sid), zap.Error(err))
		return err
	}

	h.mu.Lock()
	var emptied []string
	for c := range h.bySubscriber[sid] {
		emptied = append(emptied, h.leave(c, tickers)...)
	}
	h.mu.Unlock()

	h.stopRouting(ctx, emptied)
	if len(deactivated) > 0 {
		if err := h.upstream.Unsubscribe(ctx, deactivated); err != nil {
			h.logger.Error("Failed to unsubscribe upstream", zap.Strings("tickers", deactivated), zap.Error(err))
		}
	}
	return nil
}

// Unregister tears down a transport. The subscriber's interest stays in the registry.
func (h *Hub) Unregister(client ClientInterface) {
	ctx, cancel := h.commandContext()
	defer cancel()

	// Detaching first stops sibling subscribes from joining this client, so
	// the snapshot of its groups below is complete.
	h.mu.Lock()
	sid, authenticated := h.sessions[client]
	if authenticated {
		h.detach(client, sid)
	}
	tickers := make([]string, 0, len(h.joined[client]))
	for t := range h.joined[client] {
		tickers = append(tickers, t)
	}
	h.mu.Unlock()

	unlock := h.stripes.lock(tickers)
	h.mu.Lock()
	emptied := h.leave(client, tickers)
	delete(h.joined, client)
	h.mu.Unlock()
	h.stopRouting(ctx, emptied)
	unlock()

	if authenticated {
		if err := h.registry.DropTransport(ctx, sid, client.ID()); err != nil {
			h.logger.Error("Failed to drop transport", zap.String("subscriber", sid), zap.Error(err))
		}
	}

	client.Close()
}

// Broadcast is the bus handler: it forwards the payload verbatim to the
// ticker's delivery group. SendBytes never blocks.
func (h *Hub) Broadcast(topic string, payload []byte) {
	ticker, ok := models.TickerFromTopic(topic)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.groups[ticker]
	if len(clients) == 0 {
		return
	}
	msg := protocol.PriceEvent(payload)
	for client := range clients {
		client.SendBytes(msg)
	}
	metrics.FramesDelivered.Add(float64(len(clients)))
}

// attach and detach maintain the session indexes. Caller holds h.mu.
func (h *Hub) attach(c ClientInterface, sid string) {
	h.sessions[c] = sid
	if h.bySubscriber[sid] == nil {
		h.bySubscriber[sid] = make(map[ClientInterface]struct{})
	}
	h.bySubscriber[sid][c] = struct{}{}
	metrics.AuthenticatedSubscribers.Set(float64(len(h.bySubscriber)))
}

func (h *Hub) detach(c ClientInterface, sid string) {
	delete(h.sessions, c)
	delete(h.bySubscriber[sid], c)
	if len(h.bySubscriber[sid]) == 0 {
		delete(h.bySubscriber, sid)
	}
	metrics.AuthenticatedSubscribers.Set(float64(len(h.bySubscriber)))
}

// join adds c to each ticker's group and returns the tickers whose group was
// empty before. Caller holds h.mu.
func (h *Hub) join(c ClientInterface, tickers []string) []string {
	if h.joined[c] == nil {
		h.joined[c] = make(map[string]struct{})
	}
	var fresh []string
	for _, t := range tickers {
		h.joined[c][t] = struct{}{}
		group := h.groups[t]
		if group == nil {
			group = make(map[ClientInterface]struct{})
			h.groups[t] = group
			fresh = append(fresh, t)
		}
		group[c] = struct{}{}
	}
	return fresh
}

// leave is the inverse of join and returns the tickers whose group emptied.
// Caller holds h.mu.
func (h *Hub) leave(c ClientInterface, tickers []string) []string {
	var emptied []string
	for _, t := range tickers {
		delete(h.joined[c], t)
		group, ok := h.groups[t]
		if !ok {
			continue
		}
		if _, member := group[c]; !member {
			continue
		}
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, t)
			emptied = append(emptied, t)
		}
	}
	return emptied
}

// startRouting and stopRouting run under the stripes of tickers.
func (h *Hub) startRouting(ctx context.Context, tickers []string) {
	if h.opts.WildcardRouting {
		return
	}
	for _, t := range tickers {
		if h.isRouted(t) {
			continue
		}
		if err := h.bus.Subscribe(ctx, models.TopicFor(t), h.Broadcast); err != nil {
			h.logger.Error("Failed to route topic", zap.String("ticker", t), zap.Error(err))
			continue
		}
		h.setRouted(t, true)
	}
}

func (h *Hub) stopRouting(ctx context.Context, tickers []string) {
	if h.opts.WildcardRouting {
		return
	}
	for _, t := range tickers {
		if !h.isRouted(t) {
			continue
		}
		if err := h.bus.Unsubscribe(ctx, models.TopicFor(t)); err != nil {
			h.logger.Warn("Failed to stop routing topic", zap.String("ticker", t), zap.Error(err))
		}
		h.setRouted(t, false)
	}
}

func (h *Hub) isRouted(t string) bool {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	_, ok := h.routed[t]
	return ok
}

func (h *Hub) setRouted(t string, on bool) {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	if on {
		h.routed[t] = struct{}{}
	} else {
		delete(h.routed, t)
	}
	metrics.RoutedTopics.Set(float64(len(h.routed)))
}

// Routed lists the tickers with an active per-topic bus subscription.
func (h *Hub) Routed() []string {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	out := make([]string, 0, len(h.routed))
	for t := range h.routed {
		out = append(out, t)
	}
	return out
}

// CheckHealth pings the bus and pushes a status event to every authenticated
// transport when health flips. Recovery also retries routes that failed.
func (h *Hub) CheckHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.bus.Ping(pingCtx)
	cancel()

	healthy := err == nil
	if healthy {
		metrics.BusHealthy.Set(1)
	} else {
		metrics.BusHealthy.Set(0)
	}

	h.mu.Lock()
	changed := h.degraded == healthy
	h.degraded = !healthy
	var clients []ClientInterface
	if changed {
		for c := range h.sessions {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	if !changed {
		return
	}

	status := protocol.StatusOK
	if !healthy {
		status = protocol.StatusDegraded
		h.logger.Warn("Bus unavailable, delivery degraded", zap.Error(err))
	} else {
		h.logger.Info("Bus recovered")
		h.repairRouting(ctx)
	}
	for _, c := range clients {
		c.SendJSON(protocol.WSResponse{Type: protocol.EventStatus, Status: status})
	}
}

func (h *Hub) repairRouting(ctx context.Context) {
	h.mu.RLock()
	var missing []string
	for t := range h.groups {
		if !h.isRouted(t) {
			missing = append(missing, t)
		}
	}
	h.mu.RUnlock()
	if len(missing) == 0 {
		return
	}

	unlock := h.stripes.lock(missing)
	defer unlock()
	// groups may have emptied before the stripes were held
	h.mu.RLock()
	live := missing[:0]
	for _, t := range missing {
		if len(h.groups[t]) > 0 {
			live = append(live, t)
		}
	}
	h.mu.RUnlock()
	h.startRouting(ctx, live)
}

// Sweep expires the interest of subscribers detached since before now-TTL and
// issues upstream unsubscribes for the tickers that drop to zero.
func (h *Hub) Sweep(ctx context.Context, now time.Time) error {
	if h.opts.InterestTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-h.opts.InterestTTL)

	detached, err := h.registry.Detached(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, sid := range detached {
		// the deactivated set is only known after Expire, so hold every stripe
		unlock := h.stripes.lockAll()
		deactivated, err := h.registry.Expire(ctx, sid, cutoff)
		if err == nil && len(deactivated) > 0 {
			if uerr := h.upstream.Unsubscribe(ctx, deactivated); uerr != nil {
				h.logger.Error("Failed to unsubscribe upstream", zap.Strings("tickers", deactivated), zap.Error(uerr))
			}
		}
		unlock()
		if err != nil {
			return fmt.Errorf("expire %s: %w", sid, err)
		}
		h.logger.Info("Expired idle subscriber", zap.String("subscriber", sid), zap.Strings("deactivated", deactivated))
	}
	return nil
}

func (h *Hub) validate(raw []string) (valid, rejected []string) {
	for _, t := range models.NormalizeTickers(raw) {
		if !models.ValidTicker(t) {
			rejected = append(rejected, t)
			continue
		}
		if len(h.allowed) > 0 {
			if _, ok := h.allowed[t]; !ok {
				rejected = append(rejected, t)
				continue
			}
		}
		valid = append(valid, t)
	}
	return valid, rejected
}

func (h *Hub) sendSnapshots(ctx context.Context, client ClientInterface, tickers []string) {
	if len(tickers) == 0 {
		return
	}
	topics := make([]string, len(tickers))
	for i, t := range tickers {
		topics[i] = models.TopicFor(t)
	}
	snapshots, err := h.bus.Snapshots(ctx, topics)
	if err != nil {
		h.logger.Warn("Failed to load snapshots", zap.Error(err))
		return
	}
	for _, snap := range snapshots {
		client.SendBytes(protocol.PriceEvent(snap))
	}
}

func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, t := range b {
		in[t] = struct{}{}
	}
	var out []string
	for _, t := range a {
		if _, ok := in[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.EventError, ID: id, Message: msg})
}
