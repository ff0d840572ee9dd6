package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry serializes every mutation behind one mutex. Single-process only.
type MemoryRegistry struct {
	mu         sync.Mutex
	interest   map[string]map[string]struct{}
	refCount   map[string]int64
	transports map[string]map[string]struct{}
	detached   map[string]time.Time
	now        func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		interest:   make(map[string]map[string]struct{}),
		refCount:   make(map[string]int64),
		transports: make(map[string]map[string]struct{}),
		detached:   make(map[string]time.Time),
		now:        time.Now,
	}
}

func (r *MemoryRegistry) Subscribe(ctx context.Context, subscriberID string, tickers []string) ([]string, error) {
	if subscriberID == "" {
		return nil, ErrEmptySubscriber
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.interest[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		r.interest[subscriberID] = set
	}

	var activated []string
	for _, t := range tickers {
		if _, held := set[t]; held {
			continue
		}
		set[t] = struct{}{}
		r.refCount[t]++
		if r.refCount[t] == 1 {
			activated = append(activated, t)
		}
	}
	return activated, nil
}

func (r *MemoryRegistry) Unsubscribe(ctx context.Context, subscriberID string, tickers []string) ([]string, error) {
	if subscriberID == "" {
		return nil, ErrEmptySubscriber
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.interest[subscriberID]
	var deactivated []string
	for _, t := range tickers {
		if _, held := set[t]; !held {
			continue
		}
		delete(set, t)
		if r.release(t) {
			deactivated = append(deactivated, t)
		}
	}
	return deactivated, nil
}

// release decrements and reports a 1->0 transition. Caller holds mu.
func (r *MemoryRegistry) release(ticker string) bool {
	r.refCount[ticker]--
	if r.refCount[ticker] <= 0 {
		delete(r.refCount, ticker)
		return true
	}
	return false
}

func (r *MemoryRegistry) InterestOf(ctx context.Context, subscriberID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.interest[subscriberID]), nil
}

func (r *MemoryRegistry) RefCount(ctx context.Context, ticker string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refCount[ticker], nil
}

func (r *MemoryRegistry) ActiveTickers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.refCount))
	for t := range r.refCount {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRegistry) BindTransport(ctx context.Context, subscriberID, transportID string) error {
	if subscriberID == "" {
		return ErrEmptySubscriber
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transports[subscriberID] == nil {
		r.transports[subscriberID] = make(map[string]struct{})
	}
	r.transports[subscriberID][transportID] = struct{}{}
	delete(r.detached, subscriberID)
	return nil
}

func (r *MemoryRegistry) DropTransport(ctx context.Context, subscriberID, transportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.transports[subscriberID]
	if live == nil {
		return nil
	}
	delete(live, transportID)
	if len(live) == 0 {
		delete(r.transports, subscriberID)
		r.detached[subscriberID] = r.now()
	}
	return nil
}

func (r *MemoryRegistry) Detached(ctx context.Context, before time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, at := range r.detached {
		if !at.After(before) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRegistry) Expire(ctx context.Context, subscriberID string, before time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.detached[subscriberID]
	if !ok || at.After(before) || len(r.transports[subscriberID]) > 0 {
		return nil, nil
	}

	var deactivated []string
	for _, t := range sortedKeys(r.interest[subscriberID]) {
		if r.release(t) {
			deactivated = append(deactivated, t)
		}
	}
	delete(r.interest, subscriberID)
	delete(r.detached, subscriberID)
	return deactivated, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
