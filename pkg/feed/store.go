package feed

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

const keyDesired = "feed:desired"

// DesiredStore persists the ticker universe the provider should be streaming,
// so a restarted feed can resume without any downstream action.
type DesiredStore interface {
	Add(ctx context.Context, tickers []string) error
	Remove(ctx context.Context, tickers []string) error
	Members(ctx context.Context) ([]string, error)
}

var (
	_ DesiredStore = (*RedisDesiredStore)(nil)
	_ DesiredStore = (*MemoryDesiredStore)(nil)
)

type RedisDesiredStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisDesiredStore(client redis.Cmdable) *RedisDesiredStore {
	return &RedisDesiredStore{client: client, key: keyDesired}
}

func (s *RedisDesiredStore) Add(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, s.key, toArgs(tickers)...).Err()
}

func (s *RedisDesiredStore) Remove(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	return s.client.SRem(ctx, s.key, toArgs(tickers)...).Err()
}

func (s *RedisDesiredStore) Members(ctx context.Context) ([]string, error) {
	out, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// MemoryDesiredStore is for single-process deployments and tests; it does not survive restart.
type MemoryDesiredStore struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryDesiredStore(initial ...string) *MemoryDesiredStore {
	s := &MemoryDesiredStore{set: make(map[string]struct{})}
	for _, t := range initial {
		s.set[t] = struct{}{}
	}
	return s
}

func (s *MemoryDesiredStore) Add(ctx context.Context, tickers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.set[t] = struct{}{}
	}
	return nil
}

func (s *MemoryDesiredStore) Remove(ctx context.Context, tickers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		delete(s.set, t)
	}
	return nil
}

func (s *MemoryDesiredStore) Members(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for t := range s.set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func toArgs(tickers []string) []interface{} {
	args := make([]interface{}, len(tickers))
	for i, t := range tickers {
		args[i] = t
	}
	return args
}
