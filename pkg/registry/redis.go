package registry

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyInterestPrefix   = "registry:interest:"
	keyTransportsPrefix = "registry:transports:"
	keyRefCount         = "registry:refcount"
	keyDetached         = "registry:detached"
)

var _ Registry = (*RedisRegistry)(nil)

// Lua scripts make each read-modify-write atomic across gateway processes.
// The interest set and ref-count hash move together, so a ticker can only
// be counted once per subscriber.
var subscribeScript = redis.NewScript(`
local activated = {}
for _, t in ipairs(ARGV) do
  if redis.call('SADD', KEYS[1], t) == 1 then
    if redis.call('HINCRBY', KEYS[2], t, 1) == 1 then
      table.insert(activated, t)
    end
  end
end
return activated
`)

var unsubscribeScript = redis.NewScript(`
local deactivated = {}
for _, t in ipairs(ARGV) do
  if redis.call('SREM', KEYS[1], t) == 1 then
    if redis.call('HINCRBY', KEYS[2], t, -1) <= 0 then
      redis.call('HDEL', KEYS[2], t)
      table.insert(deactivated, t)
    end
  end
end
return deactivated
`)

// KEYS: transports set, detached zset. ARGV: transport id, subscriber id, now (unix ms)
var dropTransportScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
  return 1
end
return 0
`)

// KEYS: interest set, refcount hash, transports set, detached zset. ARGV: subscriber id, cutoff (unix ms)
var expireScript = redis.NewScript(`
local at = redis.call('ZSCORE', KEYS[4], ARGV[1])
if not at or tonumber(at) > tonumber(ARGV[2]) then
  return {}
end
if redis.call('SCARD', KEYS[3]) > 0 then
  redis.call('ZREM', KEYS[4], ARGV[1])
  return {}
end
local deactivated = {}
for _, t in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('HINCRBY', KEYS[2], t, -1) <= 0 then
    redis.call('HDEL', KEYS[2], t)
    table.insert(deactivated, t)
  end
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return deactivated
`)

// RedisRegistry shares ref-counts between gateway replicas.
// client can be either *redis.Client (standalone) or *redis.ClusterClient; on a cluster
// the multi-key scripts require all registry keys to live in one slot.
type RedisRegistry struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisRegistry(client redis.Cmdable) *RedisRegistry {
	return &RedisRegistry{client: client, now: time.Now}
}

func (r *RedisRegistry) Subscribe(ctx context.Context, subscriberID string, tickers []string) ([]string, error) {
	if subscriberID == "" {
		return nil, ErrEmptySubscriber
	}
	if len(tickers) == 0 {
		return nil, nil
	}
	return subscribeScript.Run(ctx, r.client,
		[]string{keyInterestPrefix + subscriberID, keyRefCount},
		toArgs(tickers)...,
	).StringSlice()
}

func (r *RedisRegistry) Unsubscribe(ctx context.Context, subscriberID string, tickers []string) ([]string, error) {
	if subscriberID == "" {
		return nil, ErrEmptySubscriber
	}
	if len(tickers) == 0 {
		return nil, nil
	}
	return unsubscribeScript.Run(ctx, r.client,
		[]string{keyInterestPrefix + subscriberID, keyRefCount},
		toArgs(tickers)...,
	).StringSlice()
}

func (r *RedisRegistry) InterestOf(ctx context.Context, subscriberID string) ([]string, error) {
	out, err := r.client.SMembers(ctx, keyInterestPrefix+subscriberID).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisRegistry) RefCount(ctx context.Context, ticker string) (int64, error) {
	n, err := r.client.HGet(ctx, keyRefCount, ticker).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisRegistry) ActiveTickers(ctx context.Context) ([]string, error) {
	out, err := r.client.HKeys(ctx, keyRefCount).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisRegistry) BindTransport(ctx context.Context, subscriberID, transportID string) error {
	if subscriberID == "" {
		return ErrEmptySubscriber
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyTransportsPrefix+subscriberID, transportID)
		pipe.ZRem(ctx, keyDetached, subscriberID)
		return nil
	})
	return err
}

func (r *RedisRegistry) DropTransport(ctx context.Context, subscriberID, transportID string) error {
	return dropTransportScript.Run(ctx, r.client,
		[]string{keyTransportsPrefix + subscriberID, keyDetached},
		transportID, subscriberID, r.now().UnixMilli(),
	).Err()
}

func (r *RedisRegistry) Detached(ctx context.Context, before time.Time) ([]string, error) {
	return r.client.ZRangeByScore(ctx, keyDetached, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
}

func (r *RedisRegistry) Expire(ctx context.Context, subscriberID string, before time.Time) ([]string, error) {
	return expireScript.Run(ctx, r.client,
		[]string{
			keyInterestPrefix + subscriberID,
			keyRefCount,
			keyTransportsPrefix + subscriberID,
			keyDetached,
		},
		subscriberID, before.UnixMilli(),
	).StringSlice()
}

func toArgs(tickers []string) []interface{} {
	args := make([]interface{}, len(tickers))
	for i, t := range tickers {
		args[i] = t
	}
	return args
}
