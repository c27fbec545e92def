package defcon

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/resilience"
)

// DefaultLevelKey is the Redis key holding the cached level.
const DefaultLevelKey = "vision:defcon:level"

// LevelCache caches the active level in Redis. Calls go through a guard so
// a Redis outage falls through to the store without waiting on timeouts.
type LevelCache struct {
	client *redis.Client
	guard  *resilience.Guard
	key    string
	ttl    time.Duration
}

// NewLevelCache creates a LevelCache. A ttl of zero or less uses 5s.
func NewLevelCache(client *redis.Client, guard *resilience.Guard, ttl time.Duration) *LevelCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if guard == nil {
		guard = resilience.NewGuard("redis", resilience.DefaultGuardConfig())
	}
	return &LevelCache{client: client, guard: guard, key: DefaultLevelKey, ttl: ttl}
}

// Get returns the cached level; ok is false on a miss.
func (c *LevelCache) Get(ctx context.Context) (model.DefconLevel, bool, error) {
	raw, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (string, error) {
		v, err := c.client.Get(ctx, c.key).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", false, eris.Wrap(err, "defcon: cache get")
	}
	if raw == "" {
		return "", false, nil
	}
	lvl, err := model.ParseDefconLevel(raw)
	if err != nil {
		// Corrupt entries are treated as a miss.
		return "", false, nil
	}
	return lvl, true, nil
}

// setIfVersion writes KEYS[1] only while the generation in KEYS[2] still
// equals ARGV[2]. A missing generation reads as 0.
var setIfVersion = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[2] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Version returns the invalidation generation.
func (c *LevelCache) Version(ctx context.Context) (int64, error) {
	v, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (int64, error) {
		n, err := c.client.Get(ctx, c.genKey()).Int64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return n, err
	})
	return v, eris.Wrap(err, "defcon: cache version")
}

// SetIfVersion caches level for the configured TTL unless Invalidate ran
// since version was read. It reports whether the level was stored.
func (c *LevelCache) SetIfVersion(ctx context.Context, level model.DefconLevel, version int64) (bool, error) {
	n, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (int64, error) {
		return setIfVersion.Run(ctx, c.client,
			[]string{c.key, c.genKey()},
			string(level), strconv.FormatInt(version, 10), c.ttl.Milliseconds(),
		).Int64()
	})
	if err != nil {
		return false, eris.Wrap(err, "defcon: cache set")
	}
	return n == 1, nil
}

// Invalidate drops the cached level and bumps the generation.
func (c *LevelCache) Invalidate(ctx context.Context) error {
	err := c.guard.Execute(ctx, func(ctx context.Context) error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, c.genKey())
			pipe.Del(ctx, c.key)
			return nil
		})
		return err
	})
	return eris.Wrap(err, "defcon: cache invalidate")
}

func (c *LevelCache) genKey() string { return c.key + ":gen" }
