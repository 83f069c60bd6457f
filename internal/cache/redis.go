package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arrakis/backend/internal/apperr"
)

// Key layout. Limits are per-account and monotone under mints; reserved and
// committed are per-account per-period (YYYY-MM).
func limitKey(account string) string { return "budget:limit:" + account }
func reservedKey(account, period string) string {
	return "budget:reserved:" + account + ":" + period
}
func committedKey(account, period string) string {
	return "budget:committed:" + account + ":" + period
}
func processedKey(idemKey string) string { return "processed:" + idemKey }

// processedTTL bounds how long idempotence markers live. Far beyond any
// retry or reconciliation window, short enough that the keyspace cannot
// grow without bound.
const processedTTL = 14 * 24 * time.Hour

func processedTTLSeconds() int64 { return int64(processedTTL / time.Second) }

// Scripts run atomically on the server; each checks its idempotence key
// first so a retried call after a network error cannot double-apply.
var (
	incrLimitScript = redis.NewScript(`
if redis.call('SET', KEYS[2], 1, 'NX', 'EX', ARGV[2]) == false then
  return 0
end
redis.call('INCRBY', KEYS[1], ARGV[1])
return 1
`)

	reserveScript = redis.NewScript(`
local limit = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local committed = tonumber(redis.call('GET', KEYS[3]) or '0')
local want = tonumber(ARGV[1])
local available = limit - committed - reserved
if available < want then
  return {0, want - available}
end
redis.call('INCRBY', KEYS[2], want)
return {1, 0}
`)

	finalizeScript = redis.NewScript(`
if redis.call('SET', KEYS[4], 1, 'NX', 'EX', ARGV[4]) == false then
  return {0, 0}
end
local reserved = tonumber(ARGV[1])
local actual = tonumber(ARGV[2])
local overrun = 0
if actual > reserved then
  overrun = actual - reserved
  if ARGV[3] == 'live' then
    actual = reserved
  end
end
local left = redis.call('DECRBY', KEYS[2], reserved)
if left < 0 then
  redis.call('SET', KEYS[2], 0)
end
if actual > 0 then
  redis.call('INCRBY', KEYS[3], actual)
end
return {1, overrun}
`)

	cancelScript = redis.NewScript(`
if redis.call('SET', KEYS[2], 1, 'NX', 'EX', ARGV[2]) == false then
  return 0
end
local left = redis.call('DECRBY', KEYS[1], ARGV[1])
if left < 0 then
  redis.call('SET', KEYS[1], 0)
end
return 1
`)
)

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses redisURL, connects and verifies reachability.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInvalidArgument, "parse redis url")
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "ping redis")
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client (used by tests against
// miniature servers).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(err, apperr.KindDependencyUnavailable, "redis ping")
	}
	return nil
}

func (c *RedisCache) InitLimit(ctx context.Context, account string, deltaCents int64, mintKey string) (bool, error) {
	res, err := incrLimitScript.Run(ctx, c.client,
		[]string{limitKey(account), processedKey(mintKey)},
		deltaCents, processedTTLSeconds()).Int64()
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache init_limit")
	}
	return res == 1, nil
}

func (c *RedisCache) Reserve(ctx context.Context, account, period string, cents int64) (*ReserveResult, error) {
	res, err := reserveScript.Run(ctx, c.client,
		[]string{limitKey(account), reservedKey(account, period), committedKey(account, period)},
		cents).Int64Slice()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache reserve")
	}
	if len(res) != 2 {
		return nil, apperr.New(apperr.KindInternal, "reserve script returned %d values", len(res))
	}
	return &ReserveResult{OK: res[0] == 1, ShortfallCents: res[1]}, nil
}

func (c *RedisCache) Finalize(ctx context.Context, account, period string, reservedCents, actualCents int64, mode, idemKey string) (*FinalizeResult, error) {
	res, err := finalizeScript.Run(ctx, c.client,
		[]string{
			limitKey(account),
			reservedKey(account, period),
			committedKey(account, period),
			processedKey(idemKey),
		},
		reservedCents, actualCents, mode, processedTTLSeconds()).Int64Slice()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache finalize")
	}
	if len(res) != 2 {
		return nil, apperr.New(apperr.KindInternal, "finalize script returned %d values", len(res))
	}
	return &FinalizeResult{Applied: res[0] == 1, OverrunCents: res[1]}, nil
}

func (c *RedisCache) Cancel(ctx context.Context, account, period string, cents int64, idemKey string) (bool, error) {
	res, err := cancelScript.Run(ctx, c.client,
		[]string{reservedKey(account, period), processedKey(idemKey)},
		cents, processedTTLSeconds()).Int64()
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache cancel")
	}
	return res == 1, nil
}

func (c *RedisCache) CreditBack(ctx context.Context, account string, cents int64, idemKey string) (bool, error) {
	res, err := incrLimitScript.Run(ctx, c.client,
		[]string{limitKey(account), processedKey(idemKey)},
		cents, processedTTLSeconds()).Int64()
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache credit_back")
	}
	return res == 1, nil
}

func (c *RedisCache) LimitCents(ctx context.Context, account string) (int64, error) {
	return c.getInt(ctx, limitKey(account))
}

func (c *RedisCache) ReservedCents(ctx context.Context, account, period string) (int64, error) {
	return c.getInt(ctx, reservedKey(account, period))
}

func (c *RedisCache) CommittedCents(ctx context.Context, account, period string) (int64, error) {
	return c.getInt(ctx, committedKey(account, period))
}

func (c *RedisCache) getInt(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindDependencyUnavailable, "cache read")
	}
	return v, nil
}

var _ Cache = (*RedisCache)(nil)
