package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and consumes atomically.
// KEYS[1] bucket key; ARGV rate/s, capacity, cost, now (seconds).
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

const keyPrefix = "checkout-relay:ratelimit:"

var errBadScriptReply = errors.New("ratelimit: unexpected script reply")

// RedisOptions configures the shared limiter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis shares token buckets across replicas.
type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
	now    func() time.Time
}

func NewRedis(opts RedisOptions, rps float64, burst int) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	}), rps, burst)
}

func NewRedisWithClient(c *redis.Client, rps float64, burst int) *Redis {
	if c == nil {
		panic("nil redis client")
	}
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Redis{client: c, rps: rps, burst: burst, now: time.Now}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6

	res, err := tokenBucket.Run(ctx, r.client, []string{keyPrefix + key}, r.rps, r.burst, 1, now).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, errBadScriptReply
		}
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Close() error { return r.client.Close() }
