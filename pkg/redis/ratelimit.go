package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/promokit/pkg/ratelimiter"
)

// Refills and takes in one round trip. Times are unix milliseconds. A
// request that cannot be served leaves the bucket as it was.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "last")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end

if now > last then
	local intervals = math.floor((now - last) / interval)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals * rate)
		last = last + intervals * interval
	end
end

local left = tokens - cost
if left >= 0 then
	tokens = left
end

if tokens >= capacity then
	redis.call("DEL", KEYS[1])
else
	redis.call("HSET", KEYS[1], "tokens", tokens, "last", last)
	redis.call("PEXPIRE", KEYS[1], math.ceil((capacity - tokens) / rate) * interval + interval)
end
return {left, last + interval}
`)

// RateLimitStore implements ratelimiter.Store on a redis hash per key, so
// all replicas share one bucket.
type RateLimitStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ ratelimiter.Store = (*RateLimitStore)(nil)

func NewRateLimitStore(client redis.UniversalClient, prefix string) *RateLimitStore {
	return &RateLimitStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RateLimitStore) Take(ctx context.Context, key string, tokens int, cfg ratelimiter.Config) (int, time.Time, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		cfg.Capacity, cfg.RefillRate, cfg.RefillInterval.Milliseconds(), tokens, s.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
