package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "exchange:rl:"

// fixedWindow returns {allowed, pttl}.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

// Redis is a fixed-window limiter shared by every exchange replica.
type Redis struct {
	client redis.UniversalClient
	limit  int
	span   time.Duration
	prefix string
}

func NewRedis(client redis.UniversalClient, limit int, span time.Duration, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, limit: limit, span: span, prefix: prefix}
}

func (r *Redis) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	spanMS := r.span.Milliseconds()
	if spanMS <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window %s", r.span)
	}

	res, err := fixedWindow.Run(ctx, r.client, []string{r.prefix + key}, r.limit, spanMS).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, max(time.Duration(res[1])*time.Millisecond, 0), nil
}
