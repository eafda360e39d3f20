package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per key with request timestamps
// (milliseconds) as scores. It trims expired entries, then either records the
// request or reports when the oldest entry expires.
//
// KEYS[1] window key; ARGV: now ms, window ms, limit, unique member.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, 0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

// DefaultRedisPrefix namespaces window keys.
const DefaultRedisPrefix = "acquisitions:admission:"

// RedisWindow is a sliding log shared by every replica using the same Redis.
// Each hit is evaluated atomically by a Lua script.
type RedisWindow struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisWindow creates a Redis-backed window. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisWindow(client redis.Scripter, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisWindow{client: client, prefix: prefix, now: time.Now}
}

// Hit records a request for key if the window has room.
func (w *RedisWindow) Hit(ctx context.Context, key string, limit int, window time.Duration) (Hit, error) {
	now := w.now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, w.client,
		[]string{w.prefix + key},
		now,
		window.Milliseconds(),
		limit,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Hit{}, fmt.Errorf("evaluate sliding window: %w", err)
	}
	if len(res) != 3 {
		return Hit{}, fmt.Errorf("unexpected sliding window reply: %v", res)
	}

	return Hit{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
