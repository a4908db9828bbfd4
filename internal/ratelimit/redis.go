package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript keeps one ZSET member per admission scored by its
// millisecond timestamp. Eviction, count and insert run atomically.
// Scores go to redis.call as the strings the caller sent.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[2])
  return {1, limit - count - 1, 0}
end

local retry = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + span - now
end
return {0, 0, retry}
`)

// Redis is a Backend shared by every process pointing at the same server.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis wraps an existing client. now may be nil.
func NewRedis(client goredis.UniversalClient, prefix string, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, prefix: prefix, now: now}
}

// Admit runs the sliding window script for identity.
func (r *Redis) Admit(ctx context.Context, identity string, limit int, span time.Duration) (Result, error) {
	key := r.prefix + "ratelimit:" + identity
	nowMs := r.now().UnixMilli()
	spanMs := span.Milliseconds()

	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(spanMs, 10),
		strconv.Itoa(limit),
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
		strconv.FormatInt(nowMs-spanMs, 10),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, raw)
	}

	allowed, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	retryMs, _ := raw[2].(int64)
	if retryMs < 0 {
		retryMs = 0
	}

	return Result{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		Limit:      limit,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

var _ Backend = (*Redis)(nil)
