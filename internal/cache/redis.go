package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stockagg/internal/model"
)

// Redis stores decisions as JSON strings with a native expiry.
type Redis struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. prefix is prepended to every key.
func NewRedis(client goredis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) redisKey(key string) string {
	return r.prefix + ProductKey(key)
}

// Get loads the decision for key. A missing key is a miss, not an error.
func (r *Redis) Get(ctx context.Context, key string) (model.Decision, bool, error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Decision{}, false, nil
	}
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	var decision model.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return model.Decision{}, false, fmt.Errorf("decode cached decision %s: %w", key, err)
	}
	return decision, true, nil
}

// Put writes decision with SET EX semantics.
func (r *Redis) Put(ctx context.Context, key string, decision model.Decision, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

var _ Store = (*Redis)(nil)
