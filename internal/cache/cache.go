package cache

import (
	"context"
	"errors"
	"time"

	"stockagg/internal/model"
)

// DefaultTTL is how long a Decision is served from cache.
const DefaultTTL = 2 * time.Minute

// ErrUnavailable wraps backend failures so callers can degrade to a live lookup.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store caches decisions per product key. Put overwrites any previous entry and
// OUT_OF_STOCK decisions are cached like any other.
type Store interface {
	Get(ctx context.Context, key string) (model.Decision, bool, error)
	Put(ctx context.Context, key string, decision model.Decision, ttl time.Duration) error
}

// ProductKey is the namespaced key decisions are stored under.
func ProductKey(key string) string {
	return "product:" + key
}
