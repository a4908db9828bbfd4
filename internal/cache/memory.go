package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"stockagg/internal/model"
)

const shardCount = 32

type entry struct {
	decision  model.Decision
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Memory is an in-process Store. Keys are spread over shards so writers to
// different keys rarely contend.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemory builds an empty in-memory store. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	m := &Memory{now: now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the live entry for key. Expired entries are reported as misses.
func (m *Memory) Get(_ context.Context, key string) (model.Decision, bool, error) {
	sh := m.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return model.Decision{}, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		sh.mu.Lock()
		if cur, still := sh.entries[key]; still && !m.now().Before(cur.expiresAt) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return model.Decision{}, false, nil
	}
	return e.decision, true, nil
}

// Put stores decision under key for ttl.
func (m *Memory) Put(_ context.Context, key string, decision model.Decision, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sh := m.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = entry{decision: decision, expiresAt: m.now().Add(ttl)}
	sh.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included until swept.
func (m *Memory) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !now.Before(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

var _ Store = (*Memory)(nil)
