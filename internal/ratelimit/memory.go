package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// window is the admission log of one identity, oldest first.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// retired is set once Sweep has unlinked the window from its shard.
	retired bool
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Memory is an in-process Backend holding an exact timestamp log per identity.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemory builds an empty backend. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	m := &Memory{now: now}
	for i := range m.shards {
		m.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return m
}

func (m *Memory) windowFor(identity string) *window {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	sh := m.shards[h.Sum32()%shardCount]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[identity]
	if !ok {
		w = &window{}
		sh.windows[identity] = w
	}
	return w
}

// Admit evicts entries at least span old, then admits if fewer than limit remain.
func (m *Memory) Admit(_ context.Context, identity string, limit int, span time.Duration) (Result, error) {
	w := m.windowFor(identity)
	w.mu.Lock()
	for w.retired {
		w.mu.Unlock()
		w = m.windowFor(identity)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	now := m.now()
	w.evict(now, span)

	if len(w.stamps) >= limit {
		retry := w.stamps[0].Add(span).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: retry}, nil
	}

	w.stamps = append(w.stamps, now)
	return Result{Allowed: true, Remaining: limit - len(w.stamps), Limit: limit}, nil
}

func (w *window) evict(now time.Time, span time.Duration) {
	keep := 0
	for keep < len(w.stamps) && now.Sub(w.stamps[keep]) >= span {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}
}

// Sweep forgets identities whose log has fully aged out.
func (m *Memory) Sweep(span time.Duration) int {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for identity, w := range sh.windows {
			w.mu.Lock()
			w.evict(now, span)
			empty := len(w.stamps) == 0
			if empty {
				w.retired = true
			}
			w.mu.Unlock()
			if empty {
				delete(sh.windows, identity)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

var _ Backend = (*Memory)(nil)
