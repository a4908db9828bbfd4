package service

import (
	"sort"
	"sync"
)

// Popularity counts lookups per product key. Counts are halved on every Decay
// so keys that stop being requested fall out of the top list.
type Popularity struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewPopularity returns an empty tracker.
func NewPopularity() *Popularity {
	return &Popularity{counts: make(map[string]int64)}
}

// RecordLookup counts one request for key.
func (p *Popularity) RecordLookup(key string) {
	p.mu.Lock()
	p.counts[key]++
	p.mu.Unlock()
}

// Top returns up to n keys, most requested first. Ties sort by key.
func (p *Popularity) Top(n int) []string {
	if n <= 0 {
		return nil
	}
	type entry struct {
		key   string
		count int64
	}

	p.mu.Lock()
	entries := make([]entry, 0, len(p.counts))
	for k, c := range p.counts {
		entries = append(entries, entry{k, c})
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

// Count returns the current weight of key.
func (p *Popularity) Count(key string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key]
}

// Decay halves every count and forgets keys that reach zero.
func (p *Popularity) Decay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.counts {
		if c /= 2; c == 0 {
			delete(p.counts, k)
			continue
		}
		p.counts[k] = c
	}
}

// Len reports how many keys are tracked.
func (p *Popularity) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counts)
}
