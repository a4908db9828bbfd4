package metrics

import (
	"math"
	"sort"
	"time"
)

// latencyRing keeps the most recent samples in a circular buffer.
// Callers hold the owning sourceStats lock.
type latencyRing struct {
	samples []time.Duration
	pos     int
	count   int
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &latencyRing{samples: make([]time.Duration, capacity)}
}

func (r *latencyRing) record(d time.Duration) {
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// ordered returns the samples oldest first.
func (r *latencyRing) ordered() []time.Duration {
	out := make([]time.Duration, r.count)
	if r.count == len(r.samples) {
		n := copy(out, r.samples[r.pos:])
		copy(out[n:], r.samples[:r.pos])
	} else {
		copy(out, r.samples[:r.count])
	}
	return out
}

func (r *latencyRing) reset() {
	r.pos = 0
	r.count = 0
}

// Percentiles summarises a sample set.
type Percentiles struct {
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

func summarise(samples []time.Duration) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, s := range sorted {
		total += s
	}
	return Percentiles{
		Avg: total / time.Duration(len(sorted)),
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-frac) + float64(sorted[upper])*frac)
}
