package metrics

import (
	"sort"
	"sync"
	"time"

	"stockagg/internal/breaker"
	"stockagg/internal/normalize"
)

// Outcome classifies one source call as seen by the engine.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// SourceStats is a copy of the counters for one source.
type SourceStats struct {
	Source    string
	Calls     int64
	Successes int64
	Failures  int64
	Rejected  int64
	Latency   Percentiles
	Samples   []time.Duration
	Discards  map[string]int64
}

// SuccessRate is successes over calls, in percent.
func (s SourceStats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Successes) * 100 / float64(s.Calls)
}

// FailureRate is failures over calls, in percent.
func (s SourceStats) FailureRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) * 100 / float64(s.Calls)
}

type sourceStats struct {
	mu        sync.Mutex
	calls     int64
	successes int64
	failures  int64
	rejected  int64
	latency   *latencyRing
	discards  map[string]int64
}

// Recorder keeps per-source counters in memory and mirrors them to Prometheus
// when collectors are attached. Each source has its own lock.
type Recorder struct {
	mu       sync.RWMutex
	sources  map[string]*sourceStats
	capacity int
	prom     *Collectors
}

// NewRecorder builds a Recorder keeping up to capacity latency samples per
// source. prom may be nil.
func NewRecorder(capacity int, prom *Collectors) *Recorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Recorder{sources: make(map[string]*sourceStats), capacity: capacity, prom: prom}
}

func (r *Recorder) statsFor(source string) *sourceStats {
	r.mu.RLock()
	st, ok := r.sources[source]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.sources[source]; ok {
		return st
	}
	st = &sourceStats{latency: newLatencyRing(r.capacity), discards: make(map[string]int64)}
	r.sources[source] = st
	return st
}

// ObserveCall records one source call. Latency is ignored for rejected calls.
func (r *Recorder) ObserveCall(source string, outcome Outcome, latency time.Duration) {
	st := r.statsFor(source)
	st.mu.Lock()
	st.calls++
	switch outcome {
	case OutcomeSuccess:
		st.successes++
		st.latency.record(latency)
	case OutcomeFailure:
		st.failures++
		st.latency.record(latency)
	case OutcomeRejected:
		st.failures++
		st.rejected++
	}
	st.mu.Unlock()

	if r.prom != nil {
		r.prom.SourceCalls.WithLabelValues(source, string(outcome)).Inc()
		if outcome != OutcomeRejected {
			r.prom.SourceLatency.WithLabelValues(source).Observe(latency.Seconds())
		}
	}
}

// ObserveDiscard counts a normalizer drop.
func (r *Recorder) ObserveDiscard(source string, reason normalize.Reason) {
	st := r.statsFor(source)
	st.mu.Lock()
	st.discards[string(reason)]++
	st.mu.Unlock()

	if r.prom != nil {
		r.prom.NormalizeDiscards.WithLabelValues(source, string(reason)).Inc()
	}
}

// ObserveCache counts a cache hit, miss or error.
func (r *Recorder) ObserveCache(result string) {
	if r.prom != nil {
		r.prom.CacheRequests.WithLabelValues(result).Inc()
	}
}

// ObserveLookup counts a completed lookup by status.
func (r *Recorder) ObserveLookup(status string) {
	if r.prom != nil {
		r.prom.Lookups.WithLabelValues(status).Inc()
	}
}

// ObserveRateLimit counts a rate limiter decision.
func (r *Recorder) ObserveRateLimit(decision string) {
	if r.prom != nil {
		r.prom.RateLimit.WithLabelValues(decision).Inc()
	}
}

// SetBreakerState exports the current breaker state of source.
func (r *Recorder) SetBreakerState(source string, state breaker.State) {
	if r.prom != nil {
		r.prom.BreakerState.WithLabelValues(source).Set(float64(state))
	}
}

// Snapshot copies the counters of every known source, sorted by name.
func (r *Recorder) Snapshot() []SourceStats {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]SourceStats, 0, len(names))
	for _, name := range names {
		out = append(out, r.Source(name))
	}
	return out
}

// Source copies the counters of one source.
func (r *Recorder) Source(source string) SourceStats {
	st := r.statsFor(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	samples := st.latency.ordered()
	discards := make(map[string]int64, len(st.discards))
	for k, v := range st.discards {
		discards[k] = v
	}
	return SourceStats{
		Source:    source,
		Calls:     st.calls,
		Successes: st.successes,
		Failures:  st.failures,
		Rejected:  st.rejected,
		Latency:   summarise(samples),
		Samples:   samples,
		Discards:  discards,
	}
}

// Reset zeroes the in-memory counters. Prometheus series are cumulative and
// are left alone.
func (r *Recorder) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.sources {
		st.mu.Lock()
		st.calls, st.successes, st.failures, st.rejected = 0, 0, 0, 0
		st.latency.reset()
		st.discards = make(map[string]int64)
		st.mu.Unlock()
	}
}

var _ normalize.DiscardObserver = (*Recorder)(nil)
