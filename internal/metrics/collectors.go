package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are the Prometheus series exported by the aggregator.
type Collectors struct {
	SourceCalls       *prometheus.CounterVec   // labels: source, outcome
	SourceLatency     *prometheus.HistogramVec // labels: source
	BreakerState      *prometheus.GaugeVec     // labels: source; 0=closed 1=open 2=half-open
	NormalizeDiscards *prometheus.CounterVec   // labels: source, reason
	CacheRequests     *prometheus.CounterVec   // labels: result
	Lookups           *prometheus.CounterVec   // labels: status
	RateLimit         *prometheus.CounterVec   // labels: decision
}

// NewCollectors creates and registers all series on reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		SourceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockagg_source_calls_total",
			Help: "Source call attempts by outcome",
		}, []string{"source", "outcome"}),
		SourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockagg_source_latency_seconds",
			Help:    "Latency of completed source calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		}, []string{"source"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockagg_breaker_state",
			Help: "Circuit breaker state per source (0=closed, 1=open, 2=half-open)",
		}, []string{"source"}),
		NormalizeDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockagg_normalizer_discards_total",
			Help: "Raw records dropped by the normalizer",
		}, []string{"source", "reason"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockagg_cache_requests_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockagg_lookups_total",
			Help: "Completed lookups by decision status",
		}, []string{"status"}),
		RateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockagg_rate_limit_decisions_total",
			Help: "Rate limiter decisions",
		}, []string{"decision"}),
	}

	for _, col := range []prometheus.Collector{
		c.SourceCalls, c.SourceLatency, c.BreakerState, c.NormalizeDiscards,
		c.CacheRequests, c.Lookups, c.RateLimit,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
