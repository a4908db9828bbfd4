package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockagg/internal/breaker"
	"stockagg/internal/cache"
	"stockagg/internal/metrics"
	"stockagg/internal/model"
	"stockagg/internal/normalize"
	"stockagg/internal/retry"
	"stockagg/internal/selector"
	"stockagg/internal/source"
)

// Source is one vendor together with the breaker guarding it.
type Source struct {
	Fetcher source.Fetcher
	Breaker *breaker.CircuitBreaker
}

// LookupObserver is told about every lookup key, cache hits included.
type LookupObserver interface {
	RecordLookup(key string)
}

// Deps are the collaborators of an Engine. Cache and Observer may be nil.
type Deps struct {
	Sources    []Source
	Retry      *retry.Executor
	Normalizer *normalize.Normalizer
	Selector   *selector.Selector
	Cache      cache.Store
	Recorder   *metrics.Recorder
	Observer   LookupObserver
}

// Options tune lookups.
type Options struct {
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Now           func() time.Time
}

// Engine answers lookups by fanning out to every source.
type Engine struct {
	sources    []Source
	retry      *retry.Executor
	normalizer *normalize.Normalizer
	selector   *selector.Selector
	cache      cache.Store
	recorder   *metrics.Recorder
	observer   LookupObserver
	logger     zerolog.Logger

	cacheTTL      time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
}

// New validates deps and builds an Engine.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Engine, error) {
	if len(deps.Sources) == 0 {
		return nil, errors.New("engine: at least one source required")
	}
	seen := make(map[string]struct{}, len(deps.Sources))
	for _, src := range deps.Sources {
		if src.Fetcher == nil || src.Breaker == nil {
			return nil, errors.New("engine: source needs a fetcher and a breaker")
		}
		if _, dup := seen[src.Fetcher.Name()]; dup {
			return nil, fmt.Errorf("engine: duplicate source %q", src.Fetcher.Name())
		}
		seen[src.Fetcher.Name()] = struct{}{}
	}
	if deps.Retry == nil || deps.Normalizer == nil || deps.Selector == nil {
		return nil, errors.New("engine: retry, normalizer and selector are required")
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder(0, nil)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = deps.Retry.MaxElapsed() + 500*time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		sources:       deps.Sources,
		retry:         deps.Retry,
		normalizer:    deps.Normalizer,
		selector:      deps.Selector,
		cache:         deps.Cache,
		recorder:      recorder,
		observer:      deps.Observer,
		logger:        logger.With().Str("component", "engine").Logger(),
		cacheTTL:      opts.CacheTTL,
		lookupTimeout: opts.LookupTimeout,
		now:           now,
	}, nil
}

// Lookup returns the cached decision for key or computes a fresh one.
// The only error is the caller's own context ending first.
func (e *Engine) Lookup(ctx context.Context, key string) (model.Decision, error) {
	logger := e.lookupLogger(key)
	if e.observer != nil {
		e.observer.RecordLookup(key)
	}

	if decision, ok := e.cached(ctx, key, logger); ok {
		return decision, nil
	}
	return e.refresh(ctx, key, logger)
}

// ForceRefresh recomputes key from the sources, bypassing the cache read, and
// stores the result.
func (e *Engine) ForceRefresh(ctx context.Context, key string) (model.Decision, error) {
	logger := e.lookupLogger(key)
	logger.Debug().Msg("forced refresh")
	return e.refresh(ctx, key, logger)
}

func (e *Engine) lookupLogger(key string) zerolog.Logger {
	return e.logger.With().Str("lookup_id", uuid.NewString()).Str("key", key).Logger()
}

func (e *Engine) cached(ctx context.Context, key string, logger zerolog.Logger) (model.Decision, bool) {
	if e.cache == nil {
		return model.Decision{}, false
	}
	decision, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		e.recorder.ObserveCache("error")
		logger.Warn().Err(err).Msg("cache read failed; falling back to live lookup")
		return model.Decision{}, false
	case ok:
		e.recorder.ObserveCache("hit")
		logger.Debug().Str("status", string(decision.Status)).Msg("cache hit")
		return decision, true
	default:
		e.recorder.ObserveCache("miss")
		return model.Decision{}, false
	}
}

func (e *Engine) refresh(ctx context.Context, key string, logger zerolog.Logger) (model.Decision, error) {
	raws, err := e.fanOut(ctx, key, logger)
	if err != nil {
		return model.Decision{}, err
	}

	candidates := e.normalizer.NormalizeAll(raws)
	decision := e.selector.Select(key, candidates, e.now())

	if e.cache != nil {
		if err := e.cache.Put(ctx, key, decision, e.cacheTTL); err != nil {
			e.recorder.ObserveCache("error")
			logger.Warn().Err(err).Msg("cache write failed")
		}
	}
	e.recorder.ObserveLookup(string(decision.Status))

	event := logger.Info().
		Int("responses", len(raws)).
		Int("candidates", len(candidates)).
		Str("status", string(decision.Status))
	if decision.Status == model.StatusAvailable {
		event = event.Str("winner", decision.WinningSource).Str("price", decision.Price.String()).Int64("stock", *decision.Stock)
	}
	event.Msg("lookup decided")

	return decision, nil
}

type branchResult struct {
	source string
	raw    *model.RawRecord
	err    error
}

// fanOut queries every source concurrently and returns the records that
// arrived before the lookup deadline. Branches run detached from the caller so
// an abandoned lookup still reports real outcomes to the breakers.
func (e *Engine) fanOut(ctx context.Context, key string, logger zerolog.Logger) ([]model.RawRecord, error) {
	branchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.lookupTimeout)

	results := make(chan branchResult, len(e.sources))
	for _, src := range e.sources {
		go func(src Source) {
			results <- e.callSource(branchCtx, src, key, logger)
		}(src)
	}

	raws := make([]model.RawRecord, 0, len(e.sources))
	pending := len(e.sources)
collect:
	for pending > 0 {
		select {
		case res := <-results:
			pending--
			if res.err != nil {
				logger.Warn().Err(res.err).Str("source", res.source).Msg("source unavailable for lookup")
				continue
			}
			if res.raw != nil {
				raws = append(raws, *res.raw)
			}
		case <-branchCtx.Done():
			logger.Warn().Int("pending", pending).Dur("deadline", e.lookupTimeout).Msg("lookup deadline reached; deciding with partial results")
			break collect
		case <-ctx.Done():
			logger.Debug().Int("pending", pending).Msg("caller went away")
			// remaining branches finish on their own and then release the deadline
			go e.drain(results, pending, cancel)
			return nil, ctx.Err()
		}
	}
	if pending > 0 {
		go e.drain(results, pending, cancel)
	} else {
		cancel()
	}
	return raws, nil
}

func (e *Engine) drain(results <-chan branchResult, pending int, cancel context.CancelFunc) {
	defer cancel()
	for ; pending > 0; pending-- {
		<-results
	}
}

func (e *Engine) callSource(ctx context.Context, src Source, key string, logger zerolog.Logger) branchResult {
	name := src.Fetcher.Name()
	gate := &observedGate{CircuitBreaker: src.Breaker, name: name, recorder: e.recorder}

	raw, err := retry.Do(ctx, e.retry, gate, func(ctx context.Context) (*model.RawRecord, error) {
		return src.Fetcher.Fetch(ctx, key)
	})
	if errors.Is(err, breaker.ErrOpen) {
		e.recorder.ObserveCall(name, metrics.OutcomeRejected, 0)
		logger.Debug().Str("source", name).Msg("breaker open; source skipped")
	}
	return branchResult{source: name, raw: raw, err: err}
}

// observedGate forwards to the breaker and records each admitted attempt.
type observedGate struct {
	*breaker.CircuitBreaker
	name     string
	recorder *metrics.Recorder
}

func (g *observedGate) ObserveAttempt(elapsed time.Duration, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	g.recorder.ObserveCall(g.name, outcome, elapsed)
}

// SourceReport pairs the counters of a source with its breaker state.
type SourceReport struct {
	metrics.SourceStats
	Breaker breaker.Snapshot
}

// SnapshotMetrics returns per-source latency samples, failure counts and
// breaker state, in configuration order.
func (e *Engine) SnapshotMetrics() []SourceReport {
	out := make([]SourceReport, 0, len(e.sources))
	for _, src := range e.sources {
		out = append(out, SourceReport{
			SourceStats: e.recorder.Source(src.Fetcher.Name()),
			Breaker:     src.Breaker.Snapshot(),
		})
	}
	return out
}

// ResetMetrics clears the in-memory counters after a report.
func (e *Engine) ResetMetrics() {
	e.recorder.Reset()
}

// Breaker returns the breaker of the named source.
func (e *Engine) Breaker(name string) (*breaker.CircuitBreaker, bool) {
	for _, src := range e.sources {
		if src.Fetcher.Name() == name {
			return src.Breaker, true
		}
	}
	return nil, false
}

// SourceNames lists the configured sources in order.
func (e *Engine) SourceNames() []string {
	names := make([]string, 0, len(e.sources))
	for _, src := range e.sources {
		names = append(names, src.Fetcher.Name())
	}
	return names
}
