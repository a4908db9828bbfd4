package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockagg/internal/engine"
	"stockagg/internal/model"
	"stockagg/internal/scheduler"
	"stockagg/internal/storage"
)

// Engine is what the maintenance job needs from the aggregation engine.
type Engine interface {
	ForceRefresh(ctx context.Context, key string) (model.Decision, error)
	SnapshotMetrics() []engine.SourceReport
	ResetMetrics()
}

// Options tune the maintenance job.
type Options struct {
	PrewarmTopN int
	LockKey     int64
	// PinnedKeys are prewarmed on every tick in addition to the popular ones.
	PinnedKeys []string
}

// PrewarmSummary counts the outcome of one prewarm pass.
type PrewarmSummary struct {
	Requested  int
	Available  int
	OutOfStock int
	Failed     int
}

// Service runs the periodic job: prewarm popular keys, log the vendor
// performance report, reset counters, decay popularity.
type Service struct {
	scheduler  *scheduler.Scheduler
	engine     Engine
	popularity *Popularity
	locker     storage.AdvisoryLocker
	lockKey    int64
	topN       int
	pinned     []string
	logger     zerolog.Logger
}

// New constructs the maintenance service. locker may be nil, in which case
// every replica runs the job.
func New(sched *scheduler.Scheduler, eng Engine, popularity *Popularity, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if popularity == nil {
		popularity = NewPopularity()
	}
	return &Service{
		scheduler:  sched,
		engine:     eng,
		popularity: popularity,
		locker:     locker,
		lockKey:    opts.LockKey,
		topN:       opts.PrewarmTopN,
		pinned:     opts.PinnedKeys,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned maintenance loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的维护任务。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	summary := s.Prewarm(ctx)
	s.logger.Info().Time("bucket", bucket).
		Int("requested", summary.Requested).
		Int("available", summary.Available).
		Int("out_of_stock", summary.OutOfStock).
		Int("failed", summary.Failed).
		Msg("cache prewarm complete")

	s.Report(bucket)
	s.engine.ResetMetrics()
	s.popularity.Decay()
	return nil
}

// Prewarm force-refreshes the pinned and most requested keys, one at a time.
func (s *Service) Prewarm(ctx context.Context) PrewarmSummary {
	keys := s.prewarmKeys()
	summary := PrewarmSummary{Requested: len(keys)}
	if len(keys) == 0 {
		s.logger.Info().Msg("no popular keys to prewarm")
		return summary
	}

	for _, key := range keys {
		decision, err := s.engine.ForceRefresh(ctx, key)
		switch {
		case err != nil:
			summary.Failed++
			s.logger.Error().Err(err).Str("key", key).Msg("prewarm failed")
			if ctx.Err() != nil {
				return summary
			}
		case decision.Status == model.StatusAvailable:
			summary.Available++
		default:
			summary.OutOfStock++
		}
	}
	return summary
}

func (s *Service) prewarmKeys() []string {
	keys := make([]string, 0, len(s.pinned)+s.topN)
	seen := make(map[string]struct{}, cap(keys))
	for _, key := range append(append([]string(nil), s.pinned...), s.popularity.Top(s.topN)...) {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Report logs the per-source performance counters for the period ending at bucket.
func (s *Service) Report(bucket time.Time) []engine.SourceReport {
	reports := s.engine.SnapshotMetrics()
	for _, r := range reports {
		event := s.logger.Info().Time("bucket", bucket).
			Str("source", r.Source).
			Str("breaker", r.Breaker.State.String()).
			Int("consecutive_failures", r.Breaker.ConsecutiveFailures)
		if r.Calls == 0 {
			event.Msg("vendor performance: no calls in this period")
			continue
		}
		event.
			Int64("calls", r.Calls).
			Int64("successes", r.Successes).
			Int64("failures", r.Failures).
			Int64("rejected", r.Rejected).
			Str("success_pct", fmt.Sprintf("%.1f", r.SuccessRate())).
			Str("failure_pct", fmt.Sprintf("%.1f", r.FailureRate())).
			Dur("avg", r.Latency.Avg).
			Dur("p50", r.Latency.P50).
			Dur("p95", r.Latency.P95).
			Dur("p99", r.Latency.P99).
			Interface("discards", r.Discards).
			Msg("vendor performance")
	}
	return reports
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
