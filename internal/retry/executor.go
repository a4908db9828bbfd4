package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockagg/internal/breaker"
)

// ErrAttemptTimeout marks an attempt abandoned after the per-call timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Gate is the breaker contract consulted around every attempt.
type Gate interface {
	Allow() bool
	OnSuccess()
	OnFailure()
}

// AttemptObserver is optionally implemented by a Gate that wants the elapsed
// time and result of each attempt it admitted.
type AttemptObserver interface {
	ObserveAttempt(elapsed time.Duration, err error)
}

// Options parameterise the executor.
type Options struct {
	Attempts  int
	Timeout   time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ExhaustedError is the terminal error for a call whose attempts all failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor wraps calls with a timeout, bounded retries and exponential backoff.
type Executor struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs an Executor, filling unset options with production defaults.
func New(opts Options, logger zerolog.Logger) *Executor {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Second
	}
	return &Executor{opts: opts, logger: logger.With().Str("component", "retry").Logger()}
}

// Options returns the effective options.
func (e *Executor) Options() Options { return e.opts }

// Backoff returns the delay slept before the given attempt (attempt >= 2).
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := e.opts.BaseDelay << (attempt - 2)
	if delay <= 0 || delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}
	return delay
}

// MaxElapsed bounds the wall time of a fully failing call.
func (e *Executor) MaxElapsed() time.Duration {
	total := time.Duration(e.opts.Attempts) * e.opts.Timeout
	for attempt := 2; attempt <= e.opts.Attempts; attempt++ {
		total += e.Backoff(attempt)
	}
	return total
}

// Execute runs fn through gate with the retry policy.
func (e *Executor) Execute(ctx context.Context, gate Gate, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, gate, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	value T
	err   error
}

// Do runs call through gate with the executor's policy and returns its value.
// Each attempt runs in its own goroutine so a call that ignores its context is
// still abandoned at the timeout; its eventual result is discarded.
func Do[T any](ctx context.Context, e *Executor, gate Gate, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	observer, _ := gate.(AttemptObserver)

	for attempt := 1; attempt <= e.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, e.Backoff(attempt)); err != nil {
				return zero, &ExhaustedError{Attempts: attempt - 1, Last: lastErr}
			}
		}

		if !gate.Allow() {
			if lastErr == nil {
				return zero, breaker.ErrOpen
			}
			return zero, fmt.Errorf("%w (after %d attempts, last: %v)", breaker.ErrOpen, attempt-1, lastErr)
		}

		started := time.Now()
		value, err := runAttempt(ctx, e.opts.Timeout, call)
		if observer != nil {
			observer.ObserveAttempt(time.Since(started), err)
		}
		if err == nil {
			gate.OnSuccess()
			return value, nil
		}

		gate.OnFailure()
		lastErr = err
		e.logger.Debug().Err(err).Int("attempt", attempt).Int("max_attempts", e.opts.Attempts).Msg("attempt failed")

		if ctx.Err() != nil {
			return zero, &ExhaustedError{Attempts: attempt, Last: lastErr}
		}
	}

	return zero, &ExhaustedError{Attempts: e.opts.Attempts, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		value, err := call(callCtx)
		done <- result[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return zero, callCtx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
