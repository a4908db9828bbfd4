package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrStoreUnavailable marks a backend that could not answer.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
	// ErrEmptyIdentity rejects admissions without a caller identity.
	ErrEmptyIdentity = errors.New("ratelimit: identity required")
)

// FailurePolicy decides what happens when the backend is down.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

// ParsePolicy maps a config string onto a policy.
func ParsePolicy(v string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown rate limit failure policy %q", v)
	}
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	// RetryAfter is how long until the oldest admission leaves the window.
	RetryAfter time.Duration
	// Degraded is set when the backend failed and the policy answered instead.
	Degraded bool
}

// Backend keeps the per-identity timestamp log.
type Backend interface {
	Admit(ctx context.Context, identity string, limit int, window time.Duration) (Result, error)
}

// Observer counts decisions.
type Observer interface {
	ObserveRateLimit(decision string)
}

// Options tune the limiter.
type Options struct {
	Limit  int
	Window time.Duration
	Policy FailurePolicy
}

// Limiter applies a sliding window per identity on top of a Backend.
type Limiter struct {
	backend  Backend
	limit    int
	window   time.Duration
	policy   FailurePolicy
	observer Observer
	logger   zerolog.Logger
}

// New builds a Limiter. observer may be nil.
func New(backend Backend, opts Options, observer Observer, logger zerolog.Logger) *Limiter {
	if opts.Limit <= 0 {
		opts.Limit = 60
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	return &Limiter{
		backend:  backend,
		limit:    opts.Limit,
		window:   opts.Window,
		policy:   opts.Policy,
		observer: observer,
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Limit returns the configured admissions per window.
func (l *Limiter) Limit() int { return l.limit }

// Admit records an attempt for identity and reports whether it may proceed.
// Backend failures never surface as errors; the failure policy answers instead.
func (l *Limiter) Admit(ctx context.Context, identity string) (Result, error) {
	if strings.TrimSpace(identity) == "" {
		return Result{}, ErrEmptyIdentity
	}

	res, err := l.backend.Admit(ctx, identity, l.limit, l.window)
	if err != nil {
		res = l.degrade()
		l.logger.Warn().Err(err).
			Str("identity", identity).
			Str("policy", string(l.policy)).
			Msg("rate limit store unavailable; applying failure policy")
		l.observe("degraded_" + string(l.policy))
		return res, nil
	}

	if res.Allowed {
		l.observe("allowed")
	} else {
		l.observe("denied")
		l.logger.Debug().Str("identity", identity).Dur("retry_after", res.RetryAfter).Msg("rate limit exceeded")
	}
	return res, nil
}

func (l *Limiter) degrade() Result {
	if l.policy == FailClosed {
		return Result{Allowed: false, Remaining: 0, Limit: l.limit, RetryAfter: l.window, Degraded: true}
	}
	return Result{Allowed: true, Remaining: l.limit, Limit: l.limit, Degraded: true}
}

func (l *Limiter) observe(decision string) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(decision)
	}
}
