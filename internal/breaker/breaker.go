package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers when a breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // calls pass through
	StateOpen     State = 1 // calls rejected until the cooldown elapses
	StateHalfOpen State = 2 // a single probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc observes transitions. It runs after the breaker lock is released.
type StateChangeFunc func(name string, from, to State, snap Snapshot)

// Options tune breaker behaviour.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	OnStateChange    StateChangeFunc
	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	CooldownRemaining   time.Duration
}

// CircuitBreaker gates calls to one source. After FailureThreshold consecutive
// failures it opens and rejects calls for Cooldown. The first Allow after the
// cooldown moves it to half-open and admits exactly one probe; the probe's
// outcome closes or re-opens it.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	notify    StateChangeFunc
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker for the named source.
func New(name string, opts Options) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		panic("breaker failure threshold must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:      name,
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		notify:    opts.OnStateChange,
		now:       now,
		state:     StateClosed,
	}
}

// Name returns the source the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var change *transition
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			change = cb.transition(StateHalfOpen)
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}

	cb.mu.Unlock()
	cb.emit(change)
	return allowed
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	var change *transition

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.probing = false
		cb.openedAt = time.Time{}
		change = cb.transition(StateClosed)
	case StateOpen:
		// late completion of a call admitted before the breaker opened
	}

	cb.mu.Unlock()
	cb.emit(change)
}

// OnFailure records a failed call.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	var change *transition

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			change = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.probing = false
		cb.openedAt = cb.now()
		change = cb.transition(StateOpen)
	case StateOpen:
		// already open; the cooldown window is not extended by stragglers
	}

	cb.mu.Unlock()
	cb.emit(change)
}

// Snapshot returns the current breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// CurrentState returns the current state only.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to CLOSED with a clean failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	cb.openedAt = time.Time{}
	change := cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.emit(change)
}

type transition struct {
	from, to State
	snap     Snapshot
}

func (cb *CircuitBreaker) transition(to State) *transition {
	from := cb.state
	cb.state = to
	if from == to {
		return nil
	}
	return &transition{from: from, to: to, snap: cb.snapshotLocked()}
}

func (cb *CircuitBreaker) emit(t *transition) {
	if t == nil || cb.notify == nil {
		return
	}
	cb.notify(cb.name, t.from, t.to, t.snap)
}

func (cb *CircuitBreaker) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
	}
	if cb.state == StateOpen {
		if remaining := cb.cooldown - cb.now().Sub(cb.openedAt); remaining > 0 {
			snap.CooldownRemaining = remaining
		}
	}
	return snap
}
