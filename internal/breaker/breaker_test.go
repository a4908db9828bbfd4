package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return New("VendorA", Options{FailureThreshold: 3, Cooldown: 30 * time.Second, Now: clock.Now})
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", cb.CurrentState())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow calls")
	}
}

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	cb.OnFailure()
	cb.OnFailure()
	if cb.CurrentState() != StateClosed {
		t.Fatalf("two failures must not trip, got %v", cb.CurrentState())
	}
	cb.OnFailure()

	snap := cb.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %v", snap.State)
	}
	if !snap.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("opened_at should be recorded, got %v", snap.OpenedAt)
	}
	if snap.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", snap.ConsecutiveFailures)
	}

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker must reject calls before the cooldown elapses")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	cb.OnFailure()
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	cb.OnFailure()

	if cb.CurrentState() != StateClosed {
		t.Fatalf("counter should reset on success, got %v", cb.CurrentState())
	}
	if got := cb.Snapshot().ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 failures after reset, got %d", got)
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}

	clock.Advance(30 * time.Second)
	if !cb.Allow() {
		t.Fatal("first Allow after cooldown must admit the probe")
	}
	if cb.CurrentState() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", cb.CurrentState())
	}
	if cb.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	cb.OnSuccess()
	snap := cb.Snapshot()
	if snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected CLOSED/0 after probe success, got %v/%d", snap.State, snap.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}

	clock.Advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe should be admitted")
	}
	cb.OnFailure()

	snap := cb.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %v", snap.State)
	}
	if !snap.OpenedAt.Equal(clock.Now()) {
		t.Fatal("failed probe must start a fresh cooldown window")
	}
	if snap.ConsecutiveFailures != 3 {
		t.Fatalf("failure count should stay at threshold, got %d", snap.ConsecutiveFailures)
	}

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("fresh window must reject for another 30s")
	}
	clock.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("probe should be admitted after the fresh window")
	}
}

func TestBreakerStragglersDoNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	opened := cb.Snapshot().OpenedAt

	clock.Advance(10 * time.Second)
	cb.OnFailure()
	cb.OnSuccess()

	snap := cb.Snapshot()
	if snap.State != StateOpen || !snap.OpenedAt.Equal(opened) {
		t.Fatalf("late completions must not alter an open breaker: %+v", snap)
	}
	if snap.CooldownRemaining != 20*time.Second {
		t.Fatalf("expected 20s cooldown remaining, got %v", snap.CooldownRemaining)
	}
}

func TestBreakerConcurrentProbeAdmitsOne(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	clock.Advance(30 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("expected exactly one probe, got %d", admitted.Load())
	}
}

func TestBreakerOnStateChange(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []State
	cb := New("VendorB", Options{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State, snap Snapshot) {
			if name != "VendorB" {
				t.Errorf("unexpected breaker name %q", name)
			}
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})

	cb.OnFailure()
	clock.Advance(time.Second)
	cb.Allow()
	cb.OnSuccess()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %v", transitions)
	}
	if transitions[0] != StateOpen || transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Fatalf("expected [OPEN HALF_OPEN CLOSED], got %v", transitions)
	}
}

func TestBreakerReset(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	for i := 0; i < 3; i++ {
		cb.OnFailure()
	}
	cb.Reset()
	if snap := cb.Snapshot(); snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("reset should close the breaker, got %+v", snap)
	}
}
