package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type countingObserver struct {
	mu        sync.Mutex
	decisions map[string]int
}

func (o *countingObserver) ObserveRateLimit(decision string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decisions == nil {
		o.decisions = make(map[string]int)
	}
	o.decisions[decision]++
}

// exerciseSlidingWindow admits 60 requests 100ms apart, expects the 61st to be
// denied, then checks that exactly one slot reopens when the first ages out.
func exerciseSlidingWindow(t *testing.T, limiter *Limiter, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		clock.Set(t0.Add(time.Duration(i) * 100 * time.Millisecond))
		res, err := limiter.Admit(ctx, "api-key-1")
		if err != nil {
			t.Fatalf("第 %d 次请求出错: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("第 %d 次请求应放行", i+1)
		}
		if res.Remaining != 59-i || res.Limit != 60 {
			t.Fatalf("第 %d 次请求 remaining/limit 应为 %d/60, 实际 %d/%d", i+1, 59-i, res.Remaining, res.Limit)
		}
	}

	clock.Set(t0.Add(6 * time.Second))
	res, err := limiter.Admit(ctx, "api-key-1")
	if err != nil || res.Allowed || res.Remaining != 0 {
		t.Fatalf("第 61 次请求应被拒绝: %+v err=%v", res, err)
	}
	if res.RetryAfter != 54*time.Second {
		t.Fatalf("retry_after 应为 54s, 实际 %v", res.RetryAfter)
	}

	if res, _ := limiter.Admit(ctx, "api-key-2"); !res.Allowed {
		t.Fatal("不同身份应互不影响")
	}

	clock.Set(t0.Add(60 * time.Second))
	if res, _ := limiter.Admit(ctx, "api-key-1"); !res.Allowed {
		t.Fatal("最早一条过期后应恰好释放一个名额")
	}
	if res, _ := limiter.Admit(ctx, "api-key-1"); res.Allowed {
		t.Fatal("只应释放一个名额")
	}
}

func TestMemorySlidingWindow(t *testing.T) {
	clock := &fakeClock{now: t0}
	limiter := New(NewMemory(clock.Now), Options{Limit: 60, Window: time.Minute}, nil, zerolog.Nop())
	exerciseSlidingWindow(t, limiter, clock)
}

func TestRedisSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := &fakeClock{now: t0}
	limiter := New(NewRedis(client, "stockagg:", clock.Now), Options{Limit: 60, Window: time.Minute}, nil, zerolog.Nop())
	exerciseSlidingWindow(t, limiter, clock)

	if !mr.Exists("stockagg:ratelimit:api-key-1") {
		t.Fatal("应使用 prefix + ratelimit:{identity} 作为键")
	}
}

func TestMemoryConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	clock := &fakeClock{now: t0}
	limiter := New(NewMemory(clock.Now), Options{Limit: 60, Window: time.Minute}, nil, zerolog.Nop())

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Admit(context.Background(), "shared")
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 60 {
		t.Fatalf("并发下应恰好放行 60 次, 实际 %d", allowed.Load())
	}
}

func TestMemorySweepForgetsIdleIdentities(t *testing.T) {
	clock := &fakeClock{now: t0}
	backend := NewMemory(clock.Now)
	limiter := New(backend, Options{Limit: 2, Window: time.Minute}, nil, zerolog.Nop())

	_, _ = limiter.Admit(context.Background(), "a")
	_, _ = limiter.Admit(context.Background(), "b")

	clock.Set(t0.Add(time.Minute))
	if removed := backend.Sweep(time.Minute); removed != 2 {
		t.Fatalf("应清理 2 个空闲身份, 实际 %d", removed)
	}
	if res, _ := limiter.Admit(context.Background(), "a"); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("清理后应重新计数, 实际 %+v", res)
	}
}

type brokenBackend struct{}

func (brokenBackend) Admit(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, ErrStoreUnavailable
}

func TestFailurePolicies(t *testing.T) {
	obs := &countingObserver{}
	open := New(brokenBackend{}, Options{Limit: 60, Window: time.Minute, Policy: FailOpen}, obs, zerolog.Nop())
	res, err := open.Admit(context.Background(), "k")
	if err != nil || !res.Allowed || !res.Degraded || res.Remaining != 60 {
		t.Fatalf("fail-open 应放行并标记降级: %+v err=%v", res, err)
	}

	closed := New(brokenBackend{}, Options{Limit: 60, Window: time.Minute, Policy: FailClosed}, obs, zerolog.Nop())
	res, err = closed.Admit(context.Background(), "k")
	if err != nil || res.Allowed || !res.Degraded || res.RetryAfter != time.Minute {
		t.Fatalf("fail-closed 应拒绝并标记降级: %+v err=%v", res, err)
	}

	if obs.decisions["degraded_open"] != 1 || obs.decisions["degraded_closed"] != 1 {
		t.Fatalf("降级决策应被计数, 实际 %v", obs.decisions)
	}
}

func TestRedisDownFallsBackToPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	backend := NewRedis(client, "", nil)
	if _, err := backend.Admit(context.Background(), "k", 60, time.Minute); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("redis 不可用应返回 ErrStoreUnavailable, 实际 %v", err)
	}

	limiter := New(backend, Options{Policy: FailOpen}, nil, zerolog.Nop())
	if res, err := limiter.Admit(context.Background(), "k"); err != nil || !res.Allowed || !res.Degraded {
		t.Fatalf("应按 fail-open 放行, 实际 %+v err=%v", res, err)
	}
}

func TestAdmitRejectsEmptyIdentity(t *testing.T) {
	limiter := New(NewMemory(nil), Options{}, nil, zerolog.Nop())
	if _, err := limiter.Admit(context.Background(), "  "); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("空身份应报错, 实际 %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("CLOSED"); err != nil || p != FailClosed {
		t.Fatalf("应解析为 closed, 实际 %v %v", p, err)
	}
	if p, _ := ParsePolicy(""); p != FailOpen {
		t.Fatal("默认应为 open")
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("未知策略应报错")
	}
}
