package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stockagg/internal/breaker"
	"stockagg/internal/engine"
	"stockagg/internal/metrics"
	"stockagg/internal/model"
)

type fakeEngine struct {
	mu        sync.Mutex
	refreshed []string
	resets    int
	failing   map[string]bool
	missing   map[string]bool
}

func (f *fakeEngine) ForceRefresh(_ context.Context, key string) (model.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, key)
	if f.failing[key] {
		return model.Decision{}, errors.New("boom")
	}
	if f.missing[key] {
		return model.OutOfStock(key, time.Now()), nil
	}
	return model.Decision{Key: key, Status: model.StatusAvailable}, nil
}

func (f *fakeEngine) SnapshotMetrics() []engine.SourceReport {
	return []engine.SourceReport{
		{SourceStats: metrics.SourceStats{Source: "VendorA", Calls: 4, Successes: 3, Failures: 1}, Breaker: breaker.Snapshot{State: breaker.StateClosed}},
		{SourceStats: metrics.SourceStats{Source: "VendorB"}, Breaker: breaker.Snapshot{State: breaker.StateOpen, ConsecutiveFailures: 3}},
	}
}

func (f *fakeEngine) ResetMetrics() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

type fakeLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func TestPopularityTopAndDecay(t *testing.T) {
	p := NewPopularity()
	for i := 0; i < 5; i++ {
		p.RecordLookup("SKU1")
	}
	for i := 0; i < 3; i++ {
		p.RecordLookup("SKU2")
	}
	p.RecordLookup("SKU3")
	p.RecordLookup("SKU0")

	if got := p.Top(3); len(got) != 3 || got[0] != "SKU1" || got[1] != "SKU2" || got[2] != "SKU0" {
		t.Fatalf("热度排序不正确 (同分按键排序): %v", got)
	}
	if got := p.Top(0); got != nil {
		t.Fatalf("n=0 应返回 nil, 实际 %v", got)
	}

	p.Decay()
	if p.Count("SKU1") != 2 || p.Count("SKU2") != 1 {
		t.Fatalf("衰减后计数应减半: SKU1=%d SKU2=%d", p.Count("SKU1"), p.Count("SKU2"))
	}
	if p.Len() != 2 {
		t.Fatalf("计数归零的键应被移除, 剩余 %d", p.Len())
	}
}

func TestProcessBucketPrewarmsReportsAndResets(t *testing.T) {
	eng := &fakeEngine{failing: map[string]bool{"SKU3": true}, missing: map[string]bool{"SKU2": true}}
	pop := NewPopularity()
	for _, key := range []string{"SKU1", "SKU1", "SKU1", "SKU2", "SKU2", "SKU3", "SKU4"} {
		pop.RecordLookup(key)
	}
	svc := New(nil, eng, pop, nil, Options{PrewarmTopN: 3}, zerolog.Nop())

	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessBucket 不应报错: %v", err)
	}
	if len(eng.refreshed) != 3 || eng.refreshed[0] != "SKU1" || eng.refreshed[1] != "SKU2" || eng.refreshed[2] != "SKU3" {
		t.Fatalf("应只预热前 3 个热门键, 实际 %v", eng.refreshed)
	}
	if eng.resets != 1 {
		t.Fatalf("报告后应重置计数, 实际 %d 次", eng.resets)
	}
	if pop.Count("SKU1") != 1 || pop.Count("SKU4") != 0 {
		t.Fatalf("任务结束后应衰减热度: SKU1=%d SKU4=%d", pop.Count("SKU1"), pop.Count("SKU4"))
	}
}

func TestPrewarmSummary(t *testing.T) {
	eng := &fakeEngine{failing: map[string]bool{"B": true}, missing: map[string]bool{"C": true}}
	pop := NewPopularity()
	for _, key := range []string{"A", "B", "C"} {
		pop.RecordLookup(key)
	}
	svc := New(nil, eng, pop, nil, Options{PrewarmTopN: 10}, zerolog.Nop())

	got := svc.Prewarm(context.Background())
	want := PrewarmSummary{Requested: 3, Available: 1, OutOfStock: 1, Failed: 1}
	if got != want {
		t.Fatalf("预热统计不正确: 期望 %+v, 实际 %+v", want, got)
	}

	empty := New(nil, eng, nil, nil, Options{PrewarmTopN: 10}, zerolog.Nop())
	if got := empty.Prewarm(context.Background()); got.Requested != 0 {
		t.Fatalf("无热门键时不应预热: %+v", got)
	}
}

func TestPrewarmIncludesPinnedKeys(t *testing.T) {
	eng := &fakeEngine{}
	pop := NewPopularity()
	pop.RecordLookup("SKU9")
	pop.RecordLookup("SKU1")
	svc := New(nil, eng, pop, nil, Options{PrewarmTopN: 2, PinnedKeys: []string{"SKU1", "SKU5"}}, zerolog.Nop())

	got := svc.Prewarm(context.Background())
	if got.Requested != 3 || len(eng.refreshed) != 3 {
		t.Fatalf("固定键与热门键应去重后合并: %+v %v", got, eng.refreshed)
	}
	if eng.refreshed[0] != "SKU1" || eng.refreshed[1] != "SKU5" || eng.refreshed[2] != "SKU9" {
		t.Fatalf("固定键应排在前面, 实际 %v", eng.refreshed)
	}
}

func TestProcessBucketAdvisoryLock(t *testing.T) {
	eng := &fakeEngine{}
	pop := NewPopularity()
	pop.RecordLookup("SKU1")

	held := &fakeLocker{acquired: false}
	svc := New(nil, eng, pop, held, Options{PrewarmTopN: 10, LockKey: 42}, zerolog.Nop())
	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被占用时应静默跳过: %v", err)
	}
	if len(eng.refreshed) != 0 || eng.resets != 0 {
		t.Fatal("锁被占用时不应执行任务")
	}

	free := &fakeLocker{acquired: true}
	svc = New(nil, eng, pop, free, Options{PrewarmTopN: 10, LockKey: 42}, zerolog.Nop())
	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("获取锁后应执行: %v", err)
	}
	if len(eng.refreshed) != 1 || free.unlocked != 1 {
		t.Fatalf("应执行一次并释放锁: refreshed=%v unlocked=%d", eng.refreshed, free.unlocked)
	}

	broken := &fakeLocker{err: errors.New("db down")}
	svc = New(nil, eng, pop, broken, Options{LockKey: 42}, zerolog.Nop())
	if err := svc.ProcessBucket(context.Background(), time.Now()); err == nil {
		t.Fatal("加锁失败应返回错误")
	}
}

func TestReportReturnsSnapshot(t *testing.T) {
	svc := New(nil, &fakeEngine{}, nil, nil, Options{}, zerolog.Nop())
	reports := svc.Report(time.Now())
	if len(reports) != 2 || reports[0].SuccessRate() != 75 || reports[1].Breaker.State != breaker.StateOpen {
		t.Fatalf("报告内容不正确: %+v", reports)
	}
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, &fakeEngine{}, nil, nil, Options{}, zerolog.Nop())
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("未配置调度器时应报错")
	}
}
