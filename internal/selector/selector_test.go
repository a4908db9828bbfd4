package selector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockagg/internal/model"
)

var decidedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(source, price string, stock int64) model.CanonicalRecord {
	return model.CanonicalRecord{SourceID: source, Price: decimal.RequireFromString(price), Stock: stock, ObservedAt: decidedAt}
}

func TestSelectNoCandidates(t *testing.T) {
	d := New(DefaultSpreadThreshold).Select("SKU1", nil, decidedAt)
	if d.Status != model.StatusOutOfStock || d.WinningSource != "" || d.Price != nil || d.Stock != nil {
		t.Fatalf("无候选时应为 OUT_OF_STOCK 且无价格库存, 实际 %+v", d)
	}
	if !d.DecidedAt.Equal(decidedAt) {
		t.Fatalf("decided_at 应为当前时间, 实际 %v", d.DecidedAt)
	}
}

func TestSelectAllZeroStock(t *testing.T) {
	cands := []model.CanonicalRecord{rec("VendorA", "10", 0), rec("VendorB", "9", 0)}
	d := New(DefaultSpreadThreshold).Select("SKU1", cands, decidedAt)
	if d.Status != model.StatusOutOfStock {
		t.Fatalf("全部零库存应为 OUT_OF_STOCK, 实际 %s", d.Status)
	}
}

func TestSelectNarrowSpreadPicksCheapest(t *testing.T) {
	// spread (105-100)/100 = 0.05
	cands := []model.CanonicalRecord{rec("VendorA", "105", 50), rec("VendorB", "100", 3), rec("VendorC", "0.5", 0)}
	d := New(DefaultSpreadThreshold).Select("SKU1", cands, decidedAt)
	if d.WinningSource != "VendorB" || !d.Price.Equal(decimal.NewFromInt(100)) || *d.Stock != 3 {
		t.Fatalf("价差小时应选最低价, 实际 %+v", d)
	}
	if d.Status != model.StatusAvailable {
		t.Fatalf("应为 AVAILABLE, 实际 %s", d.Status)
	}
}

func TestSelectSpreadExactlyAtThresholdPicksCheapest(t *testing.T) {
	cands := []model.CanonicalRecord{rec("VendorA", "110", 50), rec("VendorB", "100", 3)}
	d := New(DefaultSpreadThreshold).Select("SKU1", cands, decidedAt)
	if d.WinningSource != "VendorB" {
		t.Fatalf("价差恰为 10%% 时仍按价格, 实际 %s", d.WinningSource)
	}
}

func TestSelectWideSpreadPicksDeepestStock(t *testing.T) {
	cands := []model.CanonicalRecord{rec("VendorA", "100", 5), rec("VendorB", "102", 3), rec("VendorC", "160", 50)}
	d := New(DefaultSpreadThreshold).Select("SKU1", cands, decidedAt)
	if d.WinningSource != "VendorC" || !d.Price.Equal(decimal.NewFromInt(160)) || *d.Stock != 50 {
		t.Fatalf("价差大时应选最大库存, 实际 %+v", d)
	}
}

func TestSelectTieBreaks(t *testing.T) {
	s := New(DefaultSpreadThreshold)

	cands := []model.CanonicalRecord{rec("VendorB", "100", 5), rec("VendorA", "100", 5), rec("VendorC", "100", 9)}
	if d := s.Select("SKU1", cands, decidedAt); d.WinningSource != "VendorC" {
		t.Fatalf("同价应选库存最多, 实际 %s", d.WinningSource)
	}

	cands = []model.CanonicalRecord{rec("VendorB", "100", 5), rec("VendorA", "100", 5)}
	if d := s.Select("SKU1", cands, decidedAt); d.WinningSource != "VendorA" {
		t.Fatalf("同价同库存应按来源 ID 排序, 实际 %s", d.WinningSource)
	}

	cands = []model.CanonicalRecord{rec("VendorB", "200", 50), rec("VendorA", "100", 50), rec("VendorC", "150", 50)}
	if d := s.Select("SKU1", cands, decidedAt); d.WinningSource != "VendorA" {
		t.Fatalf("宽价差同库存应选低价, 实际 %s", d.WinningSource)
	}

	cands = []model.CanonicalRecord{rec("VendorB", "100", 50), rec("VendorA", "100", 50), rec("VendorC", "300", 1)}
	if d := s.Select("SKU1", cands, decidedAt); d.WinningSource != "VendorA" {
		t.Fatalf("宽价差同库存同价应按来源 ID 排序, 实际 %s", d.WinningSource)
	}
}

func TestSelectIsOrderIndependent(t *testing.T) {
	s := New(DefaultSpreadThreshold)
	base := []model.CanonicalRecord{rec("VendorA", "100", 5), rec("VendorB", "102", 3), rec("VendorC", "160", 50), rec("VendorD", "160", 50)}
	want := s.Select("SKU1", base, decidedAt).WinningSource

	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		shuffled := make([]model.CanonicalRecord, len(p))
		for i, idx := range p {
			shuffled[i] = base[idx]
		}
		if got := s.Select("SKU1", shuffled, decidedAt).WinningSource; got != want {
			t.Fatalf("结果不应依赖输入顺序, 期望 %s 实际 %s", want, got)
		}
	}
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	cands := []model.CanonicalRecord{rec("VendorB", "102", 3), rec("VendorA", "100", 5)}
	New(DefaultSpreadThreshold).Select("SKU1", cands, decidedAt)
	if cands[0].SourceID != "VendorB" {
		t.Fatal("Select 不应修改调用方切片")
	}
}

func TestSpread(t *testing.T) {
	got := Spread([]model.CanonicalRecord{rec("A", "100", 1), rec("B", "160", 1)})
	if !got.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("期望价差 0.6, 实际 %s", got)
	}
}
