package selector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stockagg/internal/model"
)

// DefaultSpreadThreshold is the relative price spread under which price wins.
var DefaultSpreadThreshold = decimal.RequireFromString("0.10")

// Selector picks one winner among canonical candidates.
type Selector struct {
	threshold decimal.Decimal
}

// New builds a Selector. A non-positive threshold falls back to 0.10.
func New(threshold decimal.Decimal) *Selector {
	if !threshold.IsPositive() {
		threshold = DefaultSpreadThreshold
	}
	return &Selector{threshold: threshold}
}

// Threshold returns the configured spread threshold.
func (s *Selector) Threshold() decimal.Decimal { return s.threshold }

// Select returns the decision for key. The result does not depend on the
// order of candidates.
func (s *Selector) Select(key string, candidates []model.CanonicalRecord, now time.Time) model.Decision {
	stocked := make([]model.CanonicalRecord, 0, len(candidates))
	for _, c := range candidates {
		if c.Stock > 0 {
			stocked = append(stocked, c)
		}
	}
	if len(stocked) == 0 {
		return model.OutOfStock(key, now)
	}

	if s.priceWins(stocked) {
		sort.Slice(stocked, func(i, j int) bool { return cheaper(stocked[i], stocked[j]) })
	} else {
		sort.Slice(stocked, func(i, j int) bool { return deeper(stocked[i], stocked[j]) })
	}
	return model.Available(key, stocked[0], now)
}

// Spread returns (max-min)/min over the candidate prices.
func Spread(candidates []model.CanonicalRecord) decimal.Decimal {
	if len(candidates) == 0 {
		return decimal.Zero
	}
	lo, hi := candidates[0].Price, candidates[0].Price
	for _, c := range candidates[1:] {
		if c.Price.LessThan(lo) {
			lo = c.Price
		}
		if c.Price.GreaterThan(hi) {
			hi = c.Price
		}
	}
	if !lo.IsPositive() {
		return decimal.Zero
	}
	return hi.Sub(lo).Div(lo)
}

func (s *Selector) priceWins(stocked []model.CanonicalRecord) bool {
	return Spread(stocked).LessThanOrEqual(s.threshold)
}

// cheaper orders by price asc, stock desc, source id asc.
func cheaper(a, b model.CanonicalRecord) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if a.Stock != b.Stock {
		return a.Stock > b.Stock
	}
	return a.SourceID < b.SourceID
}

// deeper orders by stock desc, price asc, source id asc.
func deeper(a, b model.CanonicalRecord) bool {
	if a.Stock != b.Stock {
		return a.Stock > b.Stock
	}
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.SourceID < b.SourceID
}
