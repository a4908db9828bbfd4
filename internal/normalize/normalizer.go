package normalize

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockagg/internal/model"
)

// Reason labels why a raw record was dropped.
type Reason string

const (
	ReasonInvalidPrice Reason = "invalid_price"
	ReasonStale        Reason = "stale"
	ReasonBadTimestamp Reason = "bad_timestamp"
)

var errEmptyTimestamp = errors.New("timestamp missing")

// naive layouts carry no zone and are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DiscardObserver is told about every dropped record.
type DiscardObserver interface {
	ObserveDiscard(source string, reason Reason)
}

// Options tune the business rules.
type Options struct {
	Staleness    time.Duration
	AssumedStock int64
	Now          func() time.Time
}

// Normalizer turns RawRecords into CanonicalRecords or drops them.
type Normalizer struct {
	staleness    time.Duration
	assumedStock int64
	now          func() time.Time
	observer     DiscardObserver
	logger       zerolog.Logger
}

// New builds a Normalizer. observer may be nil.
func New(opts Options, observer DiscardObserver, logger zerolog.Logger) *Normalizer {
	if opts.Staleness <= 0 {
		opts.Staleness = 10 * time.Minute
	}
	if opts.AssumedStock < 0 {
		opts.AssumedStock = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		staleness:    opts.Staleness,
		assumedStock: opts.AssumedStock,
		now:          now,
		observer:     observer,
		logger:       logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize applies the price, stock and freshness rules in that order.
// The boolean is false when the record was discarded.
func (n *Normalizer) Normalize(raw model.RawRecord) (model.CanonicalRecord, bool) {
	price, err := parsePrice(raw.PriceText)
	if err != nil {
		n.discard(raw, ReasonInvalidPrice, err)
		return model.CanonicalRecord{}, false
	}

	stock := n.resolveStock(raw)

	observedAt, err := ParseTimestamp(raw.ObservedAtText)
	if err != nil {
		n.discard(raw, ReasonBadTimestamp, err)
		return model.CanonicalRecord{}, false
	}
	if age := n.now().Sub(observedAt); age > n.staleness {
		n.discard(raw, ReasonStale, errors.New("observed "+age.Round(time.Second).String()+" ago"))
		return model.CanonicalRecord{}, false
	}

	return model.CanonicalRecord{
		SourceID:   raw.SourceID,
		Price:      price,
		Stock:      stock,
		ObservedAt: observedAt,
	}, true
}

// NormalizeAll keeps the valid records of raws, preserving order.
func (n *Normalizer) NormalizeAll(raws []model.RawRecord) []model.CanonicalRecord {
	out := make([]model.CanonicalRecord, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := n.Normalize(raw); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (n *Normalizer) resolveStock(raw model.RawRecord) int64 {
	if raw.Inventory != nil {
		if *raw.Inventory < 0 {
			return 0
		}
		return *raw.Inventory
	}
	if raw.InStock != nil && *raw.InStock {
		return n.assumedStock
	}
	return 0
}

func (n *Normalizer) discard(raw model.RawRecord, reason Reason, err error) {
	n.logger.Warn().
		Str("source", raw.SourceID).
		Str("key", raw.Key).
		Str("reason", string(reason)).
		Err(err).
		Msg("record discarded")
	if n.observer != nil {
		n.observer.ObserveDiscard(raw.SourceID, reason)
	}
}

func parsePrice(text string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return decimal.Decimal{}, errors.New("price missing")
	}
	price, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, errors.New("price must be positive, got " + price.String())
	}
	return price, nil
}

// ParseTimestamp reads RFC3339 (with or without fraction), zone-less ISO
// timestamps as UTC, or unix seconds.
func ParseTimestamp(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, errEmptyTimestamp
	}
	if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return ts, nil
		}
	}
	if secs, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, errors.New("unrecognised timestamp " + strconv.Quote(trimmed))
}
