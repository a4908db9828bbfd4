package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind tags which vendor schema a raw payload follows.
type SourceKind string

const (
	KindVendorA SourceKind = "vendor_a"
	KindVendorB SourceKind = "vendor_b"
	KindVendorC SourceKind = "vendor_c"
)

// Status is the availability verdict carried by a Decision.
type Status string

const (
	StatusAvailable  Status = "AVAILABLE"
	StatusOutOfStock Status = "OUT_OF_STOCK"
)

// RawRecord is a decoded vendor payload before any business rule runs.
// Values stay in the shape the vendor sent them; the normalizer decides validity.
type RawRecord struct {
	SourceID string
	Kind     SourceKind
	Key      string

	// PriceText is the price exactly as reported (number or string literal).
	PriceText string
	// Inventory is nil when the vendor reported no usable count.
	Inventory *int64
	// InStock is nil when the vendor carries no availability flag.
	InStock *bool
	// ObservedAtText is the vendor freshness timestamp, unparsed.
	ObservedAtText string
}

// CanonicalRecord is a validated per-source observation ready for selection.
type CanonicalRecord struct {
	SourceID   string
	Price      decimal.Decimal
	Stock      int64
	ObservedAt time.Time
}

// Decision is the final outcome of one lookup. It is never mutated after creation.
type Decision struct {
	Key           string           `json:"key"`
	WinningSource string           `json:"winning_source,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Stock         *int64           `json:"stock,omitempty"`
	Status        Status           `json:"status"`
	DecidedAt     time.Time        `json:"decided_at"`
}

// OutOfStock builds the empty verdict for key.
func OutOfStock(key string, at time.Time) Decision {
	return Decision{Key: key, Status: StatusOutOfStock, DecidedAt: at.UTC()}
}

// Available builds an AVAILABLE verdict from the winning record.
func Available(key string, winner CanonicalRecord, at time.Time) Decision {
	price := winner.Price
	stock := winner.Stock
	return Decision{
		Key:           key,
		WinningSource: winner.SourceID,
		Price:         &price,
		Stock:         &stock,
		Status:        StatusAvailable,
		DecidedAt:     at.UTC(),
	}
}
