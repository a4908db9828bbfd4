package storage

import (
	"encoding/json"
	"time"
)

// VendorProduct is one row of vendor_products: the raw payload a legacy vendor
// publishes for a product key.
type VendorProduct struct {
	Source     string
	ProductKey string
	Payload    json.RawMessage
	UpdatedAt  time.Time
}
