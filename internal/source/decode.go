package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"stockagg/internal/model"
)

// Decoder maps one vendor schema onto a RawRecord. Identity fields are filled
// in by the Client.
type Decoder func(payload []byte) (model.RawRecord, error)

// DecoderFor returns the decoder of kind.
func DecoderFor(kind model.SourceKind) (Decoder, error) {
	switch kind {
	case model.KindVendorA:
		return decodeVendorA, nil
	case model.KindVendorB:
		return decodeVendorB, nil
	case model.KindVendorC:
		return decodeVendorC, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

type vendorAPayload struct {
	ProductCode        string          `json:"product_code"`
	InventoryCount     json.RawMessage `json:"inventory_count"`
	Inventory          json.RawMessage `json:"inventory"`
	UnitPrice          json.RawMessage `json:"unit_price"`
	Price              json.RawMessage `json:"price"`
	AvailabilityStatus string          `json:"availability_status"`
	Status             string          `json:"status"`
	LastUpdated        json.RawMessage `json:"last_updated"`
}

func decodeVendorA(payload []byte) (model.RawRecord, error) {
	var p vendorAPayload
	if err := unmarshal(payload, &p); err != nil {
		return model.RawRecord{}, err
	}

	raw := model.RawRecord{
		PriceText:      scalarText(firstPresent(p.UnitPrice, p.Price)),
		Inventory:      optionalInt(firstPresent(p.InventoryCount, p.Inventory)),
		ObservedAtText: scalarText(p.LastUpdated),
	}
	status := p.AvailabilityStatus
	if status == "" {
		status = p.Status
	}
	if status != "" {
		inStock := strings.EqualFold(strings.TrimSpace(status), "IN_STOCK")
		raw.InStock = &inStock
	}
	return raw, nil
}

type vendorBPayload struct {
	SKU           string          `json:"sku"`
	StockLevel    json.RawMessage `json:"stock_level"`
	Stock         json.RawMessage `json:"stock"`
	PriceUSD      json.RawMessage `json:"price_usd"`
	Price         json.RawMessage `json:"price"`
	InStock       *bool           `json:"in_stock"`
	UpdatedAt     json.RawMessage `json:"updated_at"`
	DataTimestamp json.RawMessage `json:"data_timestamp"`
}

func decodeVendorB(payload []byte) (model.RawRecord, error) {
	var p vendorBPayload
	if err := unmarshal(payload, &p); err != nil {
		return model.RawRecord{}, err
	}
	return model.RawRecord{
		PriceText:      scalarText(firstPresent(p.PriceUSD, p.Price)),
		Inventory:      optionalInt(firstPresent(p.StockLevel, p.Stock)),
		InStock:        p.InStock,
		ObservedAtText: scalarText(firstPresent(p.UpdatedAt, p.DataTimestamp)),
	}, nil
}

type vendorCPayload struct {
	ID        string          `json:"id"`
	Qty       json.RawMessage `json:"qty"`
	Cost      json.RawMessage `json:"cost"`
	Available string          `json:"available"`
	UpdatedAt json.RawMessage `json:"updated_at"`
}

// decodeVendorC applies the legacy quirks: available=no wins over any
// quantity, and a blank, zero or garbled quantity next to available=yes
// counts as unknown.
func decodeVendorC(payload []byte) (model.RawRecord, error) {
	var p vendorCPayload
	if err := unmarshal(payload, &p); err != nil {
		return model.RawRecord{}, err
	}

	raw := model.RawRecord{
		PriceText:      scalarText(p.Cost),
		ObservedAtText: scalarText(p.UpdatedAt),
	}

	switch strings.ToLower(strings.TrimSpace(p.Available)) {
	case "no", "false", "n":
		inStock := false
		raw.InStock = &inStock
	case "yes", "true", "y":
		inStock := true
		raw.InStock = &inStock
		if qty := optionalInt(p.Qty); qty != nil && *qty != 0 {
			raw.Inventory = qty
		}
	default:
		raw.Inventory = optionalInt(p.Qty)
	}
	return raw, nil
}

func unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func firstPresent(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if !isNull(v) {
			return v
		}
	}
	return nil
}

// scalarText renders a JSON string or number as text; anything else is "".
func scalarText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return ""
	}
	return n.String()
}

// optionalInt reads an integer count given as number or numeric string.
// Missing, null and non-numeric values are nil.
func optionalInt(raw json.RawMessage) *int64 {
	text := strings.TrimSpace(scalarText(raw))
	if text == "" {
		return nil
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && f == float64(int64(f)) {
		v := int64(f)
		return &v
	}
	return nil
}
