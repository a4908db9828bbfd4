package source

import (
	"context"
	"errors"
)

// PayloadReader is the slice of storage the postgres transport needs.
type PayloadReader interface {
	VendorPayload(ctx context.Context, source, key string) ([]byte, bool, error)
}

// PostgresTransport reads a legacy vendor's rows from the vendor_products table.
type PostgresTransport struct {
	reader PayloadReader
	source string
}

// NewPostgresTransport reads rows tagged with source.
func NewPostgresTransport(reader PayloadReader, source string) (*PostgresTransport, error) {
	if reader == nil {
		return nil, errors.New("postgres transport: database not configured")
	}
	return &PostgresTransport{reader: reader, source: source}, nil
}

// Fetch returns the stored payload for key.
func (t *PostgresTransport) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	return t.reader.VendorPayload(ctx, t.source, key)
}

var _ Transport = (*PostgresTransport)(nil)
