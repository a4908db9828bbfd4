package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"stockagg/internal/model"
)

var (
	// ErrUnknownKind is returned for a schema kind outside the fixed set.
	ErrUnknownKind = errors.New("source: unknown kind")
	// ErrMalformedPayload marks a vendor reply that could not be decoded.
	ErrMalformedPayload = errors.New("source: malformed payload")
)

// Transport fetches the raw payload a vendor holds for key. found is false when
// the vendor answered but has no such product.
type Transport interface {
	Fetch(ctx context.Context, key string) (payload []byte, found bool, err error)
}

// Fetcher is what the engine calls once per source and attempt.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, key string) (*model.RawRecord, error)
}

// Client pairs a transport with the decoder of the vendor's schema.
type Client struct {
	name      string
	kind      model.SourceKind
	transport Transport
	decode    Decoder
	logger    zerolog.Logger
}

// NewClient builds the client for one configured source.
func NewClient(name string, kind model.SourceKind, transport Transport, logger zerolog.Logger) (*Client, error) {
	if name == "" {
		return nil, errors.New("source name required")
	}
	if transport == nil {
		return nil, fmt.Errorf("source %s: transport required", name)
	}
	decode, err := DecoderFor(kind)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	return &Client{
		name:      name,
		kind:      kind,
		transport: transport,
		decode:    decode,
		logger:    logger.With().Str("component", "source").Str("source", name).Logger(),
	}, nil
}

// Name returns the source id.
func (c *Client) Name() string { return c.name }

// Kind returns the schema kind.
func (c *Client) Kind() model.SourceKind { return c.kind }

// Fetch returns the decoded record for key, or nil when the vendor has none.
func (c *Client) Fetch(ctx context.Context, key string) (*model.RawRecord, error) {
	payload, found, err := c.transport.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		c.logger.Debug().Str("key", key).Msg("product not carried by source")
		return nil, nil
	}

	raw, err := c.decode(payload)
	if err != nil {
		return nil, err
	}
	raw.SourceID = c.name
	raw.Kind = c.kind
	raw.Key = key
	return &raw, nil
}

var _ Fetcher = (*Client)(nil)
