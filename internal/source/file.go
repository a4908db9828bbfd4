package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"
)

// ErrSimulatedFailure is returned by a file transport configured to fail.
var ErrSimulatedFailure = errors.New("source: simulated vendor failure")

// FileOptions describe a mock vendor backed by a JSON document keyed by
// product key.
type FileOptions struct {
	Path        string
	Delay       time.Duration
	FailureRate float64
	// Random overrides the failure dice; tests only.
	Random func() float64
}

// FileTransport serves payloads from a file read once at construction.
type FileTransport struct {
	products    map[string]json.RawMessage
	delay       time.Duration
	failureRate float64
	random      func() float64
}

// NewFileTransport loads opts.Path.
func NewFileTransport(opts FileOptions) (*FileTransport, error) {
	if opts.Path == "" {
		return nil, errors.New("file transport: path required")
	}
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read vendor file: %w", err)
	}
	products, err := ParseProductFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Path, err)
	}
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return nil, fmt.Errorf("file transport: failure rate %.2f outside [0,1]", opts.FailureRate)
	}
	random := opts.Random
	if random == nil {
		random = rand.Float64
	}
	return &FileTransport{
		products:    products,
		delay:       opts.Delay,
		failureRate: opts.FailureRate,
		random:      random,
	}, nil
}

// ParseProductFile decodes a {"KEY": {...payload...}} document.
func ParseProductFile(data []byte) (map[string]json.RawMessage, error) {
	var products map[string]json.RawMessage
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return products, nil
}

// Keys lists the product keys carried by the file.
func (t *FileTransport) Keys() []string {
	keys := make([]string, 0, len(t.products))
	for k := range t.products {
		keys = append(keys, k)
	}
	return keys
}

// Fetch waits the configured delay, rolls the failure dice, then looks key up.
func (t *FileTransport) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	if t.delay > 0 {
		timer := time.NewTimer(t.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
	if t.failureRate > 0 && t.random() < t.failureRate {
		return nil, false, ErrSimulatedFailure
	}

	payload, ok := t.products[key]
	if !ok {
		return nil, false, nil
	}
	return payload, true, nil
}

var _ Transport = (*FileTransport)(nil)
