package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"text/tabwriter"
	"time"

	"stockagg/internal/model"
	"stockagg/internal/ratelimit"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)

// ErrInvalidKey rejects product keys the engine should never see.
var ErrInvalidKey = errors.New("product key must be 3-20 alphanumeric characters")

// ValidateKey checks key syntax before a lookup.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Lookup resolves one key and writes the decision as JSON.
func (a *App) Lookup(ctx context.Context, key string, out io.Writer) (model.Decision, error) {
	if err := ValidateKey(key); err != nil {
		return model.Decision{}, err
	}

	rt, err := a.build(ctx)
	if err != nil {
		return model.Decision{}, err
	}
	defer rt.Close()

	decision, err := rt.Engine.Lookup(ctx, key)
	if err != nil {
		return model.Decision{}, err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(decision); err != nil {
		return model.Decision{}, err
	}
	return decision, nil
}

// Admit runs count admissions for identity against the configured limiter and
// prints one row per attempt.
func (a *App) Admit(ctx context.Context, identity string, count int, out io.Writer) ([]ratelimit.Result, error) {
	if count <= 0 {
		count = 1
	}

	rt, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tAllowed\tRemaining\tLimit\tRetryAfter\tDegraded")

	results := make([]ratelimit.Result, 0, count)
	for i := 1; i <= count; i++ {
		res, err := rt.Limiter.Admit(ctx, identity)
		if err != nil {
			writer.Flush()
			return results, err
		}
		results = append(results, res)
		fmt.Fprintf(writer, "%d\t%t\t%d\t%d\t%s\t%t\n",
			i, res.Allowed, res.Remaining, res.Limit, res.RetryAfter.Round(time.Millisecond), res.Degraded)
	}

	return results, writer.Flush()
}
