package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"stockagg/internal/config"
	"stockagg/internal/engine"
)

// Probe force-refreshes keys for several rounds, prints the per-source report
// and optionally exports the latency samples as CSV and/or PNG.
func (a *App) Probe(ctx context.Context, opts ProbeOptions, out io.Writer) ([]engine.SourceReport, error) {
	if opts.Rounds <= 0 {
		opts.Rounds = 5
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	keys, err := a.probeKeys(ctx, rt, opts.Keys)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Strs("keys", keys).Int("rounds", opts.Rounds).Msg("probing sources")

	for round := 1; round <= opts.Rounds; round++ {
		for _, key := range keys {
			if _, err := rt.Engine.ForceRefresh(ctx, key); err != nil {
				return nil, err
			}
		}
		if round < opts.Rounds && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}

	reports := rt.Engine.SnapshotMetrics()
	if err := writeReportTable(out, reports); err != nil {
		return nil, err
	}

	if opts.CSVPath != "" {
		if err := writeLatencyCSV(opts.CSVPath, reports, opts.MaxPoints); err != nil {
			return nil, err
		}
	}
	if opts.PNGPath != "" {
		if err := writeLatencyPNG(opts.PNGPath, reports, opts.MaxPoints); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func (a *App) probeKeys(ctx context.Context, rt *Runtime, keys []string) ([]string, error) {
	if len(keys) == 0 {
		keys = a.Config.Scheduler.WarmKeys
	}
	if len(keys) == 0 && rt.Store != nil {
		for _, src := range a.Config.Sources {
			if src.Transport != config.TransportPostgres {
				continue
			}
			stored, err := rt.Store.ListVendorKeys(ctx, src.Name, 10)
			if err != nil {
				return nil, err
			}
			keys = stored
			break
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys to probe: pass --keys or set scheduler.warm_keys")
	}
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func writeReportTable(out io.Writer, reports []engine.SourceReport) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tCalls\tSuccess%\tFailure%\tRejected\tAvg\tP50\tP95\tP99\tBreaker")
	for _, r := range reports {
		fmt.Fprintf(writer, "%s\t%d\t%.1f\t%.1f\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Source,
			r.Calls,
			r.SuccessRate(),
			r.FailureRate(),
			r.Rejected,
			formatLatency(r.Latency.Avg),
			formatLatency(r.Latency.P50),
			formatLatency(r.Latency.P95),
			formatLatency(r.Latency.P99),
			r.Breaker.State,
		)
	}
	return writer.Flush()
}

func formatLatency(d time.Duration) string {
	return d.Round(100 * time.Microsecond).String()
}

func downsampleLatencies(samples []time.Duration, max int) []time.Duration {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[:1]
	}

	result := make([]time.Duration, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeLatencyCSV(path string, reports []engine.SourceReport, maxPoints int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"source", "seq", "latency_ms"}); err != nil {
		return err
	}
	for _, r := range reports {
		for i, sample := range downsampleLatencies(r.Samples, maxPoints) {
			record := []string{
				r.Source,
				strconv.Itoa(i + 1),
				strconv.FormatFloat(float64(sample)/float64(time.Millisecond), 'f', 3, 64),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeLatencyPNG(path string, reports []engine.SourceReport, maxPoints int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, len(reports))
	for _, r := range reports {
		samples := downsampleLatencies(r.Samples, maxPoints)
		if len(samples) < 2 {
			continue
		}
		x := make([]float64, len(samples))
		y := make([]float64, len(samples))
		for i, sample := range samples {
			x[i] = float64(i + 1)
			y[i] = float64(sample) / float64(time.Millisecond)
		}
		series = append(series, chart.ContinuousSeries{Name: r.Source, XValues: x, YValues: y})
	}
	if len(series) == 0 {
		return errors.New("not enough latency samples to chart")
	}

	msFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name: "Call #",
		},
		YAxis: chart.YAxis{
			Name:           "Latency (ms)",
			ValueFormatter: msFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
