package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"stockagg/internal/config"
	"stockagg/internal/model"
	"stockagg/internal/source"
	"stockagg/internal/storage"
)

// SeedResult counts what a seed run did.
type SeedResult struct {
	Loaded  int
	Written int
	Invalid int
	Failed  int
}

// Seed loads a vendor product file into vendor_products so a postgres-backed
// source can serve it.
func (a *App) Seed(ctx context.Context, opts SeedOptions) (SeedResult, error) {
	if opts.Source == "" || opts.File == "" {
		return SeedResult{}, errors.New("--source 和 --file 必须同时提供")
	}
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return SeedResult{}, fmt.Errorf("read seed file: %w", err)
	}
	products, err := source.ParseProductFile(data)
	if err != nil {
		return SeedResult{}, fmt.Errorf("%s: %w", opts.File, err)
	}

	decode := a.decoderFor(opts.Source)

	var store storage.VendorProductStore
	if opts.DryRun {
		a.Logger.Warn().Msg("seed dry-run：不会写入数据库")
	} else {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return SeedResult{}, err
		}
		if s == nil {
			return SeedResult{}, errors.New("database.dsn 未配置，无法导入")
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = s
	}

	result, err := a.seedProducts(ctx, store, opts.Source, products, decode)
	if err != nil {
		return result, err
	}

	if store != nil {
		if total, err := store.CountVendorProducts(ctx, opts.Source); err == nil {
			a.Logger.Info().Str("source", opts.Source).Int64("rows", total).Msg("vendor rows now stored")
		}
	}
	if result.Failed > 0 {
		return result, errors.New("部分商品导入失败，请检查日志")
	}
	return result, nil
}

// decoderFor returns the decoder of the configured source so malformed rows
// are rejected before they reach the table. Unknown sources skip the check.
func (a *App) decoderFor(name string) source.Decoder {
	for _, src := range a.Config.Sources {
		if src.Name != name {
			continue
		}
		if src.Transport != config.TransportPostgres {
			a.Logger.Warn().Str("source", name).Str("transport", src.Transport).Msg("source does not read from postgres; rows will be unused")
		}
		decode, err := source.DecoderFor(model.SourceKind(src.Kind))
		if err == nil {
			return decode
		}
	}
	return nil
}

func (a *App) seedProducts(ctx context.Context, store storage.VendorProductStore, sourceName string, products map[string]json.RawMessage, decode source.Decoder) (SeedResult, error) {
	keys := make([]string, 0, len(products))
	for key := range products {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := SeedResult{Loaded: len(keys)}
	now := time.Now().UTC()
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		payload := products[key]
		if decode != nil {
			if _, err := decode(payload); err != nil {
				result.Invalid++
				a.Logger.Warn().Err(err).Str("key", key).Msg("skip undecodable payload")
				continue
			}
		}
		if store == nil {
			continue
		}
		err := store.UpsertVendorProduct(ctx, storage.VendorProduct{
			Source:     sourceName,
			ProductKey: key,
			Payload:    payload,
			UpdatedAt:  now,
		})
		if err != nil {
			result.Failed++
			a.Logger.Error().Err(err).Str("key", key).Msg("导入失败")
			continue
		}
		result.Written++
	}

	a.Logger.Info().Int("loaded", result.Loaded).Int("written", result.Written).
		Int("invalid", result.Invalid).Int("failed", result.Failed).Msg("导入完成")
	return result, nil
}
