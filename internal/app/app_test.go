package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stockagg/internal/config"
	"stockagg/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入 %s 失败: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	now := time.Now().UTC().Format(time.RFC3339)

	a := writeFile(t, dir, "vendor_a.json", `{"SKU123":{"product_code":"SKU123","inventory_count":5,"unit_price":100,"availability_status":"IN_STOCK","last_updated":"`+now+`"}}`)
	b := writeFile(t, dir, "vendor_b.json", `{"SKU123":{"sku":"SKU123","stock_level":3,"price_usd":"102.00","in_stock":true,"updated_at":"`+now+`"}}`)
	c := writeFile(t, dir, "vendor_c.json", `{"SKU123":{"id":"SKU123","qty":"50","cost":160,"available":"yes","updated_at":"`+now+`"}}`)

	return &config.Config{
		Breaker:    config.BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second},
		Retry:      config.RetryConfig{Attempts: 3, Timeout: 500 * time.Millisecond, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Normalizer: config.NormalizerConfig{Staleness: 10 * time.Minute, AssumedStock: 5},
		Selector:   config.SelectorConfig{SpreadThreshold: 0.10},
		Cache:      config.CacheConfig{Backend: config.BackendMemory, TTL: 2 * time.Minute},
		RateLimit:  config.RateLimitConfig{Backend: config.BackendMemory, Limit: 3, Window: time.Minute, FailurePolicy: "open"},
		Engine:     config.EngineConfig{LookupTimeout: 2 * time.Second},
		Metrics:    config.MetricsConfig{LatencySamples: 100},
		Export:     config.ExportConfig{MaxDataPoints: 1000},
		Sources: []config.SourceConfig{
			{Name: "VendorA", Kind: "vendor_a", Transport: config.TransportFile, Path: a},
			{Name: "VendorB", Kind: "vendor_b", Transport: config.TransportFile, Path: b},
			{Name: "VendorC", Kind: "vendor_c", Transport: config.TransportFile, Path: c},
		},
	}
}

func TestLookupWithFileSources(t *testing.T) {
	app := NewApp(testConfig(t), zerolog.Nop())

	var out bytes.Buffer
	decision, err := app.Lookup(context.Background(), "SKU123", &out)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if decision.Status != model.StatusAvailable || decision.WinningSource != "VendorC" {
		t.Fatalf("价差超过 10%% 时应选库存最多的 VendorC, 实际 %+v", decision)
	}

	var printed map[string]any
	if err := json.Unmarshal(out.Bytes(), &printed); err != nil {
		t.Fatalf("输出应为 JSON: %v (%s)", err, out.String())
	}
	if printed["winning_source"] != "VendorC" || printed["status"] != "AVAILABLE" || printed["price"] != "160" {
		t.Fatalf("输出字段不正确: %v", printed)
	}
}

func TestLookupUnknownKeyIsOutOfStock(t *testing.T) {
	app := NewApp(testConfig(t), zerolog.Nop())
	decision, err := app.Lookup(context.Background(), "NOPE999", &bytes.Buffer{})
	if err != nil || decision.Status != model.StatusOutOfStock {
		t.Fatalf("所有来源都没有的键应为 OUT_OF_STOCK: %+v err=%v", decision, err)
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"SKU123", "abc", "A1234567890123456789"} {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("%q 应合法: %v", key, err)
		}
	}
	for _, key := range []string{"", "ab", "SKU-1", "A12345678901234567890", "sku 1"} {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("%q 应被拒绝, 实际 %v", key, err)
		}
	}

	app := NewApp(testConfig(t), zerolog.Nop())
	if _, err := app.Lookup(context.Background(), "x", &bytes.Buffer{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("非法键不应进入引擎, 实际 %v", err)
	}
}

func TestAdmitPrintsWindow(t *testing.T) {
	app := NewApp(testConfig(t), zerolog.Nop())

	var out bytes.Buffer
	results, err := app.Admit(context.Background(), "client-1", 5, &out)
	if err != nil {
		t.Fatalf("Admit 失败: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("应返回 5 条结果, 实际 %d", len(results))
	}
	for i, res := range results {
		wantAllowed := i < 3
		if res.Allowed != wantAllowed || res.Limit != 3 {
			t.Fatalf("第 %d 次: 期望 allowed=%v limit=3, 实际 %+v", i+1, wantAllowed, res)
		}
	}
	if results[2].Remaining != 0 || results[4].RetryAfter <= 0 {
		t.Fatalf("剩余额度或重试时间不正确: %+v", results)
	}
	if lines := strings.Count(out.String(), "\n"); lines != 6 {
		t.Fatalf("应输出表头加 5 行, 实际 %d 行:\n%s", lines, out.String())
	}
}

func TestProbeExportsLatencyCSV(t *testing.T) {
	app := NewApp(testConfig(t), zerolog.Nop())
	csvPath := filepath.Join(t.TempDir(), "out", "latency.csv")

	var out bytes.Buffer
	reports, err := app.Probe(context.Background(), ProbeOptions{Keys: []string{"SKU123"}, Rounds: 2, CSVPath: csvPath}, &out)
	if err != nil {
		t.Fatalf("Probe 失败: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("应报告 3 个来源, 实际 %d", len(reports))
	}
	for _, r := range reports {
		if r.Calls != 2 || r.Successes != 2 {
			t.Fatalf("%s 应成功调用 2 次, 实际 %+v", r.Source, r.SourceStats)
		}
	}
	if !strings.Contains(out.String(), "VendorC") || !strings.Contains(out.String(), "CLOSED") {
		t.Fatalf("报告表格内容不正确:\n%s", out.String())
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("应生成 CSV: %v", err)
	}
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(rows) != 7 || rows[0] != "source,seq,latency_ms" {
		t.Fatalf("CSV 应有表头加 6 行, 实际 %d 行: %q", len(rows), rows)
	}
}

func TestProbeRequiresKeys(t *testing.T) {
	app := NewApp(testConfig(t), zerolog.Nop())
	if _, err := app.Probe(context.Background(), ProbeOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatal("没有可探测的键时应报错")
	}
}

func TestDownsampleLatencies(t *testing.T) {
	samples := make([]time.Duration, 10)
	for i := range samples {
		samples[i] = time.Duration(i) * time.Millisecond
	}
	got := downsampleLatencies(samples, 4)
	if len(got) != 4 || got[0] != 0 || got[3] != 9*time.Millisecond {
		t.Fatalf("降采样应保留首尾, 实际 %v", got)
	}
	if got := downsampleLatencies(samples, 0); len(got) != 10 {
		t.Fatal("max<=0 时应原样返回")
	}
}

func TestSeedDryRunValidatesPayloads(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, t.TempDir(), "seed.json", `{"SKU1":{"product_code":"SKU1","unit_price":1,"last_updated":"2025-03-01T00:00:00Z"},"SKU2":"not an object"}`)
	app := NewApp(cfg, zerolog.Nop())

	result, err := app.Seed(context.Background(), SeedOptions{Source: "VendorA", File: file, DryRun: true})
	if err != nil {
		t.Fatalf("dry-run 不应报错: %v", err)
	}
	if result.Loaded != 2 || result.Invalid != 1 || result.Written != 0 {
		t.Fatalf("导入统计不正确: %+v", result)
	}

	if _, err := app.Seed(context.Background(), SeedOptions{Source: "VendorA", File: file}); err == nil {
		t.Fatal("未配置数据库时应报错")
	}
}

func TestSimulateAlertSendsTelegram(t *testing.T) {
	var calls atomic.Int32
	texts := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		texts <- body["text"]
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Alerting = config.AlertingConfig{
		Enabled: true,
		Timeout: time.Second,
		Telegram: config.TelegramConfig{
			Enabled:  true,
			BotToken: "token",
			ChatID:   "chat",
			APIBase:  srv.URL,
		},
	}
	app := NewApp(cfg, zerolog.Nop())

	if err := app.SimulateAlert(context.Background(), "VendorB"); err != nil {
		t.Fatalf("模拟告警失败: %v", err)
	}
	text := <-texts
	if calls.Load() != 1 || !strings.Contains(text, "VendorB") || !strings.Contains(text, "simulated") {
		t.Fatalf("应发送一条模拟告警, calls=%d text=%q", calls.Load(), text)
	}

	cfg.Alerting.Enabled = false
	if err := app.SimulateAlert(context.Background(), "VendorB"); err == nil {
		t.Fatal("未启用告警时应报错")
	}
}
