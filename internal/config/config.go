package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"stockagg/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Selector   SelectorConfig   `mapstructure:"selector"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the shared cache and rate window store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CacheConfig selects the decision cache backend.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// RateLimitConfig governs per-identity admission.
type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend"`
	Limit         int           `mapstructure:"limit"`
	Window        time.Duration `mapstructure:"window"`
	FailurePolicy string        `mapstructure:"failure_policy"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BreakerConfig applies to every source breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// RetryConfig bounds each source call.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// NormalizerConfig sets record acceptance rules.
type NormalizerConfig struct {
	Staleness    time.Duration `mapstructure:"staleness"`
	AssumedStock int64         `mapstructure:"assumed_stock"`
}

// SelectorConfig sets the winner rule.
type SelectorConfig struct {
	SpreadThreshold float64 `mapstructure:"spread_threshold"`
}

// EngineConfig bounds one lookup.
type EngineConfig struct {
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// SchedulerConfig governs the maintenance cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	PrewarmTopN     int           `mapstructure:"prewarm_top_n"`
	WarmKeys        []string      `mapstructure:"warm_keys"`
}

// MetricsConfig configures the exposition endpoint.
type MetricsConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	LatencySamples int    `mapstructure:"latency_samples"`
}

// AlertingConfig defines breaker alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets probe export behaviour.
type ExportConfig struct {
	Dir           string `mapstructure:"dir"`
	MaxDataPoints int    `mapstructure:"max_data_points"`
}

// SourceConfig describes one vendor.
type SourceConfig struct {
	Name          string        `mapstructure:"name"`
	Kind          string        `mapstructure:"kind"`
	Transport     string        `mapstructure:"transport"`
	URL           string        `mapstructure:"url"`
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UserAgent     string        `mapstructure:"user_agent"`
	Delay         time.Duration `mapstructure:"delay"`
	FailureRate   float64       `mapstructure:"failure_rate"`
}

// Transport names.
const (
	TransportHTTP     = "http"
	TransportFile     = "file"
	TransportPostgres = "postgres"
)

// Backend names shared by cache and rate_limit.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("STOCKAGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stockagg")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "stockagg:")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", "2m")
	v.SetDefault("cache.janitor_interval", "1m")

	v.SetDefault("rate_limit.backend", BackendMemory)
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.failure_policy", "open")
	v.SetDefault("rate_limit.sweep_interval", "1m")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.timeout", "2s")
	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("retry.max_delay", "1s")

	v.SetDefault("normalizer.staleness", "10m")
	v.SetDefault("normalizer.assumed_stock", 5)

	v.SetDefault("selector.spread_threshold", 0.10)

	v.SetDefault("engine.lookup_timeout", "7s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73746b61))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.prewarm_top_n", 10)
	v.SetDefault("scheduler.warm_keys", []string{})

	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.latency_samples", 1000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be greater than zero")
	}
	if c.Retry.Attempts <= 0 || c.Retry.Timeout <= 0 {
		return fmt.Errorf("retry.attempts and retry.timeout must be greater than zero")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Normalizer.Staleness <= 0 {
		return fmt.Errorf("normalizer.staleness must be greater than zero")
	}
	if c.Normalizer.AssumedStock < 0 {
		return fmt.Errorf("normalizer.assumed_stock cannot be negative")
	}
	if c.Selector.SpreadThreshold < 0 {
		return fmt.Errorf("selector.spread_threshold cannot be negative")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if err := validateBackend("cache.backend", c.Cache.Backend); err != nil {
		return err
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be greater than zero")
	}
	if err := validateBackend("rate_limit.backend", c.RateLimit.Backend); err != nil {
		return err
	}
	switch c.RateLimit.FailurePolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("rate_limit.failure_policy must be open or closed, got %q", c.RateLimit.FailurePolicy)
	}
	if (c.Cache.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr 必须配置")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.PrewarmTopN < 0 {
		return fmt.Errorf("scheduler.prewarm_top_n cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return c.validateSources()
}

func validateBackend(key, backend string) error {
	switch backend {
	case BackendMemory, BackendRedis:
		return nil
	default:
		return fmt.Errorf("%s must be memory or redis, got %q", key, backend)
	}
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources 至少需要配置一个供应商")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name 必须配置", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}

		switch src.Kind {
		case "vendor_a", "vendor_b", "vendor_c":
		default:
			return fmt.Errorf("sources[%d].kind must be vendor_a, vendor_b or vendor_c, got %q", i, src.Kind)
		}

		switch src.Transport {
		case TransportHTTP:
			if src.URL == "" {
				return fmt.Errorf("sources[%d].url 必须配置 (transport=http)", i)
			}
		case TransportFile:
			if src.Path == "" {
				return fmt.Errorf("sources[%d].path 必须配置 (transport=file)", i)
			}
		case TransportPostgres:
			if c.Database.DSN == "" {
				return fmt.Errorf("sources[%d]: transport=postgres requires database.dsn", i)
			}
		default:
			return fmt.Errorf("sources[%d].transport must be http, file or postgres, got %q", i, src.Transport)
		}

		if src.FailureRate < 0 || src.FailureRate > 1 {
			return fmt.Errorf("sources[%d].failure_rate must be within [0,1]", i)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
