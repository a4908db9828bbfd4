package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockagg/internal/alerting"
	"stockagg/internal/breaker"
	"stockagg/internal/cache"
	"stockagg/internal/config"
	"stockagg/internal/engine"
	"stockagg/internal/metrics"
	"stockagg/internal/model"
	"stockagg/internal/normalize"
	"stockagg/internal/ratelimit"
	"stockagg/internal/retry"
	"stockagg/internal/scheduler"
	"stockagg/internal/selector"
	"stockagg/internal/service"
	"stockagg/internal/source"
	"stockagg/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Runtime holds the wired components of one process.
type Runtime struct {
	Engine     *engine.Engine
	Limiter    *ratelimit.Limiter
	Recorder   *metrics.Recorder
	Registry   *prometheus.Registry
	Popularity *service.Popularity
	Store      *storage.Store

	memCache  *cache.Memory
	memWindow *ratelimit.Memory
	closers   []func()
}

// Close releases connections in reverse order of opening.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) needsDatabase() bool {
	if a.Config.Database.DSN != "" {
		return true
	}
	for _, src := range a.Config.Sources {
		if src.Transport == config.TransportPostgres {
			return true
		}
	}
	return false
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) needsRedis() bool {
	return a.Config.Cache.Backend == config.BackendRedis || a.Config.RateLimit.Backend == config.BackendRedis
}

func (a *App) openRedis(ctx context.Context) (goredis.UniversalClient, func(), error) {
	cfg := a.Config.Redis
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, func() { _ = client.Close() }, nil
}

// build wires every component named in the configuration.
func (a *App) build(ctx context.Context) (_ *Runtime, err error) {
	rt := &Runtime{Registry: prometheus.NewRegistry(), Popularity: service.NewPopularity()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	collectors, err := metrics.NewCollectors(rt.Registry)
	if err != nil {
		return nil, err
	}
	rt.Recorder = metrics.NewRecorder(a.Config.Metrics.LatencySamples, collectors)

	if a.needsDatabase() {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if closeStore != nil {
			rt.closers = append(rt.closers, closeStore)
		}
		rt.Store = store
	}

	var redisClient goredis.UniversalClient
	if a.needsRedis() {
		client, closeRedis, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closeRedis)
		redisClient = client
	}

	sources, err := a.buildSources(rt)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	if a.Config.Cache.Backend == config.BackendRedis {
		store = cache.NewRedis(redisClient, a.Config.Redis.Prefix)
	} else {
		rt.memCache = cache.NewMemory(nil)
		store = rt.memCache
	}

	rt.Engine, err = engine.New(engine.Deps{
		Sources: sources,
		Retry: retry.New(retry.Options{
			Attempts:  a.Config.Retry.Attempts,
			Timeout:   a.Config.Retry.Timeout,
			BaseDelay: a.Config.Retry.BaseDelay,
			MaxDelay:  a.Config.Retry.MaxDelay,
		}, a.Logger),
		Normalizer: normalize.New(normalize.Options{
			Staleness:    a.Config.Normalizer.Staleness,
			AssumedStock: a.Config.Normalizer.AssumedStock,
		}, rt.Recorder, a.Logger),
		Selector: selector.New(decimal.NewFromFloat(a.Config.Selector.SpreadThreshold)),
		Cache:    store,
		Recorder: rt.Recorder,
		Observer: rt.Popularity,
	}, engine.Options{
		CacheTTL:      a.Config.Cache.TTL,
		LookupTimeout: a.Config.Engine.LookupTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	policy, err := ratelimit.ParsePolicy(a.Config.RateLimit.FailurePolicy)
	if err != nil {
		return nil, err
	}
	var backend ratelimit.Backend
	if a.Config.RateLimit.Backend == config.BackendRedis {
		backend = ratelimit.NewRedis(redisClient, a.Config.Redis.Prefix, nil)
	} else {
		rt.memWindow = ratelimit.NewMemory(nil)
		backend = rt.memWindow
	}
	rt.Limiter = ratelimit.New(backend, ratelimit.Options{
		Limit:  a.Config.RateLimit.Limit,
		Window: a.Config.RateLimit.Window,
		Policy: policy,
	}, rt.Recorder, a.Logger)

	return rt, nil
}

func (a *App) buildSources(rt *Runtime) ([]engine.Source, error) {
	onChange := a.onBreakerChange(rt.Recorder, a.newNotifier())

	sources := make([]engine.Source, 0, len(a.Config.Sources))
	for _, cfg := range a.Config.Sources {
		transport, err := a.newTransport(cfg, rt.Store)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
		client, err := source.NewClient(cfg.Name, model.SourceKind(cfg.Kind), transport, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
		br := breaker.New(cfg.Name, breaker.Options{
			FailureThreshold: a.Config.Breaker.FailureThreshold,
			Cooldown:         a.Config.Breaker.Cooldown,
			OnStateChange:    onChange,
		})
		rt.Recorder.SetBreakerState(cfg.Name, br.CurrentState())
		sources = append(sources, engine.Source{Fetcher: client, Breaker: br})
	}
	return sources, nil
}

func (a *App) newTransport(cfg config.SourceConfig, store *storage.Store) (source.Transport, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return source.NewHTTPTransport(source.HTTPOptions{
			BaseURL:       cfg.URL,
			Timeout:       cfg.Timeout,
			UserAgent:     cfg.UserAgent,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
		})
	case config.TransportFile:
		return source.NewFileTransport(source.FileOptions{
			Path:        cfg.Path,
			Delay:       cfg.Delay,
			FailureRate: cfg.FailureRate,
		})
	case config.TransportPostgres:
		if store == nil {
			return nil, storage.ErrNotConfigured
		}
		return source.NewPostgresTransport(store, cfg.Name)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// onBreakerChange exports the new state and dispatches an alert off the
// caller's goroutine.
func (a *App) onBreakerChange(recorder *metrics.Recorder, notifier alerting.Notifier) breaker.StateChangeFunc {
	timeout := a.Config.Alerting.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(name string, from, to breaker.State, snap breaker.Snapshot) {
		recorder.SetBreakerState(name, to)

		event := a.Logger.Info()
		if to == breaker.StateOpen {
			event = a.Logger.Warn()
		}
		event.Str("source", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Int("consecutive_failures", snap.ConsecutiveFailures).
			Dur("cooldown_remaining", snap.CooldownRemaining).
			Msg("breaker state changed")

		if notifier == nil || !alerting.ShouldNotify(from, to) {
			return
		}
		note := alerting.Notification{
			Source:            name,
			From:              from,
			To:                to,
			At:                time.Now().UTC(),
			Failures:          snap.ConsecutiveFailures,
			CooldownRemaining: snap.CooldownRemaining,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := notifier.Notify(ctx, note); err != nil {
				a.Logger.Error().Err(err).Str("source", name).Msg("failed to dispatch breaker alert")
			}
		}()
	}
}

// startBackground runs the in-memory janitors until ctx ends.
func (a *App) startBackground(ctx context.Context, rt *Runtime) {
	if rt.memCache != nil && a.Config.Cache.JanitorInterval > 0 {
		go rt.memCache.RunJanitor(ctx, a.Config.Cache.JanitorInterval)
	}
	if rt.memWindow != nil && a.Config.RateLimit.SweepInterval > 0 {
		go runEvery(ctx, a.Config.RateLimit.SweepInterval, func() {
			if n := rt.memWindow.Sweep(a.Config.RateLimit.Window); n > 0 {
				a.Logger.Debug().Int("identities", n).Msg("swept idle rate windows")
			}
		})
	}
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (a *App) newMetricsServer(rt *Runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.Registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := "ok"
		if rt.Store != nil {
			if err := rt.Store.Ping(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, "database: "+err.Error()
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return &http.Server{
		Addr:              a.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run executes the long-running maintenance service with its metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; advisory lock disabled, every replica runs the job")
	}

	a.startBackground(ctx, rt)

	var srv *http.Server
	if a.Config.Metrics.ListenAddr != "" {
		srv = a.newMetricsServer(rt)
		go func() {
			a.Logger.Info().Str("addr", srv.Addr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var locker storage.AdvisoryLocker
	if rt.Store != nil {
		locker = rt.Store
	}
	svc := service.New(sched, rt.Engine, rt.Popularity, locker, service.Options{
		PrewarmTopN: a.Config.Scheduler.PrewarmTopN,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		PinnedKeys:  a.Config.Scheduler.WarmKeys,
	}, a.Logger)

	a.Logger.Info().Strs("sources", rt.Engine.SourceNames()).Msg("starting aggregation service")
	err = svc.Run(ctx)

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("aggregation service stopped")
	return nil
}

// ProbeOptions configure the probe command.
type ProbeOptions struct {
	Keys      []string
	Rounds    int
	Interval  time.Duration
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// SeedOptions configure the seed command.
type SeedOptions struct {
	Source string
	File   string
	DryRun bool
}
