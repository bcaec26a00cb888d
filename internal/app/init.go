package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tessellate-io/ai-gateway/internal/admission"
	"github.com/tessellate-io/ai-gateway/internal/auth"
	"github.com/tessellate-io/ai-gateway/internal/budget"
	gwCache "github.com/tessellate-io/ai-gateway/internal/cache"
	"github.com/tessellate-io/ai-gateway/internal/metrics"
	"github.com/tessellate-io/ai-gateway/internal/proxy"
	"github.com/tessellate-io/ai-gateway/internal/ratelimit"
	"github.com/tessellate-io/ai-gateway/internal/usage"
)

// initInfra establishes optional external connections.
// Redis is only required when the cache or the counters use it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.CounterMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the upstream provider map. At least one provider must
// be configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the usage recorder, and the
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		maxBytes := int64(a.cfg.Cache.MaxSizeMB) << 20
		a.memCache = gwCache.NewMemoryCache(ctx, maxBytes)
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_size_mb", a.cfg.Cache.MaxSizeMB))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	var sink usage.Sink
	switch a.cfg.Usage.Sink {
	case "clickhouse":
		s, err := usage.NewClickHouseSink(ctx, a.cfg.Usage.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		sink = s
		a.log.Info("usage sink: clickhouse")
	case "stdout":
		sink = usage.NewSlogSink(a.log)
		a.log.Info("usage sink: stdout")
	case "none":
		a.log.Info("usage sink: disabled")
	}
	if sink != nil {
		rec, err := usage.NewRecorder(ctx, sink)
		if err != nil {
			return fmt.Errorf("usage recorder: %w", err)
		}
		a.recorder = rec
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── API key store ─────────────────────────────────────────────────────────
	keys, err := auth.LoadKeyFile(a.cfg.Keys.File)
	if err != nil {
		return fmt.Errorf("key file: %w", err)
	}
	a.log.Info("api keys loaded", slog.Int("keys", keys.Len()))

	// ── Cache implementation ──────────────────────────────────────────────────
	var cacheImpl gwCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = gwCache.NewRedisCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Counters: rate limiter + budget ledger ────────────────────────────────
	var limiter ratelimit.Limiter
	var store budget.CounterStore
	if a.cfg.CounterMode == "redis" {
		limiter = ratelimit.NewRedisLimiter(a.rdb)
		store = budget.NewRedisStore(a.rdb)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		store = budget.NewMemoryStore()
	}
	ledger := budget.NewLedger(store, a.log)

	ctrl := admission.NewController(limiter, ledger, admission.Defaults{
		RateLimitPerWindow: a.cfg.RateLimit.MaxRequests,
		RateLimitWindow:    a.cfg.RateLimit.Window,
		DailyBudgetUsd:     a.cfg.DefaultDailyCap(),
		MonthlyBudgetUsd:   a.cfg.DefaultMonthlyCap(),
	})

	// ── Cache exclusions ──────────────────────────────────────────────────────
	var exclusions *gwCache.Exclusions
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		ex, err := gwCache.CompileExclusions(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = ex
		a.log.Info("cache exclusions loaded", slog.Int("rules", ex.Len()))
	}

	// ── Build the gateway ─────────────────────────────────────────────────────
	a.gw = proxy.NewGateway(a.baseCtx, a.provs, keys, proxy.GatewayOptions{
		Logger:          a.log,
		MaxRetries:      a.cfg.Upstream.MaxRetries,
		ProviderTimeout: a.cfg.Upstream.ProviderTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		RateLimitWindow: a.cfg.RateLimit.Window,
		Cache:           cacheImpl,
		CacheExclusions: exclusions,
		Admission:       ctrl,
		Ledger:          ledger,
		Usage:           a.recorder,
		Metrics:         a.prom,
		CacheReady:      cacheReady,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	// ── Management routes ─────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
