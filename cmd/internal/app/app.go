// Package app wires the noogle server runtime: config, logging, storage,
// the coalescing cache, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"noogle/cmd/internal/document"
	"noogle/cmd/internal/metrics"
	"noogle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the server runtime: it owns HTTP wiring and the lifecycles of the
// database pool, the Redis client and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Collectors

	store     document.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb *redis.Client

	hub *realtime.Hub
	ws  *realtime.WSGateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		metrics:   m,
		store:     store,
		dbPool:    pool,
		dbEnabled: pool != nil,
	}

	opts := []document.GatewayOption{
		document.WithLogger(log),
		document.WithMetrics(m),
		document.WithCacheTTL(nonZeroDuration(cfg.CacheTTL, document.DefaultCacheTTL)),
	}
	if cache, err := a.newCache(ctx); err != nil {
		_ = a.Close()
		return nil, err
	} else if cache != nil {
		opts = append(opts, document.WithCache(cache))
	}

	gw, err := document.NewGateway(store, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.hub = realtime.NewHub(log, m)
	router := realtime.NewRouter(log, a.hub, gw, m)
	a.ws = realtime.NewWSGateway(log, router, m, cfg.WS)

	return a, nil
}

// Handler returns the root HTTP handler with request logging applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"cache_enabled", a.rdb != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; their
	// handlers finish on their own once the peers go away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases the store, the pool and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
		a.rdb = nil
	}
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
// Ownership: the app owns the pool; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (document.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return document.NewMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := document.NewPostgresStore(pool, document.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

// newCache connects the coalescing cache. An unreachable Redis at startup is
// not fatal: go-redis reconnects on demand and saves meanwhile always write
// durably.
func (a *App) newCache(ctx context.Context) (document.Cache, error) {
	if a.cfg.CacheDisabled {
		a.log.Info("cache.disabled")
		return nil, nil
	}

	rdb, err := NewRedisClient(a.cfg)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb

	if err := PingRedis(ctx, rdb, 2*time.Second); err != nil {
		a.log.Warn("cache.unavailable", "addr", rdb.Options().Addr, "err", err)
	} else {
		a.log.Info("cache.enabled", "addr", rdb.Options().Addr)
	}

	cache, err := document.NewRedisCache(rdb)
	if err != nil {
		return nil, err
	}
	return cache, nil
}
