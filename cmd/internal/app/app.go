// Package app wires the wisdom-social chat runtime: config, logging, storage,
// caches, realtime fan-out and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/auth/token"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
	chatapi "github.com/HuuThai2910/wisdom-social/cmd/internal/chat/api"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/realtime"
)

// storage is the durable store plus its optional seeding capability.
type storage interface {
	chat.Store
	chat.Seeder
}

// App is the server runtime. It owns every resource it opens.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client
	store  storage

	hub    *realtime.Hub
	fanout *realtime.Fanout
	relay  *realtime.RedisRelay

	svc *chat.Service
	ws  *realtime.WSGateway
	api *chatapi.Handler

	handler   http.Handler
	closeOnce sync.Once
}

// New constructs a fully wired App. On error every opened resource is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}

	window, kv := a.caches()

	a.hub = realtime.NewHub(log)
	fanOpts := []realtime.FanoutOption{
		realtime.WithWorkers(cfg.FanoutWorkers),
		realtime.WithQueueSize(cfg.FanoutQueue),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.FanoutRelay)) {
	case "":
	case "redis":
		if a.redis == nil {
			return nil, errors.New("app: WISDOM_FANOUT_RELAY=redis requires WISDOM_REDIS_URL")
		}
		a.relay = realtime.NewRedisRelay(log, a.redis, "")
		fanOpts = append(fanOpts, realtime.WithRelay(a.relay))
	default:
		return nil, fmt.Errorf("app: unknown fan-out relay %q", cfg.FanoutRelay)
	}
	a.fanout = realtime.NewFanout(log, a.hub, fanOpts...)

	dir := chat.NewDirectory(a.store, chat.WithMemberCache(kv, cfg.MemberCacheTTL), chat.WithDirectoryLogger(log))
	a.svc, err = chat.NewService(a.store,
		chat.WithWindow(window),
		chat.WithDirectory(dir),
		chat.WithPublisher(a.fanout),
		chat.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	verifier, err := a.verifier()
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.svc,
		realtime.WithVerifier(verifier),
		realtime.WithDevAuth(cfg.AuthDevHeader),
	)
	if err != nil {
		return nil, err
	}
	a.api, err = chatapi.NewHandler(log, a.svc,
		chatapi.WithVerifier(verifier),
		chatapi.WithDevUserHeader(cfg.AuthDevHeader),
	)
	if err != nil {
		return nil, err
	}

	if cfg.DevSeed {
		if err := seedDev(ctx, a.store, a.store, log); err != nil {
			return nil, fmt.Errorf("dev seed: %w", err)
		}
	}

	deps := routerDeps{log: log, cfg: cfg, dbPool: a.dbPool, ws: a.ws, api: a.api}
	if a.redis != nil {
		deps.redis = a.redis
	}
	a.handler = newRouter(deps)
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the chat service.
func (a *App) Service() *chat.Service { return a.svc }

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.dbPool = pool

	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if a.cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.log.Info("db.migrate.ok", "schema", a.cfg.DBSchema)
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.log.Info("redis.disabled.inmemory_cache")
		return nil
	}
	client, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.log.Info("redis.enabled")
	return nil
}

func (a *App) caches() (cache.Window, cache.KV) {
	opts := []cache.Option{cache.WithCapacity(a.cfg.CacheSize), cache.WithTTL(a.cfg.CacheTTL)}
	if a.redis != nil {
		return cache.NewRedisWindow(a.redis, opts...), cache.NewRedisKV(a.redis)
	}
	return cache.NewMemoryWindow(opts...), cache.NewMemoryKV()
}

func (a *App) verifier() (token.Verifier, error) {
	if a.cfg.PasetoPublicKeyHex == "" {
		if !a.cfg.AuthDevHeader {
			return nil, errors.New("app: set WISDOM_PASETO_V4_PUBLIC_KEY_HEX or WISDOM_AUTH_DEV_HEADER=true")
		}
		a.log.Warn("auth.dev_header.enabled")
		return nil, nil
	}
	v, err := token.NewV4PublicVerifier(token.Config{
		PublicKeyHex: a.cfg.PasetoPublicKeyHex,
		Issuer:       a.cfg.AuthIssuer,
		ClockSkew:    5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("access token verifier: %w", err)
	}
	return v, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	a.fanout.Start()
	if a.relay != nil {
		if err := a.relay.Start(ctx, a.hub); err != nil {
			a.close(context.Background())
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"relay_enabled", a.relay != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// close releases resources in reverse dependency order: fan-out (drains
// queued events into the relay), relay, store, redis, pool.
func (a *App) close(_ context.Context) {
	a.closeOnce.Do(a.closeResources)
}

func (a *App) closeResources() {
	// The fan-out drains into the relay, so it closes first.
	if a.fanout != nil {
		a.fanout.Close()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn("relay.close.fail", "err", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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
