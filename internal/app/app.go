// Package app wires the database, cache, leaderboard service and scheduler
// shared by the worker and the lbctl command.
package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/api"
	"hoopslab/leaderboards/internal/cache"
	"hoopslab/leaderboards/internal/catalog"
	"hoopslab/leaderboards/internal/config"
	"hoopslab/leaderboards/internal/leaderboard"
	"hoopslab/leaderboards/internal/progress"
	"hoopslab/leaderboards/internal/repository"
	"hoopslab/leaderboards/internal/scheduler"
)

// App holds the running components
type App struct {
	Config    *config.Config
	DB        *repository.Database
	Cache     cache.Store
	Progress  *progress.Store
	Service   *leaderboard.Service
	Scheduler *scheduler.Scheduler
}

// New connects to the database and cache and builds the leaderboard service.
// Outside production a Redis failure falls back to an in-process cache.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	dbConfig := repository.Config{
		Host:     cfg.DatabaseHost,
		Port:     strconv.Itoa(cfg.DatabasePort),
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
	}

	db, err := repository.NewDatabase(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load stat catalog: %w", err)
	}
	log.Info().Int("stats", cat.Len()).Msg("Stat catalog loaded")

	store, shared, err := connectCache(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Progress must be visible across processes, so the in-process cache
	// falls back to the progress file.
	var progressCache cache.Store
	if shared {
		progressCache = store
	}
	prog := progress.NewStore(progressCache, cfg.ProgressDir)

	svc := leaderboard.NewService(cat, db.Stats, db.Leaderboards, db.Snapshots, store, leaderboard.Options{
		CacheTTL:           cfg.CacheTTL,
		CompactCacheTTL:    cfg.CompactCacheTTL,
		Retain:             cfg.SnapshotRetain,
		MaxAge:             cfg.MaxPayloadAge,
		UseSnapshots:       cfg.UseSnapshots,
		WatermarkStaleness: cfg.WatermarkStaleness,
	})

	sched := scheduler.NewScheduler(cfg, svc, db.Seasons, db.Leaderboards, db.Stats, prog)
	svc.SetScheduler(sched)

	return &App{
		Config:    cfg,
		DB:        db,
		Cache:     store,
		Progress:  prog,
		Service:   svc,
		Scheduler: sched,
	}, nil
}

// connectCache returns the hot cache and whether it is shared across
// processes. Production workers share invalidations and progress through
// Redis, so there an unreachable Redis is an error.
func connectCache(ctx context.Context, cfg *config.Config) (cache.Store, bool, error) {
	if !cfg.RedisEnabled {
		log.Info().Msg("Redis disabled, using in-process cache")
		return cache.NewMemoryCache(), false, nil
	}

	redisCache, err := cache.NewRedisCache(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		if cfg.IsProduction() {
			return nil, false, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Warn().Err(err).Msg("Failed to connect to Redis - continuing with in-process cache")
		return cache.NewMemoryCache(), false, nil
	}
	return redisCache, true, nil
}

// Handler returns the HTTP API backed by this App
func (a *App) Handler() *api.Handler {
	return api.NewHandler(a.Service, a.Scheduler, a.Progress, map[string]api.HealthCheck{
		"database": a.DB.Health,
		"cache":    a.Cache.Ping,
	})
}

// Close releases the cache and database connections
func (a *App) Close() {
	if err := a.Cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cache")
	}
	a.DB.Close()
}
