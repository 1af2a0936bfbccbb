package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hoopslab/leaderboards/internal/catalog"
	"hoopslab/leaderboards/internal/config"
	"hoopslab/leaderboards/internal/leaderboard"
	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/models"
	"hoopslab/leaderboards/internal/progress"
)

// Job types
const (
	JobRebuildStat   = "rebuild_stat"
	JobRebuildSeason = "rebuild_season"
)

// Builder is the leaderboard pipeline driven by background jobs
type Builder interface {
	Build(ctx context.Context, seasonID int, statKey string, f models.Filters) (*leaderboard.Result, error)
	Catalog() *catalog.Catalog
	PruneRegistry(ctx context.Context) (int, error)
}

// SeasonLister lists the seasons the nightly rebuild covers
type SeasonLister interface {
	IDs(ctx context.Context) ([]int, error)
}

// VersionLister returns the latest stored version header of every payload
type VersionLister interface {
	LatestHeaders(ctx context.Context, seasonID int) ([]*models.CachedLeaderboard, error)
}

// Watermarker reports the latest source update of a season
type Watermarker interface {
	Watermark(ctx context.Context, seasonID int) (time.Time, error)
}

// Scheduler manages background leaderboard rebuilds:
// - a worker queue for on-demand and stale-payload rebuilds
// - a nightly rebuild of every season
// - a periodic sweep that queues rebuilds for stale stored payloads
type Scheduler struct {
	cfg        *config.Config
	builder    Builder
	seasons    SeasonLister
	versions   VersionLister
	watermarks Watermarker
	progress   *progress.Store

	queue    *Queue
	cron     *cron.Cron
	ticker   *time.Ticker
	stopChan chan struct{}
	now      func() time.Time
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.Config, builder Builder, seasons SeasonLister, versions VersionLister, watermarks Watermarker, prog *progress.Store) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		builder:    builder,
		seasons:    seasons,
		versions:   versions,
		watermarks: watermarks,
		progress:   prog,
		queue:      NewQueue(cfg.SchedulerQueueSize),
		cron:       cron.New(),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start starts the job workers and, when enabled, the periodic schedules
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	s.queue.Start(ctx, s.cfg.SchedulerWorkers)
	log.Info().
		Int("workers", s.cfg.SchedulerWorkers).
		Int("queue_size", s.cfg.SchedulerQueueSize).
		Msg("Job workers started")

	if !s.cfg.EnableScheduler {
		log.Info().Msg("Periodic schedules disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.NightlyRebuildCron, func() {
		log.Info().Msg("Running nightly leaderboard rebuild...")
		if err := s.RebuildAllSeasons(ctx); err != nil {
			log.Error().Err(err).Msg("Nightly rebuild failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule nightly rebuild: %w", err)
	}

	s.cron.Start()
	log.Info().
		Str("schedule", s.cfg.NightlyRebuildCron).
		Msg("Nightly rebuild scheduled")

	if s.cfg.StalenessSweep > 0 {
		s.ticker = time.NewTicker(s.cfg.StalenessSweep)
		log.Info().
			Dur("interval", s.cfg.StalenessSweep).
			Msg("Staleness sweep started")
		go s.sweepLoop(ctx)
	}

	return nil
}

// Stop stops the schedules and waits for queued jobs to finish
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	if s.ticker != nil {
		s.ticker.Stop()
	}

	close(s.stopChan)
	s.queue.Close()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping staleness sweep")
			return
		case <-s.stopChan:
			log.Info().Msg("Stop signal received, stopping staleness sweep")
			return
		case <-s.ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Staleness sweep failed")
			}
		}
	}
}

// ScheduleRebuild queues a rebuild of one (possibly filtered) payload. It is a
// no-op returning an empty id while rebuilds are disabled.
func (s *Scheduler) ScheduleRebuild(seasonID int, statKey string, f models.Filters) (string, error) {
	if !s.cfg.RebuildsEnabled {
		log.Info().
			Int("season_id", seasonID).
			Str("stat", statKey).
			Msg("Rebuilds disabled, skipping stat rebuild")
		return "", nil
	}

	f = leaderboard.NormalizeFilters(f)
	key := JobRebuildStat + ":" + leaderboard.CacheKey(seasonID, statKey, f)
	id, _, err := s.queue.Enqueue(JobRebuildStat, key, func(ctx context.Context) error {
		_, err := s.builder.Build(ctx, seasonID, statKey, f)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to queue rebuild of %s: %w", statKey, err)
	}
	return id, nil
}

// ScheduleSeasonRebuild queues a rebuild of every stat of a season. Progress
// is reported under the season's progress key.
func (s *Scheduler) ScheduleSeasonRebuild(ctx context.Context, seasonID int) (string, error) {
	if !s.cfg.RebuildsEnabled {
		log.Info().Int("season_id", seasonID).Msg("Rebuilds disabled, skipping season rebuild")
		return "", nil
	}

	key := fmt.Sprintf("%s:%d", JobRebuildSeason, seasonID)
	id, added, err := s.queue.Enqueue(JobRebuildSeason, key, func(ctx context.Context) error {
		return s.RebuildSeason(ctx, seasonID)
	})
	if err != nil {
		return "", fmt.Errorf("failed to queue season %d rebuild: %w", seasonID, err)
	}
	if added {
		s.setProgress(ctx, seasonID, 0, "Queued", false, nil)
	}
	return id, nil
}

// RebuildSeason builds every catalog stat of a season in order, reporting
// progress after each stat. It stops at the first failure.
func (s *Scheduler) RebuildSeason(ctx context.Context, seasonID int) error {
	if !s.cfg.RebuildsEnabled {
		log.Info().Int("season_id", seasonID).Msg("Rebuilds disabled, skipping season rebuild")
		return nil
	}

	keys := s.builder.Catalog().Keys()
	total := len(keys)
	s.setProgress(ctx, seasonID, 0, "Starting", false, nil)

	for i, stat := range keys {
		if err := ctx.Err(); err != nil {
			s.setProgress(ctx, seasonID, percent(i, total), "Failed on "+stat, true, err)
			return err
		}
		if _, err := s.builder.Build(ctx, seasonID, stat, models.Filters{}); err != nil {
			s.setProgress(ctx, seasonID, percent(i, total), "Failed on "+stat, true, err)
			return fmt.Errorf("failed to rebuild %s: %w", stat, err)
		}
		s.setProgress(ctx, seasonID, percent(i+1, total), fmt.Sprintf("Built %s (%d/%d)", stat, i+1, total), false, nil)
	}

	s.setProgress(ctx, seasonID, 100, "Complete", true, nil)
	log.Info().
		Int("season_id", seasonID).
		Int("stats", total).
		Msg("Season leaderboards rebuilt")
	return nil
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

func (s *Scheduler) setProgress(ctx context.Context, seasonID, pct int, message string, done bool, jobErr error) {
	if s.progress == nil {
		return
	}
	if _, err := s.progress.Set(ctx, leaderboard.ProgressKey(seasonID), pct, message, done, jobErr); err != nil {
		log.Warn().Err(err).Int("season_id", seasonID).Msg("Failed to record rebuild progress")
	}
}

// RebuildAllSeasons rebuilds every known season
func (s *Scheduler) RebuildAllSeasons(ctx context.Context) error {
	if !s.cfg.RebuildsEnabled {
		log.Info().Msg("Rebuilds disabled, skipping nightly rebuild")
		return nil
	}

	ids, err := s.seasons.IDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list seasons: %w", err)
	}
	return s.RebuildSeasons(ctx, ids)
}

// RebuildSeasons rebuilds the given seasons, running up to SeasonParallelism
// at once. Every season runs even when another fails.
func (s *Scheduler) RebuildSeasons(ctx context.Context, ids []int) error {
	if !s.cfg.RebuildsEnabled {
		log.Info().Ints("seasons", ids).Msg("Rebuilds disabled, skipping season rebuilds")
		return nil
	}

	var g errgroup.Group
	g.SetLimit(max(s.cfg.SeasonParallelism, 1))
	for _, id := range ids {
		g.Go(func() error {
			start := time.Now()
			err := s.RebuildSeason(ctx, id)
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.RecordJob(JobRebuildSeason, status, time.Since(start).Seconds())
			if err != nil {
				return fmt.Errorf("season %d: %w", id, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Int("seasons", len(ids)).Msg("Season rebuilds complete")
	return nil
}

// Sweep queues rebuilds for stored season payloads that are stale. Filtered
// variants are left to rebuild on read. Hot cache registry entries whose keys
// have expired are dropped first. Returns the number of rebuilds queued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if !s.cfg.RebuildsEnabled {
		return 0, nil
	}

	start := time.Now()
	pruned, err := s.builder.PruneRegistry(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune hot cache registry")
	}

	headers, err := s.versions.LatestHeaders(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored payloads: %w", err)
	}

	now := s.now()
	cat := s.builder.Catalog()
	marks := make(map[int]time.Time)
	queued := 0

	for _, h := range headers {
		if h.VariantKey != "" {
			continue
		}
		if _, ok := cat.Lookup(h.StatKey); !ok {
			continue
		}

		check := leaderboard.StalenessCheck{
			SchemaVersion:    h.SchemaVersion,
			FormatterVersion: h.FormatterVersion,
			BuiltAt:          builtAt(h),
			MaxAge:           s.cfg.MaxPayloadAge,
			Now:              now,
		}
		if s.cfg.WatermarkStaleness && s.watermarks != nil {
			mark, ok := marks[h.SeasonID]
			if !ok {
				mark, err = s.watermarks.Watermark(ctx, h.SeasonID)
				if err != nil {
					return queued, fmt.Errorf("failed to read watermark for season %d: %w", h.SeasonID, err)
				}
				marks[h.SeasonID] = mark
			}
			check.Watermark = mark
		}

		verdict := leaderboard.CheckStaleness(check)
		if !verdict.Stale {
			continue
		}
		metrics.RecordStale(verdict.Hard)

		if _, err := s.ScheduleRebuild(h.SeasonID, h.StatKey, models.Filters{}); err != nil {
			log.Warn().Err(err).
				Int("season_id", h.SeasonID).
				Str("stat", h.StatKey).
				Msg("Failed to queue stale payload rebuild")
			continue
		}
		queued++
	}

	log.Info().
		Int("checked", len(headers)).
		Int("queued", queued).
		Int("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Staleness sweep complete")
	return queued, nil
}

// builtAt reads built_at from the build manifest. updated_at is only a
// fallback since it is stamped after the payload was computed.
func builtAt(h *models.CachedLeaderboard) time.Time {
	var manifest models.BuildManifest
	if err := json.Unmarshal(h.BuildManifest, &manifest); err == nil && !manifest.BuiltAt.IsZero() {
		return manifest.BuiltAt
	}
	return h.UpdatedAt
}

// Pending returns the number of queued jobs
func (s *Scheduler) Pending() int {
	return s.queue.Pending()
}
