package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"hoopslab/leaderboards/internal/cache"
	"hoopslab/leaderboards/internal/catalog"
	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/models"
	"hoopslab/leaderboards/internal/repository"
)

const builderName = "leaderboard.Service.Build"

// Lookup sources reported by Get
const (
	SourceHot    = "hot"
	SourceStored = "stored"
	SourceBuilt  = "built"
	SourceLegacy = "legacy"
)

// PayloadStore persists versioned payloads
type PayloadStore interface {
	Save(ctx context.Context, entry *models.CachedLeaderboard, retain int) (*models.CachedLeaderboard, error)
	FetchLatest(ctx context.Context, seasonID int, statKey, variantKey string) (*models.CachedLeaderboard, error)
	DeleteAfterEtag(ctx context.Context, seasonID int, statKey, variantKey, etag string) (int, error)
	LoadLatestForSeason(ctx context.Context, seasonID int) (map[string]*models.Payload, error)
}

// SnapshotStore persists baseline aggregates for filtered slices
type SnapshotStore interface {
	Fetch(ctx context.Context, seasonID int, statKey string, f models.Filters) (*models.LeaderboardSnapshot, error)
	Upsert(ctx context.Context, snap *models.LeaderboardSnapshot) error
	DeleteForSeason(ctx context.Context, seasonID int) (int, error)
}

// RebuildScheduler queues background rebuilds of stale payloads
type RebuildScheduler interface {
	ScheduleRebuild(seasonID int, statKey string, f models.Filters) (string, error)
}

// Options tune the Service
type Options struct {
	CacheTTL        time.Duration
	CompactCacheTTL time.Duration
	Retain          int
	MaxAge          time.Duration
	UseSnapshots    bool

	// WatermarkStaleness treats source updates after built_at as soft staleness
	WatermarkStaleness bool
}

// Result is a served payload with its version tag
type Result struct {
	Payload *models.Payload `json:"payload"`
	ETag    string          `json:"etag"`
	Source  string          `json:"-"`
}

// Service runs the compute, normalize, format, persist and staleness stages
type Service struct {
	catalog   *catalog.Catalog
	source    StatSource
	store     PayloadStore
	snapshots SnapshotStore
	cache     cache.Store
	opts      Options

	computer  *Computer
	overrides map[string]ComputeFunc
	scheduler RebuildScheduler
	group     singleflight.Group
	now       func() time.Time
}

// NewService wires the pipeline. snapshots may be nil when baselines are unused.
func NewService(cat *catalog.Catalog, source StatSource, store PayloadStore, snapshots SnapshotStore, c cache.Store, opts Options) *Service {
	if opts.Retain < 1 {
		opts.Retain = 1
	}
	return &Service{
		catalog:   cat,
		source:    source,
		store:     store,
		snapshots: snapshots,
		cache:     c,
		opts:      opts,
		computer:  NewComputer(source),
		overrides: make(map[string]ComputeFunc),
		now:       time.Now,
	}
}

// SetScheduler attaches the scheduler used for soft-stale rebuilds
func (s *Service) SetScheduler(sched RebuildScheduler) {
	s.scheduler = sched
}

// RegisterCompute replaces the compute function for one stat
func (s *Service) RegisterCompute(statKey string, fn ComputeFunc) {
	s.overrides[statKey] = fn
}

// Catalog returns the stat catalog the service builds from
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Get returns the current payload for a stat, reading the hot cache, then the
// latest stored version and finally building one
func (s *Service) Get(ctx context.Context, seasonID int, statKey string, f models.Filters) (*Result, error) {
	def, err := s.catalog.Get(statKey)
	if err != nil {
		return nil, err
	}
	f = NormalizeFilters(f)
	key := CacheKey(seasonID, statKey, f)

	if res, ok := s.fromHotCache(ctx, key); ok {
		metrics.RecordCacheLookup("full", SourceHot)
		return res, nil
	}

	// The shared load outlives any one caller; each caller only stops waiting.
	ch := s.group.DoChan(key, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), seasonID, def, f, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*Result)
		metrics.RecordCacheLookup("full", res.Source)
		return res, nil
	}
}

func (s *Service) fromHotCache(ctx context.Context, key string) (*Result, bool) {
	start := time.Now()
	var res Result
	err := s.cache.Get(ctx, key, &res)
	metrics.RecordCacheOperation("get", time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Hot cache read failed")
		}
		return nil, false
	}
	if res.Payload == nil || res.Payload.SchemaVersion != SchemaVersion || res.Payload.FormatterVersion != FormatterVersion {
		return nil, false
	}
	res.Source = SourceHot
	return &res, true
}

func (s *Service) load(ctx context.Context, seasonID int, def models.StatDefinition, f models.Filters, key string) (*Result, error) {
	variant := VariantKey(f)

	entry, err := s.store.FetchLatest(ctx, seasonID, def.Key, variant)
	if errors.Is(err, repository.ErrNotFound) {
		return s.Build(ctx, seasonID, def.Key, f)
	}
	if err != nil {
		return nil, err
	}

	payload, err := entry.Decode()
	if err != nil {
		log.Warn().Err(err).
			Int("season_id", seasonID).
			Str("stat", def.Key).
			Msg("Stored leaderboard payload undecodable, rebuilding")
		return s.Build(ctx, seasonID, def.Key, f)
	}

	var watermark time.Time
	if s.opts.WatermarkStaleness {
		watermark, err = s.source.Watermark(ctx, seasonID)
		if err != nil {
			return nil, fmt.Errorf("failed to read source watermark: %w", err)
		}
	}

	verdict := CheckStaleness(StalenessCheck{
		SchemaVersion:    entry.SchemaVersion,
		FormatterVersion: entry.FormatterVersion,
		BuiltAt:          payload.BuiltAt,
		Watermark:        watermark,
		MaxAge:           s.opts.MaxAge,
		Now:              s.now(),
	})

	if verdict.Stale {
		metrics.RecordStale(verdict.Hard)
		log.Info().
			Int("season_id", seasonID).
			Str("stat", def.Key).
			Str("verdict", verdict.String()).
			Msg("Stored leaderboard payload is stale")

		if verdict.Hard {
			return s.Build(ctx, seasonID, def.Key, f)
		}
		s.scheduleRebuild(seasonID, def.Key, f)
	}

	res := &Result{Payload: payload, ETag: entry.ETag, Source: SourceStored}
	s.writeHot(ctx, key, seasonID, def.Key, f, res)
	return res, nil
}

func (s *Service) scheduleRebuild(seasonID int, statKey string, f models.Filters) {
	if s.scheduler == nil {
		return
	}
	if _, err := s.scheduler.ScheduleRebuild(seasonID, statKey, f); err != nil {
		log.Warn().Err(err).
			Int("season_id", seasonID).
			Str("stat", statKey).
			Msg("Failed to schedule leaderboard rebuild")
	}
}

// Build computes a fresh payload, persists it as a new version and refreshes
// the hot cache
func (s *Service) Build(ctx context.Context, seasonID int, statKey string, f models.Filters) (*Result, error) {
	start := time.Now()
	res, rows, err := s.build(ctx, seasonID, statKey, NormalizeFilters(f))
	status := "success"
	if err != nil {
		status = "error"
		metrics.RecordError("leaderboard", "build")
	}
	metrics.RecordBuild("full", status, rows, time.Since(start).Seconds())
	return res, err
}

func (s *Service) build(ctx context.Context, seasonID int, statKey string, f models.Filters) (*Result, int, error) {
	def, err := s.catalog.Get(statKey)
	if err != nil {
		return nil, 0, err
	}

	// Stamped before reading source rows so writes landing mid-compute
	// are newer than built_at.
	builtAt := s.now().UTC()
	result, computeSource, err := s.compute(ctx, seasonID, def, f)
	if err != nil {
		return nil, 0, err
	}

	payload := BuildPayload(seasonID, f, result, builtAt)

	body, err := CanonicalJSON(payload)
	if err != nil {
		return nil, 0, err
	}

	variant := VariantKey(f)
	manifest, err := json.Marshal(models.BuildManifest{
		SeasonID:      seasonID,
		StatKey:       statKey,
		VariantKey:    variant,
		Builder:       builderName,
		ComputeSource: computeSource,
		BuiltAt:       payload.BuiltAt,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode build manifest: %w", err)
	}

	saved, err := s.store.Save(ctx, &models.CachedLeaderboard{
		SeasonID:         seasonID,
		StatKey:          statKey,
		VariantKey:       variant,
		SchemaVersion:    payload.SchemaVersion,
		FormatterVersion: payload.FormatterVersion,
		ETag:             ETag(body),
		PayloadJSON:      body,
		BuildManifest:    manifest,
	}, s.opts.Retain)
	if err != nil {
		return nil, 0, err
	}

	log.Info().
		Int("season_id", seasonID).
		Str("stat", statKey).
		Str("variant", variant).
		Str("etag", saved.ETag).
		Int("rows", len(payload.Rows)).
		Str("compute_source", computeSource).
		Msg("Built leaderboard payload")

	res := &Result{Payload: payload, ETag: saved.ETag, Source: SourceBuilt}
	s.writeHot(ctx, CacheKey(seasonID, statKey, f), seasonID, statKey, f, res)
	return res, len(payload.Rows), nil
}

// compute runs the stat's compute function and normalizes its output. It
// returns the name of the source used.
func (s *Service) compute(ctx context.Context, seasonID int, def models.StatDefinition, f models.Filters) (*models.ComputeResult, string, error) {
	if fn, ok := s.overrides[def.Key]; ok {
		raw, err := fn(ctx, seasonID, def, f)
		if err != nil {
			return nil, "", fmt.Errorf("failed to compute %s: %w", def.Key, err)
		}
		result, err := NormalizeComputeResult(raw, def)
		if err != nil {
			return nil, "", err
		}
		return result, "custom", nil
	}

	if s.opts.UseSnapshots && s.snapshots != nil {
		snap, err := s.snapshots.Fetch(ctx, seasonID, def.Key, f)
		switch {
		case err == nil:
			current, err := s.snapshotCurrent(ctx, seasonID, snap)
			if err != nil {
				return nil, "", err
			}
			if current {
				numbers, err := s.source.RosterNumbers(ctx, seasonID)
				if err != nil {
					return nil, "", fmt.Errorf("failed to load roster: %w", err)
				}
				return ResultFromSnapshot(def, snap, numbers), "snapshot", nil
			}
			log.Info().
				Int("season_id", seasonID).
				Str("stat", def.Key).
				Time("snapshot_updated_at", snap.UpdatedAt).
				Msg("Snapshot predates source updates, using live aggregates")
		case !errors.Is(err, repository.ErrNotFound):
			log.Warn().Err(err).Str("stat", def.Key).Msg("Snapshot lookup failed, using live aggregates")
		}
	}

	raw, err := s.computer.Compute(ctx, seasonID, def, f)
	if err != nil {
		return nil, "", err
	}
	result, err := NormalizeComputeResult(raw, def)
	if err != nil {
		return nil, "", err
	}
	return result, "aggregate", nil
}

// snapshotCurrent reports whether no source row changed after the snapshot
// was taken
func (s *Service) snapshotCurrent(ctx context.Context, seasonID int, snap *models.LeaderboardSnapshot) (bool, error) {
	watermark, err := s.source.Watermark(ctx, seasonID)
	if err != nil {
		return false, fmt.Errorf("failed to read source watermark: %w", err)
	}
	return watermark.IsZero() || !watermark.After(snap.UpdatedAt), nil
}

func (s *Service) writeHot(ctx context.Context, key string, seasonID int, statKey string, f models.Filters, res *Result) {
	start := time.Now()
	defer func() {
		metrics.RecordCacheOperation("set", time.Since(start).Seconds())
	}()

	if err := s.cache.Set(ctx, key, res, s.opts.CacheTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Hot cache write failed")
		return
	}

	spec := f.Spec()
	entry := cache.Entry{
		SeasonID: seasonID,
		StatKey:  statKey,
		Start:    spec.Start,
		End:      spec.End,
		Labels:   spec.Labels,
	}
	if err := s.cache.Register(ctx, key, entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to register hot cache entry")
	}
}

// BuildAll builds every given stat for a season, stopping at the first error
func (s *Service) BuildAll(ctx context.Context, seasonID int, statKeys []string) (map[string]*Result, error) {
	if statKeys == nil {
		statKeys = s.catalog.Keys()
	}

	built := make(map[string]*Result, len(statKeys))
	for _, key := range statKeys {
		res, err := s.Build(ctx, seasonID, key, models.Filters{})
		if err != nil {
			return built, fmt.Errorf("failed to build %s: %w", key, err)
		}
		built[key] = res
	}
	return built, nil
}

// Rollback deletes every stored version newer than etag and drops the hot
// cache entry so the next read serves the rolled-back version
func (s *Service) Rollback(ctx context.Context, seasonID int, statKey string, f models.Filters, etag string) (int, error) {
	f = NormalizeFilters(f)
	removed, err := s.store.DeleteAfterEtag(ctx, seasonID, statKey, VariantKey(f), etag)
	if err != nil {
		return 0, err
	}

	if err := s.cache.Delete(ctx, CacheKey(seasonID, statKey, f)); err != nil {
		log.Warn().Err(err).Msg("Failed to drop hot cache entry after rollback")
	}

	log.Info().
		Int("season_id", seasonID).
		Str("stat", statKey).
		Str("etag", etag).
		Int("removed", removed).
		Msg("Rolled back leaderboard payload")
	return removed, nil
}

// LatestForSeason returns the newest unfiltered payload of every stat in a
// season, skipping versions built by another schema or formatter
func (s *Service) LatestForSeason(ctx context.Context, seasonID int) (map[string]*models.Payload, error) {
	latest, err := s.store.LoadLatestForSeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	for key, payload := range latest {
		if payload.SchemaVersion != SchemaVersion || payload.FormatterVersion != FormatterVersion {
			delete(latest, key)
		}
	}
	return latest, nil
}

// PruneRegistry drops hot cache registry entries whose keys are gone
func (s *Service) PruneRegistry(ctx context.Context) (int, error) {
	pruned, err := s.cache.Prune(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune leaderboard registry: %w", err)
	}
	return pruned, nil
}

// Invalidate drops hot cache entries matching m
func (s *Service) Invalidate(ctx context.Context, m cache.Match) (int, error) {
	removed, err := s.cache.Invalidate(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate leaderboard cache: %w", err)
	}
	metrics.RecordInvalidation(removed)
	return removed, nil
}

// InvalidateSeason drops every hot cache entry of a season
func (s *Service) InvalidateSeason(ctx context.Context, seasonID int) (int, error) {
	return s.Invalidate(ctx, cache.Match{SeasonID: seasonID})
}

// GetCompact returns the dropdown payload for a stat, migrating a legacy
// cache entry when its schema still matches
func (s *Service) GetCompact(ctx context.Context, seasonID int, statKey string) (*models.CompactPayload, error) {
	key := CompactKey(seasonID, statKey)

	var payload models.CompactPayload
	err := s.cache.Get(ctx, key, &payload)
	if err == nil && payload.SchemaVersion == SchemaVersion {
		metrics.RecordCacheLookup("compact", SourceHot)
		return &payload, nil
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("key", key).Msg("Compact cache read failed")
	}

	legacyKey := LegacyCompactKey(seasonID, statKey)
	var legacy models.CompactPayload
	if err := s.cache.Get(ctx, legacyKey, &legacy); err == nil {
		if legacy.SchemaVersion == SchemaVersion {
			if err := s.cache.Set(ctx, key, &legacy, s.opts.CompactCacheTTL); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Compact cache write failed")
			}
			s.deleteKey(ctx, legacyKey)
			log.Info().
				Int("season_id", seasonID).
				Str("stat", statKey).
				Msg("Leaderboard cache migrated legacy key")
			metrics.RecordCacheLookup("compact", SourceLegacy)
			return &legacy, nil
		}
		s.deleteKey(ctx, legacyKey)
	}

	log.Info().
		Int("season_id", seasonID).
		Str("stat", statKey).
		Int("schema_version", SchemaVersion).
		Msg("Leaderboard cache miss")

	metrics.RecordCacheLookup("compact", SourceBuilt)
	return s.BuildCompact(ctx, seasonID, statKey)
}

// BuildCompact computes and caches the dropdown payload for a stat
func (s *Service) BuildCompact(ctx context.Context, seasonID int, statKey string) (*models.CompactPayload, error) {
	start := time.Now()

	def, err := s.catalog.Get(statKey)
	if err != nil {
		return nil, err
	}

	result, _, err := s.compute(ctx, seasonID, def, models.Filters{})
	if err != nil {
		metrics.RecordBuild("compact", "error", 0, time.Since(start).Seconds())
		return nil, err
	}

	payload := BuildCompactPayload(seasonID, statKey, result.Rows, s.now())
	if err := s.cache.Set(ctx, CompactKey(seasonID, statKey), payload, s.opts.CompactCacheTTL); err != nil {
		log.Warn().Err(err).Str("stat", statKey).Msg("Compact cache write failed")
	}
	s.deleteKey(ctx, LegacyCompactKey(seasonID, statKey))

	duration := time.Since(start)
	metrics.RecordBuild("compact", "success", len(payload.Rows), duration.Seconds())
	log.Info().
		Str("stat", statKey).
		Int("season_id", seasonID).
		Int("rows", len(payload.Rows)).
		Dur("duration", duration).
		Msg("Built leaderboard cache")

	return payload, nil
}

func (s *Service) deleteKey(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache delete failed")
	}
}

// RefreshSnapshot rebuilds the baseline aggregates for one filtered slice
// from live data and drops the hot cache entry of exactly that slice
func (s *Service) RefreshSnapshot(ctx context.Context, seasonID int, statKey string, f models.Filters) (*models.LeaderboardSnapshot, error) {
	if s.snapshots == nil {
		return nil, errors.New("snapshot store not configured")
	}

	def, err := s.catalog.Get(statKey)
	if err != nil {
		return nil, err
	}
	f = NormalizeFilters(f)

	takenAt := s.now().UTC()
	aggregates, err := s.source.Aggregate(ctx, seasonID, def.Components(), f)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", statKey, err)
	}
	numbers, err := s.source.RosterNumbers(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	snap := SnapshotFromAggregates(seasonID, def, f, aggregates, numbers)
	snap.UpdatedAt = takenAt
	if err := s.snapshots.Upsert(ctx, snap); err != nil {
		return nil, err
	}

	spec := f.Spec()
	if _, err := s.Invalidate(ctx, cache.Match{
		SeasonID: seasonID,
		StatKey:  statKey,
		Start:    spec.Start,
		End:      spec.End,
		Labels:   spec.Labels,
		Exact:    true,
	}); err != nil {
		log.Warn().Err(err).Str("stat", statKey).Msg("Failed to invalidate after snapshot refresh")
	}

	return snap, nil
}

// RefreshSeasonBaselines refreshes the unfiltered snapshot of every stat
func (s *Service) RefreshSeasonBaselines(ctx context.Context, seasonID int) (int, error) {
	refreshed := 0
	for _, key := range s.catalog.Keys() {
		if _, err := s.RefreshSnapshot(ctx, seasonID, key, models.Filters{}); err != nil {
			return refreshed, fmt.Errorf("failed to refresh baseline %s: %w", key, err)
		}
		refreshed++
	}

	log.Info().
		Int("season_id", seasonID).
		Int("stats", refreshed).
		Msg("Refreshed season baselines")
	return refreshed, nil
}

// ResetSnapshots deletes every stored snapshot of a season, filtered slices
// included, and drops the season's hot cache entries
func (s *Service) ResetSnapshots(ctx context.Context, seasonID int) (int, error) {
	if s.snapshots == nil {
		return 0, errors.New("snapshot store not configured")
	}

	removed, err := s.snapshots.DeleteForSeason(ctx, seasonID)
	if err != nil {
		return 0, err
	}
	if _, err := s.InvalidateSeason(ctx, seasonID); err != nil {
		log.Warn().Err(err).Int("season_id", seasonID).Msg("Failed to invalidate after snapshot reset")
	}

	log.Info().
		Int("season_id", seasonID).
		Int("removed", removed).
		Msg("Reset season snapshots")
	return removed, nil
}

// SnapshotFromAggregates captures live aggregates as a stored baseline
func SnapshotFromAggregates(seasonID int, def models.StatDefinition, f models.Filters, aggregates []models.PlayerAggregate, numbers map[string]string) *models.LeaderboardSnapshot {
	f = NormalizeFilters(f)
	snap := &models.LeaderboardSnapshot{
		SeasonID:     seasonID,
		StatKey:      def.Key,
		StartDate:    f.Start,
		EndDate:      f.End,
		LabelKey:     LabelKey(f.Labels),
		LabelValues:  f.Labels,
		PlayerTotals: make(map[string]map[string]float64, len(aggregates)),
		ShotDetails:  make(map[string]map[string]float64),
		TeamTotals:   make(map[string]float64),
	}
	if snap.LabelValues == nil {
		snap.LabelValues = []string{}
	}

	for _, agg := range aggregates {
		snap.PlayerKeys = append(snap.PlayerKeys, agg.PlayerName)
		snap.PlayerTotals[agg.PlayerName] = agg.Components
		for key, v := range agg.Components {
			snap.TeamTotals[key] += v
		}

		shots := make(map[string]float64)
		for key, v := range agg.Components {
			if catalog.IsShotTypeKey(key) {
				shots[key] = v
			}
		}
		if len(shots) > 0 {
			snap.ShotDetails[agg.PlayerName] = shots
		}
	}

	result := ResultFromAggregates(def, aggregates, numbers)
	rows := make([]models.SnapshotRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, models.SnapshotRow{
			Player: PlayerDisplay(row.PlayerNumber, row.PlayerName),
			Value:  row.Value,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return valueLess(rows[j].Value, rows[i].Value)
	})
	snap.LeaderboardRows = rows

	return snap
}
