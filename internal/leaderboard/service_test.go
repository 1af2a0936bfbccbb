package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoopslab/leaderboards/internal/cache"
	"hoopslab/leaderboards/internal/catalog"
	"hoopslab/leaderboards/internal/models"
	"hoopslab/leaderboards/internal/repository"
)

const testCatalog = `
stats:
  - {key: points, label: Points, format: int}
  - {key: assists, label: Assists, format: int}
  - {key: ft_pct, label: FT%, format: pct, numerator: [ftm], denominator: [fta], scale: 100}
`

type fakeSource struct {
	mu         sync.Mutex
	players    []models.PlayerAggregate
	numbers    map[string]string
	watermark  time.Time
	lastEvent  *time.Time
	aggregates int

	gate    chan struct{}
	entered chan struct{}
	// during runs inside Aggregate, as if rows landed mid-read
	during func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		players: []models.PlayerAggregate{
			{PlayerName: "Aden Holloway", Components: map[string]float64{"points": 8, "assists": 4, "ftm": 3, "fta": 4}},
			{PlayerName: "Mark Sears", Components: map[string]float64{"points": 10, "assists": 2, "ftm": 9, "fta": 10}},
		},
		numbers: map[string]string{"Mark Sears": "1", "Aden Holloway": "2"},
	}
}

func (f *fakeSource) setPlayers(players []models.PlayerAggregate) {
	f.mu.Lock()
	f.players = players
	f.mu.Unlock()
}

func (f *fakeSource) aggregateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aggregates
}

func (f *fakeSource) Aggregate(ctx context.Context, _ int, _ []string, _ models.Filters) ([]models.PlayerAggregate, error) {
	f.mu.Lock()
	f.aggregates++
	first := f.aggregates == 1
	players := f.players
	f.mu.Unlock()

	if f.gate != nil {
		if first {
			close(f.entered)
		}
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.during != nil {
		f.during()
	}
	return players, nil
}

func (f *fakeSource) RosterNumbers(context.Context, int) (map[string]string, error) {
	return f.numbers, nil
}

func (f *fakeSource) Watermark(context.Context, int) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, nil
}

func (f *fakeSource) LastEventDate(context.Context, int, models.Filters) (*time.Time, error) {
	return f.lastEvent, nil
}

// fakeStore keeps versions oldest first, like the table ordered by updated_at
type fakeStore struct {
	mu      sync.Mutex
	entries []*models.CachedLeaderboard
	nextID  int64
	saves   int
}

func sameSlice(e *models.CachedLeaderboard, seasonID int, statKey, variantKey string) bool {
	return e.SeasonID == seasonID && e.StatKey == statKey && e.VariantKey == variantKey
}

func (s *fakeStore) Save(_ context.Context, entry *models.CachedLeaderboard, retain int) (*models.CachedLeaderboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++

	saved := *entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if sameSlice(e, entry.SeasonID, entry.StatKey, entry.VariantKey) && e.ETag == entry.ETag {
			saved.ID = e.ID
			continue
		}
		kept = append(kept, e)
	}
	if saved.ID == 0 {
		s.nextID++
		saved.ID = s.nextID
	}
	s.entries = append(kept, &saved)

	count := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !sameSlice(e, entry.SeasonID, entry.StatKey, entry.VariantKey) {
			continue
		}
		count++
		if count > retain {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
		}
	}

	out := saved
	return &out, nil
}

func (s *fakeStore) latest(seasonID int, statKey, variantKey string) *models.CachedLeaderboard {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if sameSlice(s.entries[i], seasonID, statKey, variantKey) {
			return s.entries[i]
		}
	}
	return nil
}

func (s *fakeStore) FetchLatest(_ context.Context, seasonID int, statKey, variantKey string) (*models.CachedLeaderboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.latest(seasonID, statKey, variantKey)
	if e == nil {
		return nil, repository.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *fakeStore) DeleteAfterEtag(_ context.Context, seasonID int, statKey, variantKey, etag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := -1
	for i, e := range s.entries {
		if sameSlice(e, seasonID, statKey, variantKey) && e.ETag == etag {
			target = i
		}
	}
	if target < 0 {
		return 0, fmt.Errorf("version %s: %w", etag, repository.ErrNotFound)
	}

	removed := 0
	kept := s.entries[:target+1]
	for _, e := range s.entries[target+1:] {
		if sameSlice(e, seasonID, statKey, variantKey) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *fakeStore) LoadLatestForSeason(_ context.Context, seasonID int) (map[string]*models.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]*models.Payload)
	for _, e := range s.entries {
		if e.SeasonID != seasonID || e.VariantKey != "" {
			continue
		}
		payload, err := e.Decode()
		if err != nil {
			continue
		}
		latest[e.StatKey] = payload
	}
	return latest, nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*models.LeaderboardSnapshot
}

func snapshotKey(seasonID int, statKey string, f models.Filters) string {
	return fmt.Sprintf("%d:%s:%s", seasonID, statKey, VariantKey(f))
}

func (s *fakeSnapshots) Fetch(_ context.Context, seasonID int, statKey string, f models.Filters) (*models.LeaderboardSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[snapshotKey(seasonID, statKey, f)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return snap, nil
}

func (s *fakeSnapshots) Upsert(_ context.Context, snap *models.LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := models.Filters{Start: snap.StartDate, End: snap.EndDate, Labels: snap.LabelValues}
	s.snaps[snapshotKey(snap.SeasonID, snap.StatKey, f)] = snap
	return nil
}

func (s *fakeSnapshots) DeleteForSeason(_ context.Context, seasonID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, snap := range s.snaps {
		if snap.SeasonID == seasonID {
			delete(s.snaps, key)
			removed++
		}
	}
	return removed, nil
}

type scheduled struct {
	seasonID int
	statKey  string
	filters  models.Filters
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *fakeScheduler) ScheduleRebuild(seasonID int, statKey string, f models.Filters) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{seasonID, statKey, f})
	return fmt.Sprintf("job-%d", len(s.calls)), nil
}

type serviceFixture struct {
	svc       *Service
	source    *fakeSource
	store     *fakeStore
	snapshots *fakeSnapshots
	cache     *cache.MemoryCache
	scheduler *fakeScheduler
	now       time.Time
}

func newFixture(t *testing.T, opts Options) *serviceFixture {
	t.Helper()

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	fx := &serviceFixture{
		source:    newFakeSource(),
		store:     &fakeStore{},
		snapshots: &fakeSnapshots{snaps: make(map[string]*models.LeaderboardSnapshot)},
		cache:     cache.NewMemoryCache(),
		scheduler: &fakeScheduler{},
		now:       time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.svc = NewService(cat, fx.source, fx.store, fx.snapshots, fx.cache, opts)
	fx.svc.SetScheduler(fx.scheduler)
	fx.svc.now = func() time.Time { return fx.now }
	return fx
}

func manifestOf(t *testing.T, e *models.CachedLeaderboard) models.BuildManifest {
	t.Helper()
	var m models.BuildManifest
	require.NoError(t, json.Unmarshal(e.BuildManifest, &m))
	return m
}

func players(rows []models.PayloadRow) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Display.Player
	}
	return out
}

func TestServiceGet_BuildsThenServesHot(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceBuilt, res.Source)
	assert.Len(t, res.ETag, 64)
	assert.Equal(t, []string{"#1 Mark Sears", "#2 Aden Holloway"}, players(res.Payload.Rows))
	assert.Equal(t, "18", res.Payload.Totals.Metrics["points"].Text)

	stored := fx.store.latest(1, "points", "")
	require.NotNil(t, stored)
	assert.Equal(t, res.ETag, stored.ETag)
	assert.Equal(t, ETag(stored.PayloadJSON), stored.ETag, "ETag is the digest of the stored bytes")

	manifest := manifestOf(t, stored)
	assert.Equal(t, "aggregate", manifest.ComputeSource)
	assert.Equal(t, builderName, manifest.Builder)

	again, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceHot, again.Source)
	assert.Equal(t, res.ETag, again.ETag)
	assert.Equal(t, 1, fx.source.aggregateCalls())
	assert.Equal(t, 1, fx.store.saves)
}

func TestServiceGet_ServesStoredVersion(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	built, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	require.NoError(t, fx.cache.Delete(ctx, CacheKey(1, "points", models.Filters{})))

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.Equal(t, built.ETag, res.ETag)
	assert.Equal(t, 1, fx.store.saves)
	assert.Empty(t, fx.scheduler.calls)

	var hot Result
	require.NoError(t, fx.cache.Get(ctx, CacheKey(1, "points", models.Filters{}), &hot), "Stored version is written back to the hot cache")
}

func TestServiceGet_HotCacheVersionMismatch(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	key := CacheKey(1, "points", models.Filters{})
	old := Result{Payload: &models.Payload{SchemaVersion: SchemaVersion + 1, FormatterVersion: FormatterVersion}, ETag: "old"}
	require.NoError(t, fx.cache.Set(ctx, key, old, 0))

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceBuilt, res.Source)
	assert.NotEqual(t, "old", res.ETag)
}

func TestServiceGet_HardStaleRebuilds(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	_, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)

	fx.store.latest(1, "points", "").FormatterVersion = FormatterVersion + 1
	require.NoError(t, fx.cache.Delete(ctx, CacheKey(1, "points", models.Filters{})))

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceBuilt, res.Source)
	assert.Equal(t, FormatterVersion, fx.store.latest(1, "points", "").FormatterVersion)
	assert.Empty(t, fx.scheduler.calls, "Hard staleness rebuilds inline")
}

func TestServiceGet_SoftStaleSchedulesRebuild(t *testing.T) {
	t.Run("max age", func(t *testing.T) {
		fx := newFixture(t, Options{Retain: 3, MaxAge: time.Hour})
		ctx := context.Background()

		built, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
		require.NoError(t, err)

		fx.now = fx.now.Add(2 * time.Hour)
		require.NoError(t, fx.cache.Delete(ctx, CacheKey(1, "points", models.Filters{})))

		res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
		require.NoError(t, err)
		assert.Equal(t, SourceStored, res.Source, "Soft-stale payload is still served")
		assert.Equal(t, built.ETag, res.ETag)
		require.Len(t, fx.scheduler.calls, 1)
		assert.Equal(t, scheduled{1, "points", models.Filters{}}, fx.scheduler.calls[0])
	})

	t.Run("source updated", func(t *testing.T) {
		fx := newFixture(t, Options{Retain: 3, WatermarkStaleness: true})
		ctx := context.Background()

		start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
		f := models.Filters{Start: &start, Labels: []string{"Shell"}}

		_, err := fx.svc.Get(ctx, 1, "points", f)
		require.NoError(t, err)

		fx.source.mu.Lock()
		fx.source.watermark = fx.now.Add(time.Minute)
		fx.source.mu.Unlock()
		require.NoError(t, fx.cache.Delete(ctx, CacheKey(1, "points", f)))

		res, err := fx.svc.Get(ctx, 1, "points", f)
		require.NoError(t, err)
		assert.Equal(t, SourceStored, res.Source)
		require.Len(t, fx.scheduler.calls, 1)
		assert.Equal(t, []string{"shell"}, fx.scheduler.calls[0].filters.Labels)
	})
}

func TestServiceGet_FilteredVariantsAreSeparate(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	_, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)

	f := models.Filters{Labels: []string{"live", "shell"}}
	res, err := fx.svc.Get(ctx, 1, "points", f)
	require.NoError(t, err)
	assert.Equal(t, SourceBuilt, res.Source)
	assert.Equal(t, []string{"live", "shell"}, res.Payload.Filters.Labels)

	assert.NotNil(t, fx.store.latest(1, "points", "||"+liveShellDigest))
	assert.Equal(t, 2, fx.store.saves)
}

func TestServiceGet_UnknownStat(t *testing.T) {
	fx := newFixture(t, Options{})
	_, err := fx.svc.Get(context.Background(), 1, "dunks", models.Filters{})
	assert.ErrorIs(t, err, catalog.ErrUnknownStat)
}

func TestServiceGet_CoalescesConcurrentMisses(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	fx.source.gate = make(chan struct{})
	fx.source.entered = make(chan struct{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	etags := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
			errs[i] = err
			if res != nil {
				etags[i] = res.ETag
			}
		}(i)
	}

	<-fx.source.entered
	time.Sleep(20 * time.Millisecond)
	close(fx.source.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, etags[0], etags[i])
	}
	assert.Equal(t, 1, fx.source.aggregateCalls(), "Only one build runs per key")
	assert.Equal(t, 1, fx.store.saves)
}

func TestServiceGet_CancelledCallerLeavesSharedBuild(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	fx.source.gate = make(chan struct{})
	fx.source.entered = make(chan struct{})

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := fx.svc.Get(firstCtx, 1, "points", models.Filters{})
		firstErr <- err
	}()
	<-fx.source.entered

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := fx.svc.Get(context.Background(), 1, "points", models.Filters{})
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled, "The cancelled caller stops waiting")

	close(fx.source.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.NotEmpty(t, got.res.ETag)
	assert.Equal(t, 1, fx.source.aggregateCalls())
	assert.NotNil(t, fx.store.latest(1, "points", ""), "The shared build still completes")
}

func TestServiceBuild_BuiltAtPrecedesSourceReads(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3, WatermarkStaleness: true})
	ctx := context.Background()
	started := fx.now

	fx.source.during = func() {
		fx.now = fx.now.Add(2 * time.Second)
		fx.source.mu.Lock()
		fx.source.watermark = fx.now
		fx.source.mu.Unlock()
	}

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.True(t, started.Equal(res.Payload.BuiltAt), "built_at is taken before rows are read")
	fx.source.during = nil

	require.NoError(t, fx.cache.Delete(ctx, CacheKey(1, "points", models.Filters{})))

	res, err = fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	require.Len(t, fx.scheduler.calls, 1, "A row written during the build schedules a rebuild")
	assert.Equal(t, "points", fx.scheduler.calls[0].statKey)
}

func TestServiceBuild_Retention(t *testing.T) {
	fx := newFixture(t, Options{Retain: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		fx.source.setPlayers([]models.PlayerAggregate{
			{PlayerName: "Mark Sears", Components: map[string]float64{"points": float64(10 + i)}},
		})
		_, err := fx.svc.Build(ctx, 1, "points", models.Filters{})
		require.NoError(t, err)
	}

	assert.Len(t, fx.store.entries, 2)

	// Rebuilding unchanged data keeps the same version
	before := fx.store.latest(1, "points", "").ETag
	_, err := fx.svc.Build(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, before, fx.store.latest(1, "points", "").ETag)
	assert.Len(t, fx.store.entries, 2)
}

func TestServiceRollback(t *testing.T) {
	fx := newFixture(t, Options{Retain: 5})
	ctx := context.Background()

	v1, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)

	fx.source.setPlayers([]models.PlayerAggregate{
		{PlayerName: "Mark Sears", Components: map[string]float64{"points": 30}},
	})
	v2, err := fx.svc.Build(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	require.NotEqual(t, v1.ETag, v2.ETag)

	removed, err := fx.svc.Rollback(ctx, 1, "points", models.Filters{}, v1.ETag)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	dropped, err := fx.svc.InvalidateSeason(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, dropped, "Rollback removes the registry entry with the key")

	res, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.Equal(t, v1.ETag, res.ETag)

	_, err = fx.svc.Rollback(ctx, 1, "points", models.Filters{}, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestServiceBuild_ComputeOverride(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	fx.svc.RegisterCompute("points", func(_ context.Context, _ int, def models.StatDefinition, _ models.Filters) (any, error) {
		return []any{def, []any{[]any{"24", "Latrell Wrightsell", 30}}, 30}, nil
	})

	res, err := fx.svc.Build(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"#24 Latrell Wrightsell"}, players(res.Payload.Rows))
	assert.Equal(t, "30", res.Payload.Rows[0].Metrics["points"].Text)
	assert.Equal(t, "custom", manifestOf(t, fx.store.latest(1, "points", "")).ComputeSource)
	assert.Zero(t, fx.source.aggregateCalls())

	fx.svc.RegisterCompute("assists", func(context.Context, int, models.StatDefinition, models.Filters) (any, error) {
		return nil, errors.New("boom")
	})
	_, err = fx.svc.Build(ctx, 1, "assists", models.Filters{})
	assert.ErrorContains(t, err, "boom")

	fx.svc.RegisterCompute("assists", func(context.Context, int, models.StatDefinition, models.Filters) (any, error) {
		return 42, nil
	})
	_, err = fx.svc.Build(ctx, 1, "assists", models.Filters{})
	assert.ErrorIs(t, err, ErrUnsupportedComputeResult)
}

func TestServiceBuild_AuxTable(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	last := time.Date(2025, 1, 31, 17, 0, 0, 0, time.UTC)
	fx.source.lastEvent = &last

	res, err := fx.svc.Build(context.Background(), 1, "points", models.Filters{})
	require.NoError(t, err)
	require.NotNil(t, res.Payload.AuxTable)
	assert.Equal(t, AuxVariant, res.Payload.AuxTable.Variant)
	assert.Equal(t, 2, fx.source.aggregateCalls())

	day := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	res, err = fx.svc.Build(context.Background(), 1, "points", models.Filters{Start: &day, End: &day})
	require.NoError(t, err)
	assert.Nil(t, res.Payload.AuxTable, "Single-day windows have no aux table")
}

func TestServiceSnapshots(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3, UseSnapshots: true})
	ctx := context.Background()

	snap, err := fx.svc.RefreshSnapshot(ctx, 1, "ft_pct", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Aden Holloway", "Mark Sears"}, snap.PlayerKeys)
	assert.Equal(t, 14.0, snap.TeamTotals["fta"])
	require.Len(t, snap.LeaderboardRows, 2)
	assert.Equal(t, "#1 Mark Sears", snap.LeaderboardRows[0].Player)

	// Rows change without a newer source watermark; builds keep reading the baseline
	fx.source.setPlayers([]models.PlayerAggregate{
		{PlayerName: "Mark Sears", Components: map[string]float64{"ftm": 0, "fta": 10}},
	})

	res, err := fx.svc.Build(ctx, 1, "ft_pct", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, "90%", res.Payload.Rows[0].Metrics["ft_pct"].Text)
	assert.Equal(t, "85.7%", res.Payload.Totals.Metrics["ft_pct"].Text)
	assert.Equal(t, "snapshot", manifestOf(t, fx.store.latest(1, "ft_pct", "")).ComputeSource)

	// No snapshot for this slice falls back to live aggregates
	labels := models.Filters{Labels: []string{"live"}}
	res, err = fx.svc.Build(ctx, 1, "ft_pct", labels)
	require.NoError(t, err)
	assert.Equal(t, "0%", res.Payload.Rows[0].Metrics["ft_pct"].Text)

	refreshed, err := fx.svc.RefreshSeasonBaselines(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fx.svc.Catalog().Len(), refreshed)
}

func TestServiceSnapshots_SourceUpdatedAfterBaseline(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3, UseSnapshots: true})
	ctx := context.Background()

	snap, err := fx.svc.RefreshSnapshot(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.True(t, fx.now.Equal(snap.UpdatedAt))

	fx.now = fx.now.Add(time.Hour)
	fx.source.setPlayers([]models.PlayerAggregate{
		{PlayerName: "Aden Holloway", Components: map[string]float64{"points": 40}},
		{PlayerName: "Mark Sears", Components: map[string]float64{"points": 10}},
	})
	fx.source.mu.Lock()
	fx.source.watermark = fx.now
	fx.source.mu.Unlock()

	res, err := fx.svc.Build(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"#2 Aden Holloway", "#1 Mark Sears"}, players(res.Payload.Rows))
	assert.Equal(t, "aggregate", manifestOf(t, fx.store.latest(1, "points", "")).ComputeSource)

	// A refreshed baseline covers the update again
	fx.now = fx.now.Add(time.Minute)
	_, err = fx.svc.RefreshSnapshot(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)

	res, err = fx.svc.Build(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, "40", res.Payload.Rows[0].Metrics["points"].Text)
	assert.Equal(t, "snapshot", manifestOf(t, fx.store.latest(1, "points", "")).ComputeSource)
}

func TestServiceRefreshSnapshot_InvalidatesOnlyItsSlice(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	dated := models.Filters{Start: &start}
	shell := models.Filters{Labels: []string{"shell"}}
	for _, f := range []models.Filters{{}, dated, shell} {
		_, err := fx.svc.Get(ctx, 1, "points", f)
		require.NoError(t, err)
	}

	_, err := fx.svc.RefreshSnapshot(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)

	var res Result
	assert.ErrorIs(t, fx.cache.Get(ctx, CacheKey(1, "points", models.Filters{}), &res), cache.ErrMiss)
	assert.NoError(t, fx.cache.Get(ctx, CacheKey(1, "points", dated), &res), "Filtered variants stay cached")
	assert.NoError(t, fx.cache.Get(ctx, CacheKey(1, "points", shell), &res))

	_, err = fx.svc.RefreshSnapshot(ctx, 1, "points", shell)
	require.NoError(t, err)
	assert.ErrorIs(t, fx.cache.Get(ctx, CacheKey(1, "points", shell), &res), cache.ErrMiss)
	assert.NoError(t, fx.cache.Get(ctx, CacheKey(1, "points", dated), &res))
}

func TestServiceResetSnapshots(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3, UseSnapshots: true})
	ctx := context.Background()

	_, err := fx.svc.RefreshSeasonBaselines(ctx, 1)
	require.NoError(t, err)
	_, err = fx.svc.RefreshSnapshot(ctx, 1, "points", models.Filters{Labels: []string{"live"}})
	require.NoError(t, err)
	_, err = fx.svc.RefreshSnapshot(ctx, 2, "points", models.Filters{})
	require.NoError(t, err)
	_, err = fx.svc.Get(ctx, 1, "assists", models.Filters{})
	require.NoError(t, err)

	removed, err := fx.svc.ResetSnapshots(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fx.svc.Catalog().Len()+1, removed)
	assert.Len(t, fx.snapshots.snaps, 1, "Other seasons keep their snapshots")

	var res Result
	assert.ErrorIs(t, fx.cache.Get(ctx, CacheKey(1, "assists", models.Filters{}), &res), cache.ErrMiss)
}

func TestServiceLatestForSeason(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	_, err := fx.svc.BuildAll(ctx, 1, []string{"points", "assists"})
	require.NoError(t, err)
	_, err = fx.svc.Build(ctx, 1, "points", models.Filters{Labels: []string{"live"}})
	require.NoError(t, err)
	fx.store.entries = append(fx.store.entries, &models.CachedLeaderboard{
		SeasonID:    1,
		StatKey:     "ft_pct",
		PayloadJSON: []byte(`{"schema_version":0,"formatter_version":1,"stat_key":"ft_pct"}`),
	})

	latest, err := fx.svc.LatestForSeason(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, latest, 2, "Filtered variants and old versions are left out")
	assert.Equal(t, "points", latest["points"].StatKey)
	assert.Contains(t, latest, "assists")
}

func TestServicePruneRegistry(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	_, err := fx.svc.Get(ctx, 1, "points", models.Filters{})
	require.NoError(t, err)
	require.NoError(t, fx.cache.Register(ctx, "leaderboard:1:gone:::none", cache.Entry{SeasonID: 1, StatKey: "gone"}))

	pruned, err := fx.svc.PruneRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	removed, err := fx.svc.InvalidateSeason(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSnapshotFromAggregates_ShotDetails(t *testing.T) {
	def := models.StatDefinition{Key: "atr_Assisted_total_makes", Format: models.FormatInt}
	aggs := []models.PlayerAggregate{
		{PlayerName: "Mark Sears", Components: map[string]float64{"atr_Assisted_total_makes": 4, "points": 9}},
		{PlayerName: "Walk On", Components: map[string]float64{"points": 1}},
	}

	snap := SnapshotFromAggregates(1, def, models.Filters{Labels: []string{"Shell"}}, aggs, map[string]string{"Mark Sears": "1"})
	assert.Equal(t, "shell", snap.LabelKey)
	assert.Equal(t, map[string]map[string]float64{"Mark Sears": {"atr_Assisted_total_makes": 4}}, snap.ShotDetails)
	assert.Equal(t, 10.0, snap.TeamTotals["points"])
	assert.Equal(t, "#1 Mark Sears", snap.LeaderboardRows[0].Player)
}

func TestServiceInvalidateSeason(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	for _, key := range []string{"points", "assists"} {
		_, err := fx.svc.Get(ctx, 1, key, models.Filters{})
		require.NoError(t, err)
	}
	_, err := fx.svc.Get(ctx, 2, "points", models.Filters{})
	require.NoError(t, err)

	removed, err := fx.svc.InvalidateSeason(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	var res Result
	assert.ErrorIs(t, fx.cache.Get(ctx, CacheKey(1, "points", models.Filters{}), &res), cache.ErrMiss)
	assert.NoError(t, fx.cache.Get(ctx, CacheKey(2, "points", models.Filters{}), &res))
}

func TestServiceBuildAll(t *testing.T) {
	fx := newFixture(t, Options{Retain: 3})
	ctx := context.Background()

	built, err := fx.svc.BuildAll(ctx, 1, []string{"points", "ft_pct"})
	require.NoError(t, err)
	assert.Len(t, built, 2)

	built, err = fx.svc.BuildAll(ctx, 1, []string{"assists", "dunks"})
	assert.ErrorIs(t, err, catalog.ErrUnknownStat)
	assert.Len(t, built, 1, "Stats built before the failure are returned")

	built, err = fx.svc.BuildAll(ctx, 1, nil)
	require.NoError(t, err)
	assert.Len(t, built, fx.svc.Catalog().Len())
}

func TestServiceGetCompact(t *testing.T) {
	ctx := context.Background()

	t.Run("builds on miss", func(t *testing.T) {
		fx := newFixture(t, Options{})
		payload, err := fx.svc.GetCompact(ctx, 1, "points")
		require.NoError(t, err)
		require.Len(t, payload.Rows, 2)
		assert.Equal(t, models.CompactRow{Rank: "1", Player: "#1 Mark Sears", Value: "10", ValueSort: 10}, payload.Rows[0])

		var cached models.CompactPayload
		require.NoError(t, fx.cache.Get(ctx, CompactKey(1, "points"), &cached))

		again, err := fx.svc.GetCompact(ctx, 1, "points")
		require.NoError(t, err)
		assert.Equal(t, payload.Rows, again.Rows)
		assert.Equal(t, 1, fx.source.aggregateCalls())
	})

	t.Run("migrates legacy key", func(t *testing.T) {
		fx := newFixture(t, Options{})
		legacy := &models.CompactPayload{
			SchemaVersion: SchemaVersion,
			StatKey:       "assists",
			SeasonID:      1,
			Rows:          []models.CompactRow{{Rank: "1", Player: "Legacy Player", Value: "5", ValueSort: 5}},
		}
		require.NoError(t, fx.cache.Set(ctx, LegacyCompactKey(1, "assists"), legacy, 0))

		payload, err := fx.svc.GetCompact(ctx, 1, "assists")
		require.NoError(t, err)
		assert.Equal(t, "Legacy Player", payload.Rows[0].Player)
		assert.Zero(t, fx.source.aggregateCalls())

		var got models.CompactPayload
		assert.ErrorIs(t, fx.cache.Get(ctx, LegacyCompactKey(1, "assists"), &got), cache.ErrMiss)
		require.NoError(t, fx.cache.Get(ctx, CompactKey(1, "assists"), &got))
		assert.Equal(t, "Legacy Player", got.Rows[0].Player)
	})

	t.Run("drops outdated legacy key", func(t *testing.T) {
		fx := newFixture(t, Options{})
		legacy := &models.CompactPayload{SchemaVersion: SchemaVersion - 1, Rows: []models.CompactRow{{Player: "Old"}}}
		require.NoError(t, fx.cache.Set(ctx, LegacyCompactKey(1, "assists"), legacy, 0))

		payload, err := fx.svc.GetCompact(ctx, 1, "assists")
		require.NoError(t, err)
		assert.Equal(t, "#2 Aden Holloway", payload.Rows[0].Player)

		var got models.CompactPayload
		assert.ErrorIs(t, fx.cache.Get(ctx, LegacyCompactKey(1, "assists"), &got), cache.ErrMiss)
	})
}
