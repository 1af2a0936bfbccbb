//go:build integration

package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoopslab/leaderboards/internal/models"
)

func TestSnapshotRepository_UpsertAndFetch(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	season := createTestSeason(t, db, ctx)
	value := 75.0

	snap := &models.LeaderboardSnapshot{
		SeasonID:        season.ID,
		StatKey:         "ft_pct",
		LabelValues:     []string{},
		PlayerTotals:    map[string]map[string]float64{"Mark Sears": {"ftm": 3, "fta": 4}},
		ShotDetails:     map[string]map[string]float64{},
		TeamTotals:      map[string]float64{"ftm": 3, "fta": 4},
		PlayerKeys:      []string{"Mark Sears"},
		LeaderboardRows: []models.SnapshotRow{{Player: "#1 Mark Sears", Value: &value}},
	}
	require.NoError(t, db.Snapshots.Upsert(ctx, snap))
	assert.NotZero(t, snap.ID)

	got, err := db.Snapshots.Fetch(ctx, season.ID, "ft_pct", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, snap.PlayerTotals, got.PlayerTotals)
	assert.Equal(t, []string{"Mark Sears"}, got.PlayerKeys)
	require.Len(t, got.LeaderboardRows, 1)
	assert.Equal(t, 75.0, *got.LeaderboardRows[0].Value)
	assert.Nil(t, got.StartDate)

	// Upserting the same slice replaces it
	snap.TeamTotals = map[string]float64{"ftm": 5, "fta": 8}
	firstID := snap.ID
	require.NoError(t, db.Snapshots.Upsert(ctx, snap))
	assert.Equal(t, firstID, snap.ID)

	got, err = db.Snapshots.Fetch(ctx, season.ID, "ft_pct", models.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 8.0, got.TeamTotals["fta"])
}

func TestSnapshotRepository_FiltersAreDistinct(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	season := createTestSeason(t, db, ctx)
	start := day(1)

	filtered := &models.LeaderboardSnapshot{
		SeasonID:    season.ID,
		StatKey:     "points",
		StartDate:   &start,
		LabelKey:    "live|shell",
		LabelValues: []string{"live", "shell"},
	}
	require.NoError(t, db.Snapshots.Upsert(ctx, filtered))

	_, err := db.Snapshots.Fetch(ctx, season.ID, "points", models.Filters{})
	assert.ErrorIs(t, err, ErrNotFound, "Unfiltered slice is a different snapshot")

	got, err := db.Snapshots.Fetch(ctx, season.ID, "points", models.Filters{Start: &start, Labels: []string{"live", "shell"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"live", "shell"}, got.LabelValues)
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(start))

	removed, err := db.Snapshots.DeleteForSeason(ctx, season.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSnapshotRepository_ReadTimeAndLongLabels(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	season := createTestSeason(t, db, ctx)
	labels := make([]string, 40)
	for i := range labels {
		labels[i] = fmt.Sprintf("session-label-%02d", i)
	}
	readAt := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

	snap := &models.LeaderboardSnapshot{
		SeasonID:    season.ID,
		StatKey:     "points",
		LabelKey:    strings.Join(labels, "|"),
		LabelValues: labels,
		UpdatedAt:   readAt,
	}
	require.Greater(t, len(snap.LabelKey), 255)
	require.NoError(t, db.Snapshots.Upsert(ctx, snap))
	assert.True(t, readAt.Equal(snap.UpdatedAt), "The read time is stored as updated_at")

	got, err := db.Snapshots.Fetch(ctx, season.ID, "points", models.Filters{Labels: labels})
	require.NoError(t, err)
	assert.True(t, readAt.Equal(got.UpdatedAt))
	assert.Len(t, got.LabelValues, 40)
}
