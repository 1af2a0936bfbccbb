package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"hoopslab/leaderboards/internal/models"
)

// SnapshotRepository handles baseline aggregate snapshots
type SnapshotRepository struct {
	db *Database
}

// Upsert inserts or replaces the snapshot for its (season, stat, dates, labels)
// slice. A non-zero UpdatedAt is stored as the time the aggregates were read.
func (r *SnapshotRepository) Upsert(ctx context.Context, snap *models.LeaderboardSnapshot) error {
	labels, err := json.Marshal(nonNilStrings(snap.LabelValues))
	if err != nil {
		return fmt.Errorf("failed to encode label values: %w", err)
	}
	playerTotals, err := json.Marshal(snap.PlayerTotals)
	if err != nil {
		return fmt.Errorf("failed to encode player totals: %w", err)
	}
	shotDetails, err := json.Marshal(snap.ShotDetails)
	if err != nil {
		return fmt.Errorf("failed to encode shot details: %w", err)
	}
	teamTotals, err := json.Marshal(snap.TeamTotals)
	if err != nil {
		return fmt.Errorf("failed to encode team totals: %w", err)
	}
	playerKeys, err := json.Marshal(nonNilStrings(snap.PlayerKeys))
	if err != nil {
		return fmt.Errorf("failed to encode player keys: %w", err)
	}
	rows := snap.LeaderboardRows
	if rows == nil {
		rows = []models.SnapshotRow{}
	}
	leaderboardRows, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard rows: %w", err)
	}

	query := `
		INSERT INTO leaderboard_snapshots (
			season_id, stat_key, start_date, end_date, label_key, label_values,
			player_totals, shot_details, team_totals, player_keys, leaderboard_rows, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()))
		ON CONFLICT ON CONSTRAINT uq_leaderboard_snapshot_filters DO UPDATE SET
			label_values = EXCLUDED.label_values,
			player_totals = EXCLUDED.player_totals,
			shot_details = EXCLUDED.shot_details,
			team_totals = EXCLUDED.team_totals,
			player_keys = EXCLUDED.player_keys,
			leaderboard_rows = EXCLUDED.leaderboard_rows,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	err = r.db.Pool.QueryRow(
		ctx, query,
		snap.SeasonID, snap.StatKey, snap.StartDate, snap.EndDate, snap.LabelKey, string(labels),
		string(playerTotals), string(shotDetails), string(teamTotals), string(playerKeys), string(leaderboardRows),
		timeArg(snap.UpdatedAt),
	).Scan(&snap.ID, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert leaderboard snapshot: %w", err)
	}

	return nil
}

// Fetch returns the snapshot matching the filters
func (r *SnapshotRepository) Fetch(ctx context.Context, seasonID int, statKey string, f models.Filters) (*models.LeaderboardSnapshot, error) {
	query := `
		SELECT id, season_id, stat_key, start_date, end_date, label_key, label_values,
		       player_totals, shot_details, team_totals, player_keys, leaderboard_rows,
		       created_at, updated_at
		FROM leaderboard_snapshots
		WHERE season_id = $1 AND stat_key = $2
		  AND start_date IS NOT DISTINCT FROM $3
		  AND end_date IS NOT DISTINCT FROM $4
		  AND label_key = $5
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var snap models.LeaderboardSnapshot
	var labels, playerTotals, shotDetails, teamTotals, playerKeys, rows []byte
	err := r.db.Pool.QueryRow(ctx, query, seasonID, statKey, dateArg(f.Start), dateArg(f.End), labelKey(f.Labels)).Scan(
		&snap.ID, &snap.SeasonID, &snap.StatKey, &snap.StartDate, &snap.EndDate, &snap.LabelKey, &labels,
		&playerTotals, &shotDetails, &teamTotals, &playerKeys, &rows,
		&snap.CreatedAt, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leaderboard snapshot: %w", err)
	}

	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{labels, &snap.LabelValues},
		{playerTotals, &snap.PlayerTotals},
		{shotDetails, &snap.ShotDetails},
		{teamTotals, &snap.TeamTotals},
		{playerKeys, &snap.PlayerKeys},
		{rows, &snap.LeaderboardRows},
	} {
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("failed to decode leaderboard snapshot %d: %w", snap.ID, err)
		}
	}

	return &snap, nil
}

// DeleteForSeason removes every snapshot of a season
func (r *SnapshotRepository) DeleteForSeason(ctx context.Context, seasonID int) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM leaderboard_snapshots WHERE season_id = $1`, seasonID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete leaderboard snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// labelKey mirrors the key fragment stored by the service for normalized labels
func labelKey(labels []string) string {
	return strings.Join(labels, "|")
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
