package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/models"
)

// StatsRepository reads and writes per-player stat observations. It is the
// aggregate source leaderboards are computed from.
type StatsRepository struct {
	db *Database
}

// filterClause appends the date and label conditions for f, numbering
// parameters after the existing args
func filterClause(f models.Filters, args []any) (string, []any) {
	var b strings.Builder
	if f.Start != nil {
		args = append(args, *f.Start)
		fmt.Fprintf(&b, " AND event_date >= $%d", len(args))
	}
	if f.End != nil {
		args = append(args, *f.End)
		fmt.Fprintf(&b, " AND event_date <= $%d", len(args))
	}
	if len(f.Labels) > 0 {
		args = append(args, f.Labels)
		fmt.Fprintf(&b, " AND labels && $%d", len(args))
	}
	return b.String(), args
}

// Aggregate sums the component stats per player for a season slice. Players
// with no matching rows are omitted; missing components are absent from the map.
func (r *StatsRepository) Aggregate(ctx context.Context, seasonID int, components []string, f models.Filters) ([]models.PlayerAggregate, error) {
	start := time.Now()

	args := []any{seasonID, components}
	clause, args := filterClause(f, args)

	query := `
		SELECT player_name, stat_key, SUM(value)
		FROM player_stat_values
		WHERE season_id = $1 AND stat_key = ANY($2)` + clause + `
		GROUP BY player_name, stat_key
		ORDER BY player_name, stat_key
	`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		metrics.RecordDBQuery("aggregate", "player_stat_values", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer rows.Close()

	var aggregates []models.PlayerAggregate
	for rows.Next() {
		var player, statKey string
		var total float64
		if err := rows.Scan(&player, &statKey, &total); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}

		if n := len(aggregates); n == 0 || aggregates[n-1].PlayerName != player {
			aggregates = append(aggregates, models.PlayerAggregate{
				PlayerName: player,
				Components: make(map[string]float64, len(components)),
			})
		}
		aggregates[len(aggregates)-1].Components[statKey] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read aggregates: %w", err)
	}

	metrics.RecordDBQuery("aggregate", "player_stat_values", "success", time.Since(start).Seconds())
	log.Debug().
		Int("season_id", seasonID).
		Strs("components", components).
		Int("players", len(aggregates)).
		Msg("Aggregated player stats")

	return aggregates, nil
}

// RosterNumbers maps player name to jersey number for a season
func (r *StatsRepository) RosterNumbers(ctx context.Context, seasonID int) (map[string]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT player_name, jersey_number
		FROM roster
		WHERE season_id = $1 AND jersey_number IS NOT NULL
	`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	defer rows.Close()

	numbers := make(map[string]string)
	for rows.Next() {
		var name, number string
		if err := rows.Scan(&name, &number); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		numbers[name] = number
	}
	return numbers, rows.Err()
}

// Watermark returns the most recent stat update of a season, zero when empty
func (r *StatsRepository) Watermark(ctx context.Context, seasonID int) (time.Time, error) {
	var watermark *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MAX(updated_at) FROM player_stat_values WHERE season_id = $1
	`, seasonID).Scan(&watermark)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read stats watermark: %w", err)
	}
	if watermark == nil {
		return time.Time{}, nil
	}
	return *watermark, nil
}

// LastEventDate returns the latest event date inside the filters, or nil
func (r *StatsRepository) LastEventDate(ctx context.Context, seasonID int, f models.Filters) (*time.Time, error) {
	clause, args := filterClause(f, []any{seasonID})

	var last *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MAX(event_date) FROM player_stat_values WHERE season_id = $1`+clause,
		args...,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last event date: %w", err)
	}
	return last, nil
}

// Insert records stat observations in one batch
func (r *StatsRepository) Insert(ctx context.Context, values []*models.StatValue) error {
	if len(values) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range values {
		labels := v.Labels
		if labels == nil {
			labels = []string{}
		}
		source := v.Source
		if source == "" {
			source = "practice"
		}
		batch.Queue(`
			INSERT INTO player_stat_values (season_id, player_name, stat_key, value, event_date, labels, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, updated_at
		`, v.SeasonID, v.PlayerName, v.StatKey, v.Value, v.EventDate, labels, source)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, v := range values {
		if err := results.QueryRow().Scan(&v.ID, &v.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert stat value: %w", err)
		}
	}
	return nil
}

// UpsertRosterEntry sets a player's jersey number for a season
func (r *StatsRepository) UpsertRosterEntry(ctx context.Context, entry *models.RosterEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO roster (season_id, player_name, jersey_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (season_id, player_name) DO UPDATE SET
			jersey_number = EXCLUDED.jersey_number
	`, entry.SeasonID, entry.PlayerName, entry.JerseyNumber)
	if err != nil {
		return fmt.Errorf("failed to upsert roster entry: %w", err)
	}
	return nil
}

// CountForSeason returns the number of stat observations in a season
func (r *StatsRepository) CountForSeason(ctx context.Context, seasonID int) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM player_stat_values WHERE season_id = $1`, seasonID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stat values: %w", err)
	}
	return n, nil
}
