package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/metrics"
	"hoopslab/leaderboards/internal/models"
)

// CachedLeaderboardRepository handles versioned leaderboard payloads
type CachedLeaderboardRepository struct {
	db *Database
}

const cachedLeaderboardColumns = `
	id, season_id, stat_key, variant_key, schema_version, formatter_version,
	etag, payload_json, build_manifest, created_at, updated_at`

func scanCachedLeaderboard(row pgx.Row) (*models.CachedLeaderboard, error) {
	var entry models.CachedLeaderboard
	var body string
	err := row.Scan(
		&entry.ID, &entry.SeasonID, &entry.StatKey, &entry.VariantKey,
		&entry.SchemaVersion, &entry.FormatterVersion,
		&entry.ETag, &body, &entry.BuildManifest,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.PayloadJSON = []byte(body)
	return &entry, nil
}

// Save stores a payload version and prunes the stat's history to the newest
// retain versions. Saving a body that already exists refreshes that version
// instead of adding a duplicate.
func (r *CachedLeaderboardRepository) Save(ctx context.Context, entry *models.CachedLeaderboard, retain int) (*models.CachedLeaderboard, error) {
	if retain < 1 {
		retain = 1
	}
	start := time.Now()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	manifest := entry.BuildManifest
	if len(manifest) == 0 {
		manifest = []byte("{}")
	}

	query := `
		INSERT INTO cached_leaderboards (
			season_id, stat_key, variant_key, schema_version, formatter_version,
			etag, payload_json, build_manifest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (season_id, stat_key, variant_key, etag) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			formatter_version = EXCLUDED.formatter_version,
			build_manifest = EXCLUDED.build_manifest,
			updated_at = clock_timestamp()
		RETURNING id, created_at, updated_at
	`

	saved := *entry
	saved.BuildManifest = manifest
	err = tx.QueryRow(
		ctx, query,
		entry.SeasonID, entry.StatKey, entry.VariantKey, entry.SchemaVersion, entry.FormatterVersion,
		entry.ETag, string(entry.PayloadJSON), string(manifest),
	).Scan(&saved.ID, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		metrics.RecordDBQuery("upsert", "cached_leaderboards", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to save cached leaderboard: %w", err)
	}

	pruneQuery := `
		DELETE FROM cached_leaderboards
		WHERE id IN (
			SELECT id FROM cached_leaderboards
			WHERE season_id = $1 AND stat_key = $2 AND variant_key = $3
			ORDER BY updated_at DESC, id DESC
			OFFSET $4
		)
	`
	tag, err := tx.Exec(ctx, pruneQuery, entry.SeasonID, entry.StatKey, entry.VariantKey, retain)
	if err != nil {
		return nil, fmt.Errorf("failed to prune cached leaderboards: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cached leaderboard: %w", err)
	}
	metrics.RecordDBQuery("upsert", "cached_leaderboards", "success", time.Since(start).Seconds())

	log.Debug().
		Int("season_id", entry.SeasonID).
		Str("stat", entry.StatKey).
		Str("etag", entry.ETag).
		Int64("pruned", tag.RowsAffected()).
		Msg("Cached leaderboard saved")

	return &saved, nil
}

// FetchLatest returns the newest version for a stat variant
func (r *CachedLeaderboardRepository) FetchLatest(ctx context.Context, seasonID int, statKey, variantKey string) (*models.CachedLeaderboard, error) {
	query := `SELECT` + cachedLeaderboardColumns + `
		FROM cached_leaderboards
		WHERE season_id = $1 AND stat_key = $2 AND variant_key = $3
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`

	entry, err := scanCachedLeaderboard(r.db.Pool.QueryRow(ctx, query, seasonID, statKey, variantKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cached leaderboard: %w", err)
	}
	return entry, nil
}

// List returns every stored version of a stat variant, newest first
func (r *CachedLeaderboardRepository) List(ctx context.Context, seasonID int, statKey, variantKey string) ([]*models.CachedLeaderboard, error) {
	query := `SELECT` + cachedLeaderboardColumns + `
		FROM cached_leaderboards
		WHERE season_id = $1 AND stat_key = $2 AND variant_key = $3
		ORDER BY updated_at DESC, id DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, seasonID, statKey, variantKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached leaderboards: %w", err)
	}
	defer rows.Close()

	var entries []*models.CachedLeaderboard
	for rows.Next() {
		entry, err := scanCachedLeaderboard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cached leaderboard: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteAfterEtag removes every version newer than the one tagged etag.
// Returns ErrNotFound when no version carries etag.
func (r *CachedLeaderboardRepository) DeleteAfterEtag(ctx context.Context, seasonID int, statKey, variantKey, etag string) (int, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var targetID int64
	var targetUpdated time.Time
	err = tx.QueryRow(ctx, `
		SELECT id, updated_at FROM cached_leaderboards
		WHERE season_id = $1 AND stat_key = $2 AND variant_key = $3 AND etag = $4
		FOR UPDATE
	`, seasonID, statKey, variantKey, etag).Scan(&targetID, &targetUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: no version of season=%d stat=%s with etag %s", ErrNotFound, seasonID, statKey, etag)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find rollback target: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM cached_leaderboards
		WHERE season_id = $1 AND stat_key = $2 AND variant_key = $3
		  AND (updated_at, id) > ($4, $5)
	`, seasonID, statKey, variantKey, targetUpdated, targetID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete newer versions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit rollback: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LoadLatestForSeason returns the newest unfiltered payload of every stat in
// a season. Undecodable versions are skipped.
func (r *CachedLeaderboardRepository) LoadLatestForSeason(ctx context.Context, seasonID int) (map[string]*models.Payload, error) {
	query := `SELECT DISTINCT ON (stat_key)` + cachedLeaderboardColumns + `
		FROM cached_leaderboards
		WHERE season_id = $1 AND variant_key = ''
		ORDER BY stat_key, updated_at DESC, id DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load season leaderboards: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]*models.Payload)
	for rows.Next() {
		entry, err := scanCachedLeaderboard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cached leaderboard: %w", err)
		}
		payload, err := entry.Decode()
		if err != nil {
			log.Warn().Err(err).
				Int("season_id", entry.SeasonID).
				Str("stat", entry.StatKey).
				Msg("Failed to decode cached leaderboard payload")
			continue
		}
		latest[entry.StatKey] = payload
	}
	return latest, rows.Err()
}

// LatestHeaders returns the newest version of every stat variant without
// payload bodies, for staleness sweeps. seasonID 0 selects all seasons.
func (r *CachedLeaderboardRepository) LatestHeaders(ctx context.Context, seasonID int) ([]*models.CachedLeaderboard, error) {
	query := `
		SELECT DISTINCT ON (season_id, stat_key, variant_key)
			id, season_id, stat_key, variant_key, schema_version, formatter_version,
			etag, build_manifest, created_at, updated_at
		FROM cached_leaderboards
		WHERE $1 = 0 OR season_id = $1
		ORDER BY season_id, stat_key, variant_key, updated_at DESC, id DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest leaderboards: %w", err)
	}
	defer rows.Close()

	var entries []*models.CachedLeaderboard
	for rows.Next() {
		var entry models.CachedLeaderboard
		if err := rows.Scan(
			&entry.ID, &entry.SeasonID, &entry.StatKey, &entry.VariantKey,
			&entry.SchemaVersion, &entry.FormatterVersion,
			&entry.ETag, &entry.BuildManifest, &entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard header: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
