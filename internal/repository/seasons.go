package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/models"
)

// SeasonRepository handles season database operations
type SeasonRepository struct {
	db *Database
}

// Create inserts a new season
func (r *SeasonRepository) Create(ctx context.Context, season *models.Season) error {
	query := `
		INSERT INTO seasons (season_name, start_date, end_date)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query, season.Name, season.StartDate, season.EndDate).Scan(&season.ID)
	if err != nil {
		return fmt.Errorf("failed to create season: %w", err)
	}

	log.Debug().
		Int("id", season.ID).
		Str("name", season.Name).
		Msg("Season created")

	return nil
}

// GetByID retrieves a season by id
func (r *SeasonRepository) GetByID(ctx context.Context, id int) (*models.Season, error) {
	query := `
		SELECT id, season_name, start_date, end_date
		FROM seasons
		WHERE id = $1
	`

	var season models.Season
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&season.ID, &season.Name, &season.StartDate, &season.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: season %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get season: %w", err)
	}

	return &season, nil
}

// List returns every season, newest first
func (r *SeasonRepository) List(ctx context.Context) ([]*models.Season, error) {
	query := `
		SELECT id, season_name, start_date, end_date
		FROM seasons
		ORDER BY id DESC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list seasons: %w", err)
	}
	defer rows.Close()

	var seasons []*models.Season
	for rows.Next() {
		var season models.Season
		if err := rows.Scan(&season.ID, &season.Name, &season.StartDate, &season.EndDate); err != nil {
			return nil, fmt.Errorf("failed to scan season: %w", err)
		}
		seasons = append(seasons, &season)
	}

	return seasons, rows.Err()
}

// IDs returns every season id, newest first
func (r *SeasonRepository) IDs(ctx context.Context) ([]int, error) {
	seasons, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int, len(seasons))
	for i, s := range seasons {
		ids[i] = s.ID
	}
	return ids, nil
}
