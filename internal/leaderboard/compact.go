package leaderboard

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"hoopslab/leaderboards/internal/models"
)

// BuildCompactPayload renders the lightweight dropdown leaderboard.
// Rows without a player name or number are dropped; missing values sort as zero.
func BuildCompactPayload(seasonID int, statKey string, rows []models.ComputeRow, builtAt time.Time) *models.CompactPayload {
	prepared := make([]models.CompactRow, 0, len(rows))
	for _, row := range rows {
		name := strings.TrimSpace(row.PlayerName)
		number := strings.TrimSpace(row.PlayerNumber)
		if name == "" && number == "" {
			continue
		}

		var sortValue float64
		if row.Value != nil {
			sortValue = *row.Value
		}

		prepared = append(prepared, models.CompactRow{
			Player:    PlayerDisplay(number, name),
			Value:     FormatStatValue(statKey, row.Value),
			ValueSort: sortValue,
		})
	}

	sort.SliceStable(prepared, func(i, j int) bool {
		return prepared[i].ValueSort > prepared[j].ValueSort
	})
	for i := range prepared {
		prepared[i].Rank = strconv.Itoa(i + 1)
	}

	return &models.CompactPayload{
		SchemaVersion: SchemaVersion,
		StatKey:       statKey,
		SeasonID:      seasonID,
		Rows:          prepared,
		BuiltAt:       builtAt.UTC().Truncate(time.Second),
	}
}
