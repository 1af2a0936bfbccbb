package leaderboard

import (
	"sort"
	"strconv"
	"strings"

	"hoopslab/leaderboards/internal/models"
)

const (
	teamTotalsLabel = "Team Totals"
	missingValue    = "-"
)

// TableRow is a rendered row keyed by column key. Value columns also carry
// their raw number under the column's value key.
type TableRow map[string]any

// Table is the display-ready leaderboard before normalization
type Table struct {
	ID          string
	Columns     []models.Column
	Rows        []TableRow
	Totals      TableRow
	DefaultSort string
	HasData     bool
}

// BuildTable renders compute output as ranked display rows
func BuildTable(result *models.ComputeResult, tableID string) *Table {
	cfg := result.Config
	statKey := cfg.Key
	valueKey := statKey + "_value"

	label := cfg.Label
	if label == "" {
		label = statKey
	}

	table := &Table{
		ID: tableID,
		Columns: []models.Column{
			{Key: "rank", Label: "#", Align: "center"},
			{Key: "player", Label: "Player", Align: "left"},
			{Key: statKey, Label: label, Align: "right", ValueKey: valueKey},
		},
		DefaultSort: statKey + ":desc",
	}

	rows := make([]models.ComputeRow, len(result.Rows))
	copy(rows, result.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return valueLess(rows[j].Value, rows[i].Value)
	})

	for i, row := range rows {
		rank := strconv.Itoa(i + 1)
		table.Rows = append(table.Rows, TableRow{
			"rank":   rank,
			"player": PlayerDisplay(row.PlayerNumber, row.PlayerName),
			statKey:  formatCell(statKey, row.Value),
			valueKey: row.Value,
		})
	}

	if result.TeamTotals != nil {
		table.Totals = TableRow{
			"rank":   "",
			"player": teamTotalsLabel,
			statKey:  formatCell(statKey, result.TeamTotals),
			valueKey: result.TeamTotals,
		}
	}

	table.HasData = len(table.Rows) > 0 || table.Totals != nil
	return table
}

// valueLess orders values ascending with missing values first
func valueLess(a, b *float64) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return *a < *b
	}
}

func formatCell(statKey string, v *float64) string {
	if v == nil {
		return missingValue
	}
	return FormatStatValue(statKey, *v)
}

// PlayerDisplay renders "#<number> <name>", or just the name when the number
// is unknown or already part of the name
func PlayerDisplay(number, name string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "#")
	name = strings.TrimSpace(name)
	if number == "" || strings.HasPrefix(name, "#") {
		return name
	}
	return strings.TrimSpace("#" + number + " " + name)
}
