package leaderboard

import (
	"fmt"
	"time"

	"hoopslab/leaderboards/internal/models"
)

const (
	// SchemaVersion changes whenever the payload layout changes
	SchemaVersion = 1
	// FormatterVersion changes whenever display text rendering changes
	FormatterVersion = 1
)

// TableID returns the DOM id of the main leaderboard table
func TableID(statKey string) string {
	return "leaderboard-" + statKey
}

// BuildPayload runs the table builder and normalizes the result into the
// stable payload schema
func BuildPayload(seasonID int, filters models.Filters, result *models.ComputeResult, builtAt time.Time) *models.Payload {
	statKey := result.Config.Key
	table := BuildTable(result, TableID(statKey))
	manifest := ColumnsManifest(table)
	rows := NormalizeRows(table.Rows, manifest)
	totals := NormalizeTotals(table.Totals, manifest)

	payload := &models.Payload{
		SchemaVersion:    SchemaVersion,
		FormatterVersion: FormatterVersion,
		SeasonID:         seasonID,
		StatKey:          statKey,
		Filters:          filters.Spec(),
		ColumnsManifest:  manifest,
		Columns:          table.Columns,
		Rows:             rows,
		Totals:           totals,
		TableID:          table.ID,
		DefaultSort:      table.DefaultSort,
		HasData:          table.HasData,
		BuiltAt:          builtAt.UTC().Truncate(time.Second),
		Config:           result.Config,
		Variant:          result.Variant,
	}

	for _, col := range table.Columns {
		if col.Key != "" {
			payload.ColumnKeys = append(payload.ColumnKeys, col.Key)
		}
	}

	if result.Aux != nil {
		payload.AuxTable = buildAux(result.Aux, TableID(statKey)+"-aux")
	}

	return payload
}

func buildAux(aux *models.ComputeResult, tableID string) *models.AuxPayload {
	table := BuildTable(aux, tableID)
	manifest := ColumnsManifest(table)
	rows := NormalizeRows(table.Rows, manifest)
	return &models.AuxPayload{
		ColumnsManifest: manifest,
		Rows:            rows,
		Totals:          NormalizeTotals(table.Totals, manifest),
		TableID:         table.ID,
		DefaultSort:     table.DefaultSort,
		HasData:         table.HasData,
		Variant:         aux.Variant,
	}
}

// ColumnsManifest lists the table columns that carry a key
func ColumnsManifest(table *Table) []models.Column {
	manifest := make([]models.Column, 0, len(table.Columns))
	for _, col := range table.Columns {
		if col.Key == "" {
			continue
		}
		if col.Label == "" {
			col.Label = col.Key
		}
		manifest = append(manifest, col)
	}
	return manifest
}

// NormalizeRows converts table rows into rank/display/metrics rows
func NormalizeRows(rows []TableRow, manifest []models.Column) []models.PayloadRow {
	normalized := make([]models.PayloadRow, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		rank := cellText(row["rank"])
		normalized = append(normalized, models.PayloadRow{
			Rank: rank,
			Display: models.RowDisplay{
				Player: cellText(row["player"]),
				Rank:   rank,
			},
			Metrics: rowMetrics(row, manifest),
		})
	}
	return normalized
}

// NormalizeTotals converts the totals row; nil when the table has none
func NormalizeTotals(totals TableRow, manifest []models.Column) *models.PayloadTotals {
	if totals == nil {
		return nil
	}

	player := cellText(totals["player"])
	if player == "" {
		player = teamTotalsLabel
	}
	return &models.PayloadTotals{
		Display: models.RowDisplay{
			Player: player,
			Rank:   cellText(totals["rank"]),
		},
		Metrics: rowMetrics(totals, manifest),
	}
}

func rowMetrics(row TableRow, manifest []models.Column) map[string]models.Metric {
	metrics := make(map[string]models.Metric, len(manifest))
	for _, col := range manifest {
		text := row[col.Key]

		var raw *float64
		if col.ValueKey != "" {
			raw = rawNumber(row[col.ValueKey])
		}
		if raw == nil {
			raw = CoerceRawValue(text)
		}

		metrics[col.Key] = models.Metric{Raw: raw, Text: cellText(text)}
	}
	return metrics
}

// rawNumber reads a stored raw value without parsing display text
func rawNumber(v any) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case *float64:
		return x
	case string:
		return nil
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		return &f
	}
}

func cellText(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
