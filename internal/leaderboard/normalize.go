package leaderboard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hoopslab/leaderboards/internal/models"
)

// ErrUnsupportedComputeResult is returned for compute output of an unknown shape
var ErrUnsupportedComputeResult = errors.New(
	"compute result must be a mapping with config, rows and team_totals keys " +
		"or a (config, rows, team_totals[, variant]) tuple")

var (
	playerNumberKeys = []string{"player_number", "jersey", "jersey_number", "number", "num"}
	playerNameKeys   = []string{"player_name", "player", "name"}
	valueKeys        = []string{"value", "stat_value", "metric_value"}
	totalsValueKeys  = []string{"value", "total", "team_total"}
)

// NormalizeComputeResult reshapes compute output into a ComputeResult.
//
// Compute functions come in several shapes: the native struct, a decoded JSON
// mapping (config/rows/team_totals/variant/aux_table) or a positional tuple of
// three or four elements. fallback supplies the stat config when the result
// carries none.
func NormalizeComputeResult(result any, fallback models.StatDefinition) (*models.ComputeResult, error) {
	switch r := result.(type) {
	case *models.ComputeResult:
		if r == nil {
			return nil, ErrUnsupportedComputeResult
		}
		out := *r
		if out.Config.Key == "" {
			out.Config = fallback
		}
		return &out, nil
	case models.ComputeResult:
		return NormalizeComputeResult(&r, fallback)
	case map[string]any:
		return normalizeMapping(r, fallback)
	case []any:
		switch len(r) {
		case 3, 4:
			out := &models.ComputeResult{}
			out.Config = parseConfig(r[0], fallback)
			out.Rows = parseRows(r[1], out.Config.Key)
			out.TeamTotals = parseTotals(r[2], out.Config.Key)
			if len(r) == 4 && r[3] != nil {
				out.Variant = fmt.Sprint(r[3])
			}
			return out, nil
		}
	}

	return nil, fmt.Errorf("%w (got %T)", ErrUnsupportedComputeResult, result)
}

func normalizeMapping(m map[string]any, fallback models.StatDefinition) (*models.ComputeResult, error) {
	out := &models.ComputeResult{}
	out.Config = parseConfig(m["config"], fallback)
	out.Rows = parseRows(m["rows"], out.Config.Key)
	out.TeamTotals = parseTotals(m["team_totals"], out.Config.Key)
	if v, ok := m["variant"]; ok && v != nil {
		out.Variant = fmt.Sprint(v)
	}

	if aux, ok := m["aux_table"].(map[string]any); ok {
		_, hasCfg := aux["config"]
		_, hasRows := aux["rows"]
		_, hasTotals := aux["team_totals"]
		if hasCfg || hasRows || hasTotals {
			auxResult, err := normalizeMapping(aux, out.Config)
			if err != nil {
				return nil, err
			}
			out.Aux = auxResult
		}
	}

	return out, nil
}

func parseConfig(raw any, fallback models.StatDefinition) models.StatDefinition {
	switch c := raw.(type) {
	case models.StatDefinition:
		if c.Key != "" {
			return c
		}
	case *models.StatDefinition:
		if c != nil && c.Key != "" {
			return *c
		}
	case map[string]any:
		def := fallback
		if key, ok := c["key"].(string); ok && key != "" {
			def.Key = key
		}
		if label, ok := c["label"].(string); ok && label != "" {
			def.Label = label
		}
		if format, ok := c["format"].(string); ok && format != "" {
			def.Format = models.StatFormat(format)
		}
		return def
	}
	return fallback
}

func parseRows(raw any, statKey string) []models.ComputeRow {
	var items []any
	switch rows := raw.(type) {
	case nil:
		return nil
	case []models.ComputeRow:
		return rows
	case []map[string]any:
		items = make([]any, len(rows))
		for i, r := range rows {
			items[i] = r
		}
	case []any:
		items = rows
	default:
		return nil
	}

	out := make([]models.ComputeRow, 0, len(items))
	for _, item := range items {
		row, ok := parseRow(item, statKey)
		if !ok {
			continue
		}
		out = append(out, row)
	}
	return out
}

func parseRow(item any, statKey string) (models.ComputeRow, bool) {
	var name, number, value any

	switch r := item.(type) {
	case models.ComputeRow:
		return r, r.PlayerName != "" || r.PlayerNumber != ""
	case map[string]any:
		name = coalesce(r, playerNameKeys)
		number = coalesce(r, playerNumberKeys)
		if v, ok := r[statKey]; ok && !isBlank(v) {
			value = v
		} else {
			value = coalesce(r, valueKeys)
		}
	case []any:
		switch {
		case len(r) >= 3:
			number, name, value = r[0], r[1], r[2]
		case len(r) == 2:
			name, value = r[0], r[1]
		case len(r) == 1:
			name = r[0]
		default:
			return models.ComputeRow{}, false
		}
	default:
		return models.ComputeRow{}, false
	}

	row := models.ComputeRow{
		PlayerName:   textOf(name),
		PlayerNumber: JerseyText(number),
		Value:        parseStatValue(value),
	}
	if row.PlayerName == "" && row.PlayerNumber == "" {
		return models.ComputeRow{}, false
	}
	return row, true
}

func parseTotals(raw any, statKey string) *float64 {
	switch t := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		if v, ok := t[statKey]; ok && !isBlank(v) {
			return parseStatValue(v)
		}
		return parseStatValue(coalesce(t, totalsValueKeys))
	default:
		return parseStatValue(raw)
	}
}

// parseStatValue reads a compute value; percent text keeps its scale ("45%" -> 45)
func parseStatValue(v any) *float64 {
	if s, ok := v.(string); ok {
		text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
		if text == "" {
			return nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func coalesce(row map[string]any, keys []string) any {
	for _, key := range keys {
		if v, ok := row[key]; ok && !isBlank(v) {
			return v
		}
	}
	return nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func textOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
