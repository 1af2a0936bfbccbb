package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the wire format for filter dates
const DateLayout = "2006-01-02"

// Filters narrows a leaderboard to a date window and a set of drill labels
type Filters struct {
	Start  *time.Time
	End    *time.Time
	Labels []string
}

// IsZero reports whether no filter is applied
func (f Filters) IsZero() bool {
	return f.Start == nil && f.End == nil && len(f.Labels) == 0
}

// Spec returns the JSON-friendly representation of the filters
func (f Filters) Spec() FilterSpec {
	spec := FilterSpec{Labels: f.Labels}
	if f.Start != nil {
		spec.Start = f.Start.Format(DateLayout)
	}
	if f.End != nil {
		spec.End = f.End.Format(DateLayout)
	}
	if spec.Labels == nil {
		spec.Labels = []string{}
	}
	return spec
}

// FilterSpec is the serialized form of Filters stored inside payloads
type FilterSpec struct {
	Start  string   `json:"start"`
	End    string   `json:"end"`
	Labels []string `json:"labels"`
}

// ComputeRow is one player line produced by a compute function
type ComputeRow struct {
	PlayerName   string
	PlayerNumber string
	Value        *float64
}

// ComputeResult is the native output of a compute function
type ComputeResult struct {
	Config     StatDefinition
	Rows       []ComputeRow
	TeamTotals *float64
	Variant    string
	Aux        *ComputeResult
}

// Column describes one rendered leaderboard column
type Column struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Align    string `json:"align,omitempty"`
	ValueKey string `json:"value_key,omitempty"`
}

// Metric pairs the raw numeric value of a cell with its display text
type Metric struct {
	Raw  *float64 `json:"raw"`
	Text string   `json:"text"`
}

// RowDisplay holds the non-metric cells of a row
type RowDisplay struct {
	Player string `json:"player"`
	Rank   string `json:"rank"`
}

// PayloadRow is a normalized leaderboard row
type PayloadRow struct {
	Rank    string            `json:"rank"`
	Display RowDisplay        `json:"display"`
	Metrics map[string]Metric `json:"metrics"`
}

// PayloadTotals is the normalized team totals row
type PayloadTotals struct {
	Display RowDisplay        `json:"display"`
	Metrics map[string]Metric `json:"metrics"`
}

// AuxPayload is a secondary table rendered next to the main leaderboard
type AuxPayload struct {
	ColumnsManifest []Column       `json:"columns_manifest"`
	Rows            []PayloadRow   `json:"rows"`
	Totals          *PayloadTotals `json:"totals"`
	TableID         string         `json:"table_id"`
	DefaultSort     string         `json:"default_sort"`
	HasData         bool           `json:"has_data"`
	Variant         string         `json:"variant,omitempty"`
}

// Payload is the versioned leaderboard document persisted and served to views
type Payload struct {
	SchemaVersion    int            `json:"schema_version"`
	FormatterVersion int            `json:"formatter_version"`
	SeasonID         int            `json:"season_id"`
	StatKey          string         `json:"stat_key"`
	Filters          FilterSpec     `json:"filters"`
	ColumnsManifest  []Column       `json:"columns_manifest"`
	Columns          []Column       `json:"columns"`
	ColumnKeys       []string       `json:"column_keys,omitempty"`
	Rows             []PayloadRow   `json:"rows"`
	Totals           *PayloadTotals `json:"totals"`
	TableID          string         `json:"table_id"`
	DefaultSort      string         `json:"default_sort"`
	HasData          bool           `json:"has_data"`
	BuiltAt          time.Time      `json:"built_at"`
	Config           StatDefinition `json:"config"`
	Variant          string         `json:"variant,omitempty"`
	AuxTable         *AuxPayload    `json:"aux_table,omitempty"`
}

// CompactRow is a row of the lightweight dropdown leaderboard
type CompactRow struct {
	Rank      string  `json:"rank"`
	Player    string  `json:"player"`
	Value     string  `json:"value"`
	ValueSort float64 `json:"value_sort"`
}

// CompactPayload is the cached dropdown leaderboard document
type CompactPayload struct {
	SchemaVersion int          `json:"schema_version"`
	StatKey       string       `json:"stat_key"`
	SeasonID      int          `json:"season_id"`
	Rows          []CompactRow `json:"rows"`
	BuiltAt       time.Time    `json:"built_at"`
}

// BuildManifest records how a persisted payload was produced
type BuildManifest struct {
	SeasonID      int       `json:"season_id"`
	StatKey       string    `json:"stat_key"`
	VariantKey    string    `json:"variant_key"`
	Builder       string    `json:"builder"`
	ComputeSource string    `json:"compute_source"`
	BuiltAt       time.Time `json:"built_at"`
}

// CachedLeaderboard is one persisted payload version
type CachedLeaderboard struct {
	ID               int64           `db:"id"`
	SeasonID         int             `db:"season_id"`
	StatKey          string          `db:"stat_key"`
	VariantKey       string          `db:"variant_key"`
	SchemaVersion    int             `db:"schema_version"`
	FormatterVersion int             `db:"formatter_version"`
	ETag             string          `db:"etag"`
	PayloadJSON      []byte          `db:"payload_json"`
	BuildManifest    json.RawMessage `db:"build_manifest"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Decode unmarshals the stored payload body
func (c *CachedLeaderboard) Decode() (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(c.PayloadJSON, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SnapshotRow is one (player, value) leaderboard line stored in a snapshot
type SnapshotRow struct {
	Player string   `json:"player"`
	Value  *float64 `json:"value"`
}

// LeaderboardSnapshot holds persisted baseline aggregates for a filtered slice
type LeaderboardSnapshot struct {
	ID              int64                         `db:"id"`
	SeasonID        int                           `db:"season_id"`
	StatKey         string                        `db:"stat_key"`
	StartDate       *time.Time                    `db:"start_date"`
	EndDate         *time.Time                    `db:"end_date"`
	LabelKey        string                        `db:"label_key"`
	LabelValues     []string                      `db:"label_values"`
	PlayerTotals    map[string]map[string]float64 `db:"player_totals"`
	ShotDetails     map[string]map[string]float64 `db:"shot_details"`
	TeamTotals      map[string]float64            `db:"team_totals"`
	PlayerKeys      []string                      `db:"player_keys"`
	LeaderboardRows []SnapshotRow                 `db:"leaderboard_rows"`
	CreatedAt       time.Time                     `db:"created_at"`
	UpdatedAt       time.Time                     `db:"updated_at"`
}

// Progress is the status of a long-running background job
type Progress struct {
	Percent   int     `json:"percent"`
	Message   string  `json:"message"`
	Done      bool    `json:"done"`
	Error     *string `json:"error"`
	UpdatedAt string  `json:"updated_at"`
}
