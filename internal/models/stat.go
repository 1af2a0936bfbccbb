package models

import (
	"database/sql"
	"time"
)

// StatFormat controls how a stat value is rendered
type StatFormat string

const (
	FormatInt   StatFormat = "int"
	FormatFloat StatFormat = "float"
	FormatPct   StatFormat = "pct"
)

// StatDefinition describes a single leaderboard stat.
//
// Counting stats read their own key from the aggregate source. Ratio stats
// (percentages, points per shot) list the component keys they are derived
// from: value = sum(Numerator) * Scale / sum(Denominator).
type StatDefinition struct {
	Key         string     `json:"key" yaml:"key"`
	Label       string     `json:"label" yaml:"label"`
	Format      StatFormat `json:"format" yaml:"format"`
	Numerator   []string   `json:"numerator,omitempty" yaml:"numerator,omitempty"`
	Denominator []string   `json:"denominator,omitempty" yaml:"denominator,omitempty"`
	Scale       float64    `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// IsRatio reports whether the stat is derived from component stats
func (d StatDefinition) IsRatio() bool {
	return len(d.Numerator) > 0 && len(d.Denominator) > 0
}

// Components returns the source stat keys needed to evaluate the stat
func (d StatDefinition) Components() []string {
	if !d.IsRatio() {
		return []string{d.Key}
	}

	seen := make(map[string]struct{}, len(d.Numerator)+len(d.Denominator))
	keys := make([]string, 0, len(d.Numerator)+len(d.Denominator))
	for _, group := range [][]string{d.Numerator, d.Denominator} {
		for _, key := range group {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// Evaluate computes the stat value from summed components.
// Returns nil when a ratio stat has no denominator.
func (d StatDefinition) Evaluate(components map[string]float64) *float64 {
	if !d.IsRatio() {
		v := components[d.Key]
		return &v
	}

	var num, den float64
	for _, key := range d.Numerator {
		num += components[key]
	}
	for _, key := range d.Denominator {
		den += components[key]
	}
	if den == 0 {
		return nil
	}

	scale := d.Scale
	if scale == 0 {
		scale = 1
	}
	v := num * scale / den
	return &v
}

// Season represents a program season
type Season struct {
	ID        int          `db:"id"`
	Name      string       `db:"season_name"`
	StartDate sql.NullTime `db:"start_date"`
	EndDate   sql.NullTime `db:"end_date"`
}

// StatValue is a single per-player stat observation written by the practice
// and game importers. Leaderboards aggregate these rows.
type StatValue struct {
	ID         int64     `db:"id"`
	SeasonID   int       `db:"season_id"`
	PlayerName string    `db:"player_name"`
	StatKey    string    `db:"stat_key"`
	Value      float64   `db:"value"`
	EventDate  time.Time `db:"event_date"`
	Labels     []string  `db:"labels"`
	Source     string    `db:"source"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// RosterEntry maps a player to a jersey number for a season
type RosterEntry struct {
	SeasonID     int            `db:"season_id"`
	PlayerName   string         `db:"player_name"`
	JerseyNumber sql.NullString `db:"jersey_number"`
}

// PlayerAggregate holds summed component stats for one player
type PlayerAggregate struct {
	PlayerName string
	Components map[string]float64
}
