// Package catalog holds the ordered set of leaderboard stat definitions.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"hoopslab/leaderboards/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed stats.yaml
var defaultStats []byte

// ErrUnknownStat is returned when a stat key is not in the catalog
var ErrUnknownStat = errors.New("unknown leaderboard stat")

var (
	shotClasses = []string{"atr", "fg2", "fg3"}
	shotLabels  = []string{"Assisted", "Non-Assisted"}
	shotContext = []string{"total", "transition", "halfcourt"}
)

// points credited per made shot, used for points-per-shot
var pointsPerMake = map[string]float64{"atr": 2, "fg2": 2, "fg3": 3}

var percentLikeKeys = map[string]struct{}{
	"oreb_pct":                     {},
	"dreb_pct":                     {},
	"tov_pct":                      {},
	"ft_pct":                       {},
	"fg2_fg_pct":                   {},
	"fg3_fg_pct":                   {},
	"efg_on":                       {},
	"efg_off":                      {},
	"turnover_rate":                {},
	"off_reb_rate":                 {},
	"individual_turnover_rate":     {},
	"bamalytics_turnover_rate":     {},
	"individual_team_turnover_pct": {},
	"fouls_drawn_rate":             {},
}

type catalogFile struct {
	Stats []models.StatDefinition `yaml:"stats"`
}

// Catalog is an ordered, de-duplicated list of stat definitions
type Catalog struct {
	defs  []models.StatDefinition
	index map[string]int
}

// Default returns the catalog built from the embedded stat list
func Default() (*Catalog, error) {
	return Parse(defaultStats)
}

// Load reads a catalog file, falling back to the embedded list when path is empty
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stat catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML and appends the generated shot-type stats
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse stat catalog: %w", err)
	}

	c := &Catalog{index: make(map[string]int)}
	for _, def := range file.Stats {
		if err := validate(def); err != nil {
			return nil, err
		}
		c.add(def)
	}
	for _, def := range shotTypeStats() {
		c.add(def)
	}

	return c, nil
}

func validate(def models.StatDefinition) error {
	if strings.TrimSpace(def.Key) == "" {
		return fmt.Errorf("stat definition missing key (label=%q)", def.Label)
	}
	switch def.Format {
	case models.FormatInt, models.FormatFloat, models.FormatPct:
	default:
		return fmt.Errorf("stat %s: unsupported format %q", def.Key, def.Format)
	}
	if (len(def.Numerator) == 0) != (len(def.Denominator) == 0) {
		return fmt.Errorf("stat %s: numerator and denominator must be set together", def.Key)
	}
	return nil
}

// add keeps the first definition seen for a key
func (c *Catalog) add(def models.StatDefinition) {
	if _, ok := c.index[def.Key]; ok {
		return
	}
	if def.Label == "" {
		def.Label = def.Key
	}
	c.index[def.Key] = len(c.defs)
	c.defs = append(c.defs, def)
}

func shotTypeStats() []models.StatDefinition {
	var defs []models.StatDefinition
	for _, sc := range shotClasses {
		for _, lbl := range shotLabels {
			for _, ctx := range shotContext {
				prefix := fmt.Sprintf("%s_%s_%s", sc, lbl, ctx)
				labelPrefix := fmt.Sprintf("%s %s %s", strings.ToUpper(sc), lbl, titleCase(ctx))
				attempts := prefix + "_attempts"
				makes := prefix + "_makes"

				defs = append(defs,
					models.StatDefinition{Key: attempts, Label: labelPrefix + " Attempts", Format: models.FormatInt},
					models.StatDefinition{Key: makes, Label: labelPrefix + " Makes", Format: models.FormatInt},
					models.StatDefinition{
						Key:         prefix + "_fg_pct",
						Label:       labelPrefix + " FG%",
						Format:      models.FormatPct,
						Numerator:   []string{makes},
						Denominator: []string{attempts},
						Scale:       100,
					},
					models.StatDefinition{
						Key:         prefix + "_pps",
						Label:       labelPrefix + " PPS",
						Format:      models.FormatFloat,
						Numerator:   []string{makes},
						Denominator: []string{attempts},
						Scale:       pointsPerMake[sc],
					},
					models.StatDefinition{
						Key:         prefix + "_freq_pct",
						Label:       labelPrefix + " Freq%",
						Format:      models.FormatPct,
						Numerator:   []string{attempts},
						Denominator: classAttempts(sc, ctx),
						Scale:       100,
					},
				)
			}
		}
	}
	return defs
}

// classAttempts lists the attempt keys of every label for a shot class and context
func classAttempts(sc, ctx string) []string {
	keys := make([]string, 0, len(shotLabels))
	for _, lbl := range shotLabels {
		keys = append(keys, fmt.Sprintf("%s_%s_%s_attempts", sc, lbl, ctx))
	}
	return keys
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Keys returns the ordered stat keys
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.defs))
	for i, def := range c.defs {
		keys[i] = def.Key
	}
	return keys
}

// Definitions returns a copy of the ordered stat definitions
func (c *Catalog) Definitions() []models.StatDefinition {
	out := make([]models.StatDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Lookup returns the definition for key
func (c *Catalog) Lookup(key string) (models.StatDefinition, bool) {
	i, ok := c.index[key]
	if !ok {
		return models.StatDefinition{}, false
	}
	return c.defs[i], true
}

// Get returns the definition for key or ErrUnknownStat
func (c *Catalog) Get(key string) (models.StatDefinition, error) {
	def, ok := c.Lookup(key)
	if !ok {
		return models.StatDefinition{}, fmt.Errorf("%w: %s", ErrUnknownStat, key)
	}
	return def, nil
}

// Len returns the number of stats in the catalog
func (c *Catalog) Len() int {
	return len(c.defs)
}

// IsPercentStat reports whether a stat renders as a percentage
func IsPercentStat(key string) bool {
	if strings.HasSuffix(key, "_pct") {
		return true
	}
	_, ok := percentLikeKeys[key]
	return ok
}

// IsShotTypeKey reports whether key is one of the generated shot-type stats
func IsShotTypeKey(key string) bool {
	for _, sc := range shotClasses {
		for _, lbl := range shotLabels {
			if strings.HasPrefix(key, sc+"_"+lbl+"_") {
				return true
			}
		}
	}
	return false
}
