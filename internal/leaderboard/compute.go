package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"hoopslab/leaderboards/internal/models"
)

// AuxVariant labels the secondary "most recent session" table
const AuxVariant = "last_practice"

// StatSource is the aggregate store leaderboards are computed from
type StatSource interface {
	// Aggregate sums the given component stats per player
	Aggregate(ctx context.Context, seasonID int, components []string, f models.Filters) ([]models.PlayerAggregate, error)
	// RosterNumbers maps player name to jersey number for a season
	RosterNumbers(ctx context.Context, seasonID int) (map[string]string, error)
	// Watermark returns the latest stat update for a season; zero when there are none
	Watermark(ctx context.Context, seasonID int) (time.Time, error)
	// LastEventDate returns the latest event date inside the filters, or nil
	LastEventDate(ctx context.Context, seasonID int, f models.Filters) (*time.Time, error)
}

// ComputeFunc produces leaderboard rows for one stat. The result may be a
// *models.ComputeResult or any shape NormalizeComputeResult accepts.
type ComputeFunc func(ctx context.Context, seasonID int, def models.StatDefinition, f models.Filters) (any, error)

// Computer evaluates catalog stats against a StatSource
type Computer struct {
	source StatSource
}

// NewComputer creates a Computer over source
func NewComputer(source StatSource) *Computer {
	return &Computer{source: source}
}

// Compute builds the leaderboard for def, with an aux table for the latest
// session inside the filters when the window spans more than one day
func (c *Computer) Compute(ctx context.Context, seasonID int, def models.StatDefinition, f models.Filters) (any, error) {
	numbers, err := c.source.RosterNumbers(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	result, err := c.computeSlice(ctx, seasonID, def, f, numbers)
	if err != nil {
		return nil, err
	}

	last, err := c.source.LastEventDate(ctx, seasonID, f)
	if err != nil {
		return nil, fmt.Errorf("failed to find last event date: %w", err)
	}
	if last != nil && !singleDay(f) {
		day := truncateDay(*last)
		aux, err := c.computeSlice(ctx, seasonID, def, models.Filters{Start: &day, End: &day, Labels: f.Labels}, numbers)
		if err != nil {
			return nil, err
		}
		aux.Variant = AuxVariant
		result.Aux = aux
	}

	return result, nil
}

func (c *Computer) computeSlice(ctx context.Context, seasonID int, def models.StatDefinition, f models.Filters, numbers map[string]string) (*models.ComputeResult, error) {
	aggregates, err := c.source.Aggregate(ctx, seasonID, def.Components(), f)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", def.Key, err)
	}
	return ResultFromAggregates(def, aggregates, numbers), nil
}

// ResultFromAggregates evaluates def for every player and for the team totals
func ResultFromAggregates(def models.StatDefinition, aggregates []models.PlayerAggregate, numbers map[string]string) *models.ComputeResult {
	result := &models.ComputeResult{Config: def}
	if len(aggregates) == 0 {
		return result
	}

	team := make(map[string]float64)
	for _, agg := range aggregates {
		for key, v := range agg.Components {
			team[key] += v
		}
		result.Rows = append(result.Rows, models.ComputeRow{
			PlayerName:   agg.PlayerName,
			PlayerNumber: numbers[agg.PlayerName],
			Value:        def.Evaluate(agg.Components),
		})
	}
	result.TeamTotals = def.Evaluate(team)
	return result
}

// ResultFromSnapshot evaluates def from stored baseline aggregates
func ResultFromSnapshot(def models.StatDefinition, snap *models.LeaderboardSnapshot, numbers map[string]string) *models.ComputeResult {
	players := snap.PlayerKeys
	if len(players) == 0 {
		for name := range snap.PlayerTotals {
			players = append(players, name)
		}
		sort.Strings(players)
	}

	aggregates := make([]models.PlayerAggregate, 0, len(players))
	for _, name := range players {
		components, ok := snap.PlayerTotals[name]
		if !ok {
			continue
		}
		aggregates = append(aggregates, models.PlayerAggregate{PlayerName: name, Components: components})
	}

	result := ResultFromAggregates(def, aggregates, numbers)
	if len(snap.TeamTotals) > 0 {
		result.TeamTotals = def.Evaluate(snap.TeamTotals)
	}
	return result
}

func singleDay(f models.Filters) bool {
	return f.Start != nil && f.End != nil && truncateDay(*f.Start).Equal(truncateDay(*f.End))
}
