package cache

import (
	"context"
	"errors"
	"time"
)

// RegistryKey is the hash tracking cached leaderboard payloads for invalidation
const RegistryKey = "leaderboard:registry"

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Store is the hot cache used for leaderboard payloads and job progress
type Store interface {
	// Get decodes the JSON value stored under key into dest
	Get(ctx context.Context, key string, dest any) error
	// Set stores value as JSON; a zero ttl keeps it until deleted
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete removes keys along with their registry entries
	Delete(ctx context.Context, keys ...string) error

	// Register records metadata for key so Invalidate can find it later
	Register(ctx context.Context, key string, entry Entry) error
	// Invalidate deletes every registered key matching m and returns the count
	Invalidate(ctx context.Context, m Match) (int, error)
	// Prune drops registry entries whose keys have expired or been deleted
	Prune(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Entry is the registry metadata of one cached payload
type Entry struct {
	SeasonID int      `json:"season_id"`
	StatKey  string   `json:"stat_key"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Labels   []string `json:"labels"`
}

// Match selects registry entries of one season. Empty StatKey, Start and End
// match anything. Labels match anything when nil; a non-nil slice must equal
// the entry's normalized labels exactly, so an empty slice selects unlabelled
// entries.
//
// Exact compares Start, End and Labels as given, so a zero filter selects only
// the unfiltered entry.
type Match struct {
	SeasonID int
	StatKey  string
	Start    string
	End      string
	Labels   []string
	Exact    bool
}

// Matches reports whether e is selected by m
func (m Match) Matches(e Entry) bool {
	if e.SeasonID != m.SeasonID {
		return false
	}
	if m.StatKey != "" && e.StatKey != m.StatKey {
		return false
	}
	if (m.Exact || m.Start != "") && e.Start != m.Start {
		return false
	}
	if (m.Exact || m.End != "") && e.End != m.End {
		return false
	}
	if m.Exact || m.Labels != nil {
		if len(m.Labels) != len(e.Labels) {
			return false
		}
		for i := range m.Labels {
			if m.Labels[i] != e.Labels[i] {
				return false
			}
		}
	}
	return true
}
