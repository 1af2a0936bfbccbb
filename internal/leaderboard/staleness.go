package leaderboard

import (
	"fmt"
	"time"
)

// Staleness reasons
const (
	ReasonSchema    = "schema_version"
	ReasonFormatter = "formatter_version"
	ReasonAge       = "max_age"
	ReasonWatermark = "source_updated"
)

// StalenessCheck describes a stored payload being considered for serving
type StalenessCheck struct {
	SchemaVersion    int
	FormatterVersion int
	BuiltAt          time.Time
	// Watermark is the latest update to the season's source stats; zero when unknown
	Watermark time.Time
	MaxAge    time.Duration
	Now       time.Time
}

// Staleness is the verdict for a stored payload. Hard staleness means the
// payload must not be served; soft staleness means it may be served while a
// rebuild is scheduled.
type Staleness struct {
	Stale   bool
	Hard    bool
	Reasons []string
}

func (s Staleness) String() string {
	switch {
	case !s.Stale:
		return "fresh"
	case s.Hard:
		return fmt.Sprintf("hard%v", s.Reasons)
	default:
		return fmt.Sprintf("soft%v", s.Reasons)
	}
}

// CheckStaleness evaluates a stored payload against the current versions,
// its age and the source watermark. A zero MaxAge disables the age check.
func CheckStaleness(c StalenessCheck) Staleness {
	var s Staleness

	if c.SchemaVersion != SchemaVersion {
		s.Reasons = append(s.Reasons, ReasonSchema)
		s.Hard = true
	}
	if c.FormatterVersion != FormatterVersion {
		s.Reasons = append(s.Reasons, ReasonFormatter)
		s.Hard = true
	}
	if c.MaxAge > 0 && c.Now.Sub(c.BuiltAt) > c.MaxAge {
		s.Reasons = append(s.Reasons, ReasonAge)
	}
	// built_at is truncated to the second, so a write later in that same
	// second still counts as newer
	if !c.Watermark.IsZero() && c.Watermark.After(c.BuiltAt.Truncate(time.Second)) {
		s.Reasons = append(s.Reasons, ReasonWatermark)
	}

	s.Stale = len(s.Reasons) > 0
	return s
}
