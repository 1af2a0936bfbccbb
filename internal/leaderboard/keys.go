package leaderboard

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"hoopslab/leaderboards/internal/models"
)

const (
	// KeyPrefix namespaces every leaderboard entry in the hot cache
	KeyPrefix = "leaderboard"

	noLabels = "none"
)

// NormalizeLabels trims, lowercases, de-duplicates and sorts labels
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// NormalizeFilters returns a copy of f with normalized labels and dates
// truncated to the day in UTC
func NormalizeFilters(f models.Filters) models.Filters {
	out := models.Filters{Labels: NormalizeLabels(f.Labels)}
	if f.Start != nil {
		d := truncateDay(*f.Start)
		out.Start = &d
	}
	if f.End != nil {
		d := truncateDay(*f.End)
		out.End = &d
	}
	return out
}

// ParseFilters builds filters from query-string style values. Dates use
// YYYY-MM-DD and labels are comma separated.
func ParseFilters(start, end, labels string) (models.Filters, error) {
	var f models.Filters
	if start = strings.TrimSpace(start); start != "" {
		t, err := time.Parse(models.DateLayout, start)
		if err != nil {
			return models.Filters{}, fmt.Errorf("invalid start date %q: %w", start, err)
		}
		f.Start = &t
	}
	if end = strings.TrimSpace(end); end != "" {
		t, err := time.Parse(models.DateLayout, end)
		if err != nil {
			return models.Filters{}, fmt.Errorf("invalid end date %q: %w", end, err)
		}
		f.End = &t
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return models.Filters{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	if labels != "" {
		f.Labels = NormalizeLabels(strings.Split(labels, ","))
	}
	return f, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LabelKey joins normalized labels into the snapshot key fragment
func LabelKey(labels []string) string {
	return strings.Join(NormalizeLabels(labels), "|")
}

// LabelDigest is the SHA-1 of the joined labels, or "none" without labels
func LabelDigest(labels []string) string {
	joined := LabelKey(labels)
	if joined == "" {
		return noLabels
	}
	sum := sha1.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// VariantKey identifies a filtered payload among the versions of one stat.
// Unfiltered payloads use the empty variant.
func VariantKey(f models.Filters) string {
	f = NormalizeFilters(f)
	if f.IsZero() {
		return ""
	}
	spec := f.Spec()
	return spec.Start + "|" + spec.End + "|" + LabelDigest(f.Labels)
}

// CacheKey is the hot cache key of a (possibly filtered) payload
func CacheKey(seasonID int, statKey string, f models.Filters) string {
	f = NormalizeFilters(f)
	spec := f.Spec()
	return fmt.Sprintf("%s:%d:%s:%s:%s:%s", KeyPrefix, seasonID, statKey, spec.Start, spec.End, LabelDigest(f.Labels))
}

// CompactKey is the hot cache key of a compact dropdown payload
func CompactKey(seasonID int, statKey string) string {
	return fmt.Sprintf("%s:%d:%d:%s", KeyPrefix, SchemaVersion, seasonID, statKey)
}

// LegacyCompactKey is the pre-versioning compact key, migrated on read
func LegacyCompactKey(seasonID int, statKey string) string {
	return fmt.Sprintf("%s:%d:%s", KeyPrefix, seasonID, statKey)
}

// ProgressKey is where season rebuild progress is stored
func ProgressKey(seasonID int) string {
	return fmt.Sprintf("%s:progress:%d", KeyPrefix, seasonID)
}

// CanonicalJSON encodes v with sorted object keys and no insignificant whitespace
func CanonicalJSON(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return canonical, nil
}

// ETag is the SHA-256 hex digest of a canonical body
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
