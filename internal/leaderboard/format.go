package leaderboard

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"hoopslab/leaderboards/internal/catalog"
)

// FormatStatValue returns the display text for a raw stat value.
// Percent stats carry a trailing "%", whole numbers render without decimals
// and everything else is rounded to one decimal place.
func FormatStatValue(statKey string, raw any) string {
	if raw == nil {
		return "0"
	}

	var v float64
	switch x := raw.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return x
		}
		v = parsed
	case *float64:
		if x == nil {
			return "0"
		}
		v = *x
	default:
		f, ok := toFloat(raw)
		if !ok {
			return fmt.Sprint(raw)
		}
		v = f
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}

	if catalog.IsPercentStat(statKey) {
		text := strconv.FormatFloat(roundTenth(v), 'f', 1, 64)
		return strings.TrimSuffix(text, ".0") + "%"
	}

	if math.Abs(v-math.Trunc(v)) < 1e-9 {
		return integerText(v)
	}

	text := strconv.FormatFloat(roundTenth(v), 'f', 1, 64)
	return strings.TrimSuffix(text, ".0")
}

// integerText renders a whole float without going through int64, which
// overflows past 2^63
func integerText(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(math.Trunc(v), 'f', 0, 64)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// CoerceNumeric converts a value to float64, treating anything unparsable as zero
func CoerceNumeric(value any) float64 {
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		return f
	}
	f, ok := toFloat(value)
	if !ok {
		return 0
	}
	return f
}

// CoerceRawValue recovers a numeric value from a cell. Percent text such as
// "45%" becomes 0.45. Returns nil when no number can be recovered.
func CoerceRawValue(value any) *float64 {
	switch x := value.(type) {
	case nil:
		return nil
	case string:
		text := strings.TrimSpace(x)
		if text == "" {
			return nil
		}
		if strings.HasSuffix(text, "%") {
			f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(text, "%")), 64)
			if err != nil {
				return nil
			}
			f /= 100
			return &f
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		f, ok := toFloat(value)
		if !ok {
			return nil
		}
		return &f
	}
}

// JerseyText renders a jersey number as clean text: 12.0 -> "12", "#5" -> "5"
func JerseyText(num any) string {
	if num == nil {
		return ""
	}
	if s, ok := num.(string); ok {
		s = strings.TrimPrefix(strings.TrimSpace(s), "#")
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return integerText(f)
		}
		return s
	}
	f, ok := toFloat(num)
	if !ok {
		return strings.TrimSpace(fmt.Sprint(num))
	}
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return integerText(f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toFloat converts numeric Go values. Strings are not parsed.
func toFloat(value any) (float64, bool) {
	switch x := value.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case *float64:
		if x == nil {
			return 0, false
		}
		return *x, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
