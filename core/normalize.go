package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Upstream emits timestamps in several ad hoc textual shapes. Order matters:
// the first layout that parses wins.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

const (
	minSaneYear = 1990
	maxSaneYear = 2100
)

// ParseUpstreamTime normalizes one upstream timestamp value to UTC. Values
// that fail to parse, or whose year falls outside a sane range, are dropped
// rather than stored raw.
func ParseUpstreamTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return saneTime(typed.UTC())
	case float64:
		if typed <= 0 {
			return time.Time{}, false
		}
		return saneTime(time.Unix(int64(typed), 0).UTC())
	case int64:
		if typed <= 0 {
			return time.Time{}, false
		}
		return saneTime(time.Unix(typed, 0).UTC())
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return saneTime(time.Unix(seconds, 0).UTC())
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return saneTime(parsed.UTC())
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func saneTime(value time.Time) (time.Time, bool) {
	year := value.Year()
	if year < minSaneYear || year > maxSaneYear {
		return time.Time{}, false
	}
	return value, true
}

// MinorUnits converts a monetary value to integer minor units. Integer inputs
// are taken verbatim; decimal inputs are a rounding fallback.
func MinorUnits(value any) (int64, bool) {
	switch typed := value.(type) {
	case nil:
		return 0, false
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed == math.Trunc(typed) {
			return int64(typed), true
		}
		return int64(math.Round(typed)), true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		if cents, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return cents, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// DecimalToMinorUnits converts a major-unit decimal (e.g. "12.34") to minor
// units, rounding half away from zero.
func DecimalToMinorUnits(value any) (int64, bool) {
	switch typed := value.(type) {
	case nil:
		return 0, false
	case int:
		return int64(typed) * 100, true
	case int64:
		return typed * 100, true
	case float64:
		return int64(math.Round(typed * 100)), true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return int64(math.Round(parsed * 100)), true
	default:
		return 0, false
	}
}

// StringField extracts a trimmed string form of a payload value. Numeric ids
// arrive both quoted and bare.
func StringField(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case float64:
		if typed == math.Trunc(typed) {
			return strconv.FormatInt(int64(typed), 10), true
		}
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		trimmed := strings.TrimSpace(fmt.Sprint(typed))
		if trimmed == "" || trimmed == "<nil>" {
			return "", false
		}
		return trimmed, true
	}
}
