// Package identity resolves raw chapter numbers to the canonical key used
// as the join key for every chapter upsert. Resolution is pure: the same
// input always yields the same key.
package identity

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Sentinel groups all unnumbered chapters under one indexable key instead
// of colliding on null.
const Sentinel = "-1"

// ChapterKey maps a raw chapter number (number, numeric string, or absent)
// to the canonical identity key: a normalized decimal string with no
// trailing zeros and no exponent. Absent, unparsable, and negative inputs
// resolve to Sentinel.
func ChapterKey(raw any) string {
	switch v := raw.(type) {
	case nil:
		return Sentinel
	case float64:
		return fromFloat(v)
	case float32:
		return fromFloat(float64(v))
	case int:
		return fromFloat(float64(v))
	case int64:
		return fromFloat(float64(v))
	case json.Number:
		return fromString(v.String())
	case *json.Number:
		if v == nil {
			return Sentinel
		}
		return fromString(v.String())
	case string:
		return fromString(v)
	case *string:
		if v == nil {
			return Sentinel
		}
		return fromString(*v)
	default:
		return Sentinel
	}
}

// IsSentinel reports whether key is the unnumbered-chapter sentinel.
func IsSentinel(key string) bool {
	return key == Sentinel
}

// Numeric returns the key as a number. ok is false for the sentinel.
func Numeric(key string) (float64, bool) {
	if key == Sentinel {
		return 0, false
	}
	f, err := strconv.ParseFloat(key, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Predecessor returns the key one chapter before key, for gap detection.
// Defined only for numeric keys greater than 1.
func Predecessor(key string) (string, bool) {
	f, ok := Numeric(key)
	if !ok || f <= 1 {
		return "", false
	}
	return fromFloat(f - 1), true
}

func fromString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Sentinel
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Sentinel
	}
	return fromFloat(f)
}

func fromFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return Sentinel
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
