package utils

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/spf13/cast"
)

var extraLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

// ToFloat converts any numeric representation (numbers, json.Number, numeric
// strings) to float64. Booleans and nil are not numbers.
func ToFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false
		}
	}
	f, err := cast.ToFloat64E(val)
	if err != nil {
		return 0, false
	}
	return f, true
}

// IsNumeric reports whether the value is a number or a numeric string.
func IsNumeric(val any) bool {
	_, ok := ToFloat(val)
	return ok
}

// ParseTime parses ISO-8601 timestamps and a few layouts the source API uses.
func ParseTime(val any) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if t, err := iso8601.ParseString(s); err == nil {
			return t, true
		}
		for _, layout := range extraLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// LooksLikeTimestamp is stricter than ParseTime: a date with a time part.
func LooksLikeTimestamp(val any) bool {
	s, ok := val.(string)
	if !ok || len(s) < len("2006-01-02T15:04") {
		return false
	}
	_, ok = ParseTime(s)
	return ok
}

// Day truncates a timestamp value to its calendar day (YYYY-MM-DD).
func Day(val any) (string, bool) {
	t, ok := ParseTime(val)
	if !ok {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

// FormatWatermark renders a time the way watermarks are written back to state.
func FormatWatermark(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CompareWatermarks orders two watermark values. Timestamps compare
// chronologically, numbers numerically, anything else lexically. Pure numbers
// are tried first so epoch-style watermarks never go through date parsing.
func CompareWatermarks(a, b string) int {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := ParseTime(a); ok {
		if tb, ok := ParseTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(a, b)
}

// WatermarkString renders a record value as a watermark string.
func WatermarkString(val any) (string, bool) {
	switch v := val.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case time.Time:
		return FormatWatermark(v), true
	}
	s, err := cast.ToStringE(val)
	return s, err == nil && s != ""
}

// Round rounds to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := 1.0
	for i := 0; i < decimals; i++ {
		p *= 10
	}
	if v < 0 {
		return -float64(int64(-v*p+0.5)) / p
	}
	return float64(int64(v*p+0.5)) / p
}

// NativeValue converts decoded JSON values into types database drivers accept:
// json.Number becomes int64 when integral, float64 otherwise.
func NativeValue(val any) any {
	n, ok := val.(json.Number)
	if !ok {
		return val
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
