package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{json.Number("12.5"), 12.5, true},
		{float64(3), 3, true},
		{7, 7, true},
		{"4.25", 4.25, true},
		{"", 0, false},
		{"abc", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := ToFloat(c.in)
		assert.Equal(t, c.ok, ok, "%v", c.in)
		if c.ok {
			assert.InDelta(t, c.want, got, 1e-9, "%v", c.in)
		}
	}
}

func TestParseTimeAndDay(t *testing.T) {
	day, ok := Day("2024-03-05T22:10:00Z")
	assert.True(t, ok)
	assert.Equal(t, "2024-03-05", day)

	day, ok = Day("2024-03-06 08:00:00")
	assert.True(t, ok)
	assert.Equal(t, "2024-03-06", day)

	_, ok = Day("yesterday")
	assert.False(t, ok)

	assert.True(t, LooksLikeTimestamp("2024-03-05T22:10:00+01:00"))
	assert.False(t, LooksLikeTimestamp("2024-03-05"))
	assert.False(t, LooksLikeTimestamp("hello world, long enough"))
}

func TestCompareWatermarks(t *testing.T) {
	assert.Equal(t, -1, CompareWatermarks("2024-01-01T10:00:00Z", "2024-01-01T12:00:00+01:00"))
	assert.Equal(t, 0, CompareWatermarks("2024-01-01T10:00:00Z", "2024-01-01T11:00:00+01:00"))
	assert.Equal(t, 1, CompareWatermarks("100", "99"))
	assert.Equal(t, -1, CompareWatermarks("a", "b"))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.3333, Round(1.0/3.0, 4))
	assert.Equal(t, -0.5, Round(-0.49999, 2))
}

func TestNativeValue(t *testing.T) {
	assert.Equal(t, int64(42), NativeValue(json.Number("42")))
	assert.Equal(t, 4.5, NativeValue(json.Number("4.5")))
	assert.Equal(t, "x", NativeValue("x"))
	assert.Nil(t, NativeValue(nil))
}
