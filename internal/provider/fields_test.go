package provider

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringField(t *testing.T) {
	raw := map[string]any{"a": "", "b": "value", "c": 42}
	assert.Equal(t, "value", StringField(raw, "a", "b"))
	assert.Equal(t, "", StringField(raw, "missing"))
	assert.Equal(t, "", StringField(raw, "c"), "non-string values are ignored")
}

func TestDecimalFieldRepresentations(t *testing.T) {
	raw := map[string]any{
		"str":   "12.34",
		"float": float64(5.5),
		"int":   7,
		"blank": "",
		"junk":  "not-a-number",
	}

	d, ok := DecimalField(raw, "str")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("12.34")))

	d, ok = DecimalField(raw, "float")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("5.5")))

	d, ok = DecimalField(raw, "int")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(7)))

	// Blank and junk fall through to the next key.
	d, ok = DecimalField(raw, "blank", "str")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("12.34")))

	_, ok = DecimalField(raw, "junk")
	assert.False(t, ok)
	_, ok = DecimalField(raw, "missing")
	assert.False(t, ok)

	assert.Nil(t, DecimalFieldPtr(raw, "missing"))
	assert.NotNil(t, DecimalFieldPtr(raw, "str"))
}

func TestTimeFieldLayouts(t *testing.T) {
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, v := range []any{
		"2025-01-15T00:00:00Z",
		"2025-01-15T00:00:00",
		"2025-01-15 00:00:00",
		"2025-01-15",
		float64(1736899200),
	} {
		got, ok := TimeField(map[string]any{"t": v}, "t")
		require.True(t, ok, "value %v", v)
		assert.True(t, got.Equal(want), "value %v parsed to %s", v, got)
	}

	_, ok := TimeField(map[string]any{"t": "yesterday"}, "t")
	assert.False(t, ok)
	_, ok = TimeField(map[string]any{}, "t")
	assert.False(t, ok)
}

func TestTagsField(t *testing.T) {
	raw := map[string]any{
		"labels": map[string]any{"env": "prod", "team": "data", "count": 3},
	}
	tags := TagsField(raw, "tags", "labels")
	require.NotNil(t, tags)
	assert.Equal(t, "prod", tags["env"])
	assert.Equal(t, "data", tags["team"])
	assert.NotContains(t, tags, "count", "non-string tag values are dropped")

	assert.Nil(t, TagsField(raw, "missing"))
	assert.Nil(t, TagsField(map[string]any{"labels": map[string]any{}}, "labels"))
}
