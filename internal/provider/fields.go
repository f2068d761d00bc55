package provider

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Field accessors shared by the per-provider mappers. Raw records arrive as
// map[string]any decoded from JSON, so values may be strings, float64 or
// already-typed; these helpers normalize without panicking.

// StringField returns the first non-empty string value among keys.
func StringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// DecimalField parses the first present key as a decimal, tolerating
// string, float64 and int representations. Missing or unparseable values
// yield (zero, false).
func DecimalField(raw map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
			if d, err := decimal.NewFromString(strings.TrimSpace(val)); err == nil {
				return d, true
			}
		case float64:
			return decimal.NewFromFloat(val), true
		case int:
			return decimal.NewFromInt(int64(val)), true
		case int64:
			return decimal.NewFromInt(val), true
		}
	}
	return decimal.Zero, false
}

// DecimalFieldPtr is DecimalField returning nil when absent.
func DecimalFieldPtr(raw map[string]any, keys ...string) *decimal.Decimal {
	if d, ok := DecimalField(raw, keys...); ok {
		return &d
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// TimeField parses the first present key as a timestamp. Accepts RFC 3339
// strings, the CUR/export date layouts above, and Unix-second float64
// values (OpenAI bucket times).
func TimeField(raw map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, val); err == nil {
					return t.UTC(), true
				}
			}
		case float64:
			return time.Unix(int64(val), 0).UTC(), true
		case time.Time:
			return val.UTC(), true
		}
	}
	return time.Time{}, false
}

// TagsField flattens a nested tags object into string keys and values.
func TagsField(raw map[string]any, keys ...string) map[string]string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok || len(m) == 0 {
			continue
		}
		tags := make(map[string]string, len(m))
		for k, tv := range m {
			if s, ok := tv.(string); ok {
				tags[k] = s
			}
		}
		if len(tags) > 0 {
			return tags
		}
	}
	return nil
}
