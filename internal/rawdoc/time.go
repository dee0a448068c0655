package rawdoc

import (
	"strings"
	"time"
)

// Timestamp layouts seen in source exports, tried in order. Offsets and the
// trailing Z are both handled by the RFC 3339 layouts; naive timestamps are
// taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601-ish timestamp string from a payload.
// Returns false for empty or unparseable input.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// TimeField returns the parsed timestamp at key, or false when the field is
// absent, not a string, or unparseable.
func TimeField(obj *Object, key string) (time.Time, bool) {
	s, ok := StringField(obj, key)
	if !ok {
		return time.Time{}, false
	}
	return ParseTimestamp(s)
}
