package ngsi

import (
	"strings"
	"time"
)

// TimeLayout renders time indexes and DateTime values with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000-07:00"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses the ISO 8601 forms seen in NGSI payloads. Times without
// an offset are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// TimeIndexHeader names the header carrying a custom time index attribute.
const TimeIndexHeader = "Fiware-TimeIndex-Attribute"

// SelectTimeIndex picks the time index of a notified entity. Candidates are
// the custom attribute, TimeInstant, timestamp and dateModified, in that
// order; for each the attribute value wins over the most recent metadata
// entry of the same name. Falls back to now.
func SelectTimeIndex(e Entity, customAttr string, now time.Time) time.Time {
	for _, name := range []string{customAttr, "TimeInstant", "timestamp", "dateModified"} {
		if name == "" {
			continue
		}
		if a, ok := e.Attrs[name]; ok {
			if t, ok := valueTime(a.Value); ok {
				return t
			}
		}
		if t, ok := latestMetadataTime(e, name); ok {
			return t
		}
	}
	return now.UTC()
}

func valueTime(v Value) (time.Time, bool) {
	switch v.Kind {
	case KindDateTime:
		return v.Time, true
	case KindText:
		return ParseTime(v.Str)
	}
	return time.Time{}, false
}

func latestMetadataTime(e Entity, name string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, a := range e.Attrs {
		md, ok := a.Metadata[name].(map[string]any)
		if !ok {
			continue
		}
		s, ok := md["value"].(string)
		if !ok {
			continue
		}
		if t, ok := ParseTime(s); ok && (!found || t.After(latest)) {
			latest, found = t, true
		}
	}
	return latest, found
}
