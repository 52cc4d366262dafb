// Package wire converts tracked records to and from the REST API's JSON
// representation. Every timestamp crossing the wire goes through
// ParseTimestamp and FormatTimestamp.
package wire

import (
	"errors"
	"regexp"
	"time"
)

// ErrBadTimestamp is wrapped by every decode failure caused by a missing or
// unparseable timestamp.
var ErrBadTimestamp = errors.New("bad timestamp")

const (
	minYear = 1
	maxYear = 9999

	outputLayout = "2006-01-02T15:04:05.000Z07:00"
)

var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?(Z|[+-]\d{2}:\d{2})$`)

// ParseTimestamp parses an RFC 3339 timestamp, with or without fractional
// seconds. It returns ok=false for empty input, any other layout, or a year
// outside 0001..9999. The result is in UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if !timestampPattern.MatchString(s) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	t = t.UTC()
	if t.Year() < minYear || t.Year() > maxYear {
		return time.Time{}, false
	}
	return t, true
}

// FormatTimestamp renders t as RFC 3339 UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(outputLayout)
}
