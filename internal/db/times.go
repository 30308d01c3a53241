package db

import (
	"strconv"
	"strings"

	"transit-eta/internal/gtfs"
)

// parseServiceTime reads a stop time as rendered by Postgres. Columns are
// either GTFS text or interval; an interval past 24h can render as
// "1 day 01:10:00". Empty or unreadable values become gtfs.NoTime so the
// trip is rejected downstream rather than failing the whole query.
func parseServiceTime(s string) gtfs.ServiceTime {
	s = strings.TrimSpace(s)
	if s == "" {
		return gtfs.NoTime
	}
	days := 0
	if i := strings.Index(s, "day"); i > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[:i]))
		if err != nil {
			return gtfs.NoTime
		}
		days = n
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s[i:], "days"), "day"))
		if s == "" {
			s = "00:00:00"
		}
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	t, err := gtfs.ParseServiceTime(s)
	if err != nil {
		return gtfs.NoTime
	}
	return t + gtfs.ServiceTime(days*86400)
}

// intervalLiteral renders t for comparison against an interval column.
func intervalLiteral(t gtfs.ServiceTime) string {
	return t.String()
}

// truthy accepts the boolean renderings importers use for calendar flags.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "available":
		return true
	}
	return false
}

func exceptionType(s string) (gtfs.ExceptionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "added":
		return gtfs.ExceptionAdded, true
	case "2", "removed":
		return gtfs.ExceptionRemoved, true
	}
	return 0, false
}
