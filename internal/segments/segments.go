// Package segments reads the historical travel statistics kept per route
// segment. The aggregates are maintained by a separate job from the
// vehicle position history; this package only reads them.
package segments

import (
	"context"
	"fmt"
	"time"
)

// TrackSegment is the path between two consecutive stops of a route.
type TrackSegment struct {
	ID                         int64    `db:"id"`
	RouteID                    string   `db:"route_id"`
	FromStopID                 string   `db:"from_stop_id"`
	ToStopID                   string   `db:"to_stop_id"`
	Sequence                   int      `db:"sequence"`
	ScheduledTravelTimeSeconds *int     `db:"scheduled_travel_time_seconds"`
	AvgTravelTimeSeconds       *float64 `db:"avg_travel_time_seconds"`
	AvgSpeedKmh                *float64 `db:"avg_speed_kmh"`
	SampleCount                int      `db:"sample_count"`
}

// HasSpeed reports whether a usable average speed has been aggregated.
func (s TrackSegment) HasSpeed() bool {
	return s.AvgSpeedKmh != nil && *s.AvgSpeedKmh > 0
}

type DayType string

const (
	Weekday  DayType = "weekday"
	Saturday DayType = "saturday"
	Sunday   DayType = "sunday"
)

func DayTypeOf(t time.Time) DayType {
	switch t.Weekday() {
	case time.Saturday:
		return Saturday
	case time.Sunday:
		return Sunday
	}
	return Weekday
}

// HourRange is one of the seven daily buckets statistics are kept in.
type HourRange string

var hourRanges = []struct {
	until int
	r     HourRange
}{
	{6, "00-06"},
	{9, "06-09"},
	{12, "09-12"},
	{15, "12-15"},
	{18, "15-18"},
	{21, "18-21"},
	{24, "21-24"},
}

func HourRangeOf(t time.Time) HourRange {
	h := t.Hour()
	for _, b := range hourRanges {
		if h < b.until {
			return b.r
		}
	}
	return hourRanges[len(hourRanges)-1].r
}

// allHourRanges lists all buckets in day order.
func allHourRanges() []HourRange {
	out := make([]HourRange, len(hourRanges))
	for i, b := range hourRanges {
		out[i] = b.r
	}
	return out
}

// SegmentStats is the history of one segment for a day type and hour range.
type SegmentStats struct {
	SegmentID            int64     `db:"segment_id"`
	DayType              DayType   `db:"day_type"`
	HourRange            HourRange `db:"hour_range"`
	AvgTravelTimeSeconds float64   `db:"avg_travel_time_seconds"`
	MinTravelTimeSeconds float64   `db:"min_travel_time_seconds"`
	MaxTravelTimeSeconds float64   `db:"max_travel_time_seconds"`
	StddevSeconds        float64   `db:"stddev_seconds"`
	SampleCount          int       `db:"sample_count"`
}

type Store interface {
	// RouteSegments returns the segments of a route ordered by sequence.
	RouteSegments(ctx context.Context, routeID string) ([]TrackSegment, error)
	// SegmentStats returns nil when no bucket exists.
	SegmentStats(ctx context.Context, segmentID int64, dayType DayType, hourRange HourRange) (*SegmentStats, error)
}

type Lookup struct {
	store Store
}

func NewLookup(store Store) *Lookup {
	return &Lookup{store: store}
}

// AverageSpeedForRoute returns the average speed of the first segment of the
// route with a known speed. Routes are treated as roughly uniform here; the
// segment the vehicle is actually on is not considered. ok is false when the
// route has no speed data.
func (l *Lookup) AverageSpeedForRoute(ctx context.Context, routeID string) (kmh float64, ok bool, err error) {
	segs, err := l.store.RouteSegments(ctx, routeID)
	if err != nil {
		return 0, false, fmt.Errorf("route segments %s: %w", routeID, err)
	}
	for _, s := range segs {
		if s.HasSpeed() {
			return *s.AvgSpeedKmh, true, nil
		}
	}
	return 0, false, nil
}

// statsFor returns the statistics bucket matching at, or nil if the bucket
// has no samples.
func (l *Lookup) statsFor(ctx context.Context, seg TrackSegment, at time.Time) (*SegmentStats, error) {
	st, err := l.store.SegmentStats(ctx, seg.ID, DayTypeOf(at), HourRangeOf(at))
	if err != nil {
		return nil, fmt.Errorf("segment stats %d: %w", seg.ID, err)
	}
	if st == nil || st.SampleCount == 0 {
		return nil, nil
	}
	return st, nil
}
