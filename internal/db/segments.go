package db

import (
	"context"
	"fmt"

	"transit-eta/internal/segments"
)

func (s *Store) RouteSegments(ctx context.Context, routeID string) ([]segments.TrackSegment, error) {
	q := `
SELECT id, route_id, from_stop_id, to_stop_id, sequence,
       scheduled_travel_time_seconds, avg_travel_time_seconds, avg_speed_kmh,
       COALESCE(sample_count, 0) AS sample_count
FROM track_segments
WHERE route_id = $1
ORDER BY sequence`
	var out []segments.TrackSegment
	if err := s.db.SelectContext(ctx, &out, q, routeID); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query track_segments: %w", err)
	}
	return out, nil
}

func (s *Store) SegmentStats(ctx context.Context, segmentID int64, dayType segments.DayType, hourRange segments.HourRange) (*segments.SegmentStats, error) {
	q := `
SELECT segment_id, day_type, hour_range,
       avg_travel_time_seconds, min_travel_time_seconds, max_travel_time_seconds,
       COALESCE(stddev_seconds, 0) AS stddev_seconds, sample_count
FROM segment_stats
WHERE segment_id = $1 AND day_type = $2 AND hour_range = $3`
	var st segments.SegmentStats
	ok, err := s.getOptional(ctx, &st, q, segmentID, string(dayType), string(hourRange))
	if err != nil {
		return nil, fmt.Errorf("query segment_stats: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &st, nil
}
