package db

import (
	"context"
	"fmt"
)

// liveSchema creates the tables written by the live feed poller and read
// by the estimator. Schedule tables belong to the importer.
var liveSchema = []string{
	`CREATE TABLE IF NOT EXISTS rt_trip_delays (
    trip_id       text PRIMARY KEY,
    delay_seconds integer NOT NULL,
    updated_at    timestamptz NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS rt_stop_delays (
    trip_id           text NOT NULL,
    stop_id           text NOT NULL,
    delay_seconds     integer,
    predicted_arrival timestamptz,
    updated_at        timestamptz NOT NULL,
    PRIMARY KEY (trip_id, stop_id)
)`,
	`CREATE TABLE IF NOT EXISTS rt_vehicle_positions (
    vehicle_id      text PRIMARY KEY,
    trip_id         text,
    route_id        text,
    lat             double precision NOT NULL,
    lon             double precision NOT NULL,
    bearing         double precision,
    status          text,
    current_stop_id text,
    next_stop_id    text,
    "timestamp"     timestamptz NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS rt_vehicle_positions_trip_idx ON rt_vehicle_positions (trip_id)`,
	`CREATE TABLE IF NOT EXISTS vehicle_position_history (
    id          bigserial PRIMARY KEY,
    vehicle_id  text NOT NULL,
    trip_id     text,
    route_id    text,
    lat         double precision NOT NULL,
    lon         double precision NOT NULL,
    stop_id     text,
    status      text,
    "timestamp" timestamptz NOT NULL,
    recorded_at timestamptz NOT NULL
)`,
}

// segmentSchema creates the statistics tables filled by the aggregation
// job. Until it runs they stay empty and the estimator uses default speeds.
var segmentSchema = []string{
	`CREATE TABLE IF NOT EXISTS track_segments (
    id                            bigserial PRIMARY KEY,
    route_id                      text NOT NULL,
    from_stop_id                  text NOT NULL,
    to_stop_id                    text NOT NULL,
    sequence                      integer NOT NULL,
    scheduled_travel_time_seconds integer,
    avg_travel_time_seconds       double precision,
    avg_speed_kmh                 double precision,
    sample_count                  integer,
    UNIQUE (route_id, sequence)
)`,
	`CREATE TABLE IF NOT EXISTS segment_stats (
    segment_id              bigint NOT NULL REFERENCES track_segments (id) ON DELETE CASCADE,
    day_type                text NOT NULL,
    hour_range              text NOT NULL,
    avg_travel_time_seconds double precision NOT NULL,
    min_travel_time_seconds double precision NOT NULL,
    max_travel_time_seconds double precision NOT NULL,
    stddev_seconds          double precision,
    sample_count            integer NOT NULL,
    PRIMARY KEY (segment_id, day_type, hour_range)
)`,
}

// EnsureSchema creates the live and segment tables if they are missing.
// The estimator reads them whether or not a live feed is configured.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range append(append([]string{}, liveSchema...), segmentSchema...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
