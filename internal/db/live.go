package db

import (
	"context"
	"fmt"

	"transit-eta/internal/realtime"
)

func (s *Store) StopDelay(ctx context.Context, tripID, stopID string) (*realtime.StopDelay, error) {
	q := `
SELECT trip_id, stop_id, delay_seconds, predicted_arrival, updated_at
FROM rt_stop_delays
WHERE trip_id = $1 AND stop_id = $2`
	var d realtime.StopDelay
	ok, err := s.getOptional(ctx, &d, q, tripID, stopID)
	if err != nil {
		return nil, fmt.Errorf("query stop delay: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *Store) TripDelay(ctx context.Context, tripID string) (*realtime.TripDelay, error) {
	q := `SELECT trip_id, delay_seconds, updated_at FROM rt_trip_delays WHERE trip_id = $1`
	var d realtime.TripDelay
	ok, err := s.getOptional(ctx, &d, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query trip delay: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &d, nil
}

const vehicleColumns = `vehicle_id,
       COALESCE(trip_id, '') AS trip_id,
       COALESCE(route_id, '') AS route_id,
       lat, lon, bearing,
       COALESCE(status, '') AS status,
       COALESCE(current_stop_id, '') AS current_stop_id,
       COALESCE(next_stop_id, '') AS next_stop_id,
       "timestamp"`

// VehicleForTrip returns the most recent position reported for a vehicle
// running tripID.
func (s *Store) VehicleForTrip(ctx context.Context, tripID string) (*realtime.VehiclePosition, error) {
	q := `SELECT ` + vehicleColumns + `
FROM rt_vehicle_positions
WHERE trip_id = $1
ORDER BY "timestamp" DESC
LIMIT 1`
	var v realtime.VehiclePosition
	ok, err := s.getOptional(ctx, &v, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query vehicle for trip: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) Vehicle(ctx context.Context, vehicleID string) (*realtime.VehiclePosition, error) {
	q := `SELECT ` + vehicleColumns + ` FROM rt_vehicle_positions WHERE vehicle_id = $1`
	var v realtime.VehiclePosition
	ok, err := s.getOptional(ctx, &v, q, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("query vehicle: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) UpsertTripDelay(ctx context.Context, d realtime.TripDelay) error {
	q := `
INSERT INTO rt_trip_delays (trip_id, delay_seconds, updated_at)
VALUES (:trip_id, :delay_seconds, :updated_at)
ON CONFLICT (trip_id) DO UPDATE
SET delay_seconds = EXCLUDED.delay_seconds, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.NamedExecContext(ctx, q, d); err != nil {
		return fmt.Errorf("upsert trip delay %s: %w", d.TripID, err)
	}
	return nil
}

func (s *Store) UpsertStopDelay(ctx context.Context, d realtime.StopDelay) error {
	q := `
INSERT INTO rt_stop_delays (trip_id, stop_id, delay_seconds, predicted_arrival, updated_at)
VALUES (:trip_id, :stop_id, :delay_seconds, :predicted_arrival, :updated_at)
ON CONFLICT (trip_id, stop_id) DO UPDATE
SET delay_seconds = EXCLUDED.delay_seconds,
    predicted_arrival = EXCLUDED.predicted_arrival,
    updated_at = EXCLUDED.updated_at`
	if _, err := s.db.NamedExecContext(ctx, q, d); err != nil {
		return fmt.Errorf("upsert stop delay %s/%s: %w", d.TripID, d.StopID, err)
	}
	return nil
}

func (s *Store) UpsertVehicle(ctx context.Context, v realtime.VehiclePosition) error {
	q := `
INSERT INTO rt_vehicle_positions
    (vehicle_id, trip_id, route_id, lat, lon, bearing, status, current_stop_id, next_stop_id, "timestamp")
VALUES
    (:vehicle_id, NULLIF(:trip_id, ''), NULLIF(:route_id, ''), :lat, :lon, :bearing, NULLIF(:status, ''),
     NULLIF(:current_stop_id, ''), NULLIF(:next_stop_id, ''), :timestamp)
ON CONFLICT (vehicle_id) DO UPDATE
SET trip_id = EXCLUDED.trip_id,
    route_id = EXCLUDED.route_id,
    lat = EXCLUDED.lat,
    lon = EXCLUDED.lon,
    bearing = EXCLUDED.bearing,
    status = EXCLUDED.status,
    current_stop_id = EXCLUDED.current_stop_id,
    next_stop_id = EXCLUDED.next_stop_id,
    "timestamp" = EXCLUDED."timestamp"`
	if _, err := s.db.NamedExecContext(ctx, q, v); err != nil {
		return fmt.Errorf("upsert vehicle %s: %w", v.VehicleID, err)
	}
	return nil
}

// AppendHistory inserts position samples in one statement.
func (s *Store) AppendHistory(ctx context.Context, samples []realtime.HistorySample) error {
	if len(samples) == 0 {
		return nil
	}
	q := `
INSERT INTO vehicle_position_history
    (vehicle_id, trip_id, route_id, lat, lon, stop_id, status, "timestamp", recorded_at)
VALUES
    (:vehicle_id, :trip_id, :route_id, :lat, :lon, :stop_id, :status, :timestamp, :recorded_at)`
	if _, err := s.db.NamedExecContext(ctx, q, samples); err != nil {
		return fmt.Errorf("append position history: %w", err)
	}
	return nil
}
