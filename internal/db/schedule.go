package db

import (
	"context"
	"fmt"

	"transit-eta/internal/gtfs"
)

const tripColumns = `t.trip_id, t.route_id, t.service_id,
       COALESCE(t.trip_headsign, '') AS trip_headsign,
       COALESCE(r.route_short_name, '') AS route_short_name,
       COALESCE(r.route_color, '') AS route_color`

type tripRow struct {
	TripID         string `db:"trip_id"`
	RouteID        string `db:"route_id"`
	ServiceID      string `db:"service_id"`
	Headsign       string `db:"trip_headsign"`
	RouteShortName string `db:"route_short_name"`
	RouteColor     string `db:"route_color"`
}

func (r tripRow) trip() gtfs.Trip {
	return gtfs.Trip{
		TripID:         r.TripID,
		RouteID:        r.RouteID,
		ServiceID:      r.ServiceID,
		Headsign:       r.Headsign,
		RouteShortName: r.RouteShortName,
		RouteColor:     r.RouteColor,
	}
}

type stopTimeRow struct {
	StopSequence int     `db:"stop_sequence"`
	Arrival      string  `db:"arrival_time"`
	Departure    string  `db:"departure_time"`
	StopID       string  `db:"stop_id"`
	StopName     string  `db:"stop_name"`
	StopLat      float64 `db:"stop_lat"`
	StopLon      float64 `db:"stop_lon"`
}

func (r stopTimeRow) stopTime(tripID string) gtfs.StopTime {
	return gtfs.StopTime{
		TripID:       tripID,
		StopSequence: r.StopSequence,
		Arrival:      parseServiceTime(r.Arrival),
		Departure:    parseServiceTime(r.Departure),
		StopID:       r.StopID,
		StopName:     r.StopName,
		StopLat:      r.StopLat,
		StopLon:      r.StopLon,
	}
}

type callRow struct {
	tripRow
	stopTimeRow
}

func (r callRow) call() gtfs.Call {
	return gtfs.Call{Trip: r.trip(), StopTime: r.stopTime(r.TripID)}
}

type tripStopTimeRow struct {
	TripID string `db:"trip_id"`
	stopTimeRow
}

func (s *Store) stopTimeColumns(ctx context.Context) (string, error) {
	coords, err := s.stopCoords(ctx)
	if err != nil {
		return "", err
	}
	return `st.stop_sequence,
       COALESCE(st.arrival_time::text, '') AS arrival_time,
       COALESCE(st.departure_time::text, '') AS departure_time,
       st.stop_id,
       COALESCE(s.stop_name, '') AS stop_name, ` + coords, nil
}

type activeTripRow struct {
	tripRow
	Start string `db:"start_t"`
	End   string `db:"end_t"`
}

// ActiveTrips returns the trips of the given services with the window from
// first departure to last arrival. Trips without stop times are omitted.
func (s *Store) ActiveTrips(ctx context.Context, serviceIDs []string) ([]gtfs.ActiveTrip, error) {
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	q := `
SELECT ` + tripColumns + `,
       COALESCE(MIN(COALESCE(st.departure_time, st.arrival_time)::interval)::text, '') AS start_t,
       COALESCE(MAX(COALESCE(st.arrival_time, st.departure_time)::interval)::text, '') AS end_t
FROM trips t
LEFT JOIN routes r ON r.route_id = t.route_id
JOIN stop_times st ON st.trip_id = t.trip_id
WHERE t.service_id = ANY($1)
GROUP BY t.trip_id, t.route_id, t.service_id, t.trip_headsign, r.route_short_name, r.route_color`
	var rows []activeTripRow
	if err := s.db.SelectContext(ctx, &rows, q, serviceIDs); err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	out := make([]gtfs.ActiveTrip, 0, len(rows))
	for _, r := range rows {
		out = append(out, gtfs.ActiveTrip{
			Trip:  r.trip(),
			Start: parseServiceTime(r.Start),
			End:   parseServiceTime(r.End),
		})
	}
	return out, nil
}

// StopTimesForTrips returns stop times per trip ordered by stop_sequence.
func (s *Store) StopTimesForTrips(ctx context.Context, tripIDs []string) (map[string][]gtfs.StopTime, error) {
	out := make(map[string][]gtfs.StopTime, len(tripIDs))
	if len(tripIDs) == 0 {
		return out, nil
	}
	cols, err := s.stopTimeColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := `
SELECT st.trip_id, ` + cols + `
FROM stop_times st
JOIN stops s ON s.stop_id = st.stop_id
WHERE st.trip_id = ANY($1)
ORDER BY st.trip_id, st.stop_sequence`
	var rows []tripStopTimeRow
	if err := s.db.SelectContext(ctx, &rows, q, tripIDs); err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	for _, r := range rows {
		out[r.TripID] = append(out[r.TripID], r.stopTime(r.TripID))
	}
	return out, nil
}

func (s *Store) TripStopTimes(ctx context.Context, tripID string) ([]gtfs.StopTime, error) {
	m, err := s.StopTimesForTrips(ctx, []string{tripID})
	if err != nil {
		return nil, err
	}
	return m[tripID], nil
}

// TripStop returns the trip's first call at stopID, or nil if the trip
// does not serve it.
func (s *Store) TripStop(ctx context.Context, tripID, stopID string) (*gtfs.Call, error) {
	cols, err := s.stopTimeColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := `
SELECT ` + tripColumns + `, ` + cols + `
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
LEFT JOIN routes r ON r.route_id = t.route_id
JOIN stops s ON s.stop_id = st.stop_id
WHERE st.trip_id = $1 AND st.stop_id = $2
ORDER BY st.stop_sequence
LIMIT 1`
	var row callRow
	ok, err := s.getOne(ctx, &row, q, tripID, stopID)
	if err != nil {
		return nil, fmt.Errorf("query trip stop: %w", err)
	}
	if !ok {
		return nil, nil
	}
	c := row.call()
	return &c, nil
}

// Departures returns calls at stopID for the given services departing at
// or after from, earliest first.
func (s *Store) Departures(ctx context.Context, stopID string, serviceIDs []string, from gtfs.ServiceTime, limit int) ([]gtfs.Call, error) {
	if len(serviceIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	cols, err := s.stopTimeColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := `
SELECT ` + tripColumns + `, ` + cols + `
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
LEFT JOIN routes r ON r.route_id = t.route_id
JOIN stops s ON s.stop_id = st.stop_id
WHERE st.stop_id = $1
  AND t.service_id = ANY($2)
  AND COALESCE(st.departure_time, st.arrival_time)::interval >= $3::interval
ORDER BY COALESCE(st.departure_time, st.arrival_time)::interval, t.trip_id
LIMIT $4`
	var rows []callRow
	if err := s.db.SelectContext(ctx, &rows, q, stopID, serviceIDs, intervalLiteral(from), limit); err != nil {
		return nil, fmt.Errorf("query departures: %w", err)
	}
	out := make([]gtfs.Call, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.call())
	}
	return out, nil
}
