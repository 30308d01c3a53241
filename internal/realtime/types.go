// Package realtime holds the live records kept fresh by the feed poller:
// latest delays per trip and stop, and latest position per vehicle.
package realtime

import (
	"time"

	"transit-eta/internal/geo"
)

// TripDelay is the latest overall delay reported for a trip.
type TripDelay struct {
	TripID       string    `db:"trip_id"`
	DelaySeconds int       `db:"delay_seconds"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// StopDelay is a stop-specific prediction. Feeds report either a delay or
// an absolute predicted arrival, sometimes both.
type StopDelay struct {
	TripID           string     `db:"trip_id"`
	StopID           string     `db:"stop_id"`
	DelaySeconds     *int       `db:"delay_seconds"`
	PredictedArrival *time.Time `db:"predicted_arrival"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Delay resolves the reported delay against the scheduled arrival. ok is
// false when the row carries neither a delay nor a predicted time.
func (d StopDelay) Delay(scheduled time.Time) (seconds int, ok bool) {
	if d.DelaySeconds != nil {
		return *d.DelaySeconds, true
	}
	if d.PredictedArrival != nil {
		return int(d.PredictedArrival.Sub(scheduled).Round(time.Second) / time.Second), true
	}
	return 0, false
}

type VehicleStatus string

const (
	IncomingAt  VehicleStatus = "INCOMING_AT"
	StoppedAt   VehicleStatus = "STOPPED_AT"
	InTransitTo VehicleStatus = "IN_TRANSIT_TO"
)

// VehiclePosition is the latest known position of a vehicle.
type VehiclePosition struct {
	VehicleID     string        `db:"vehicle_id"`
	TripID        string        `db:"trip_id"`
	RouteID       string        `db:"route_id"`
	Lat           float64       `db:"lat"`
	Lon           float64       `db:"lon"`
	Bearing       *float64      `db:"bearing"`
	Status        VehicleStatus `db:"status"`
	CurrentStopID string        `db:"current_stop_id"`
	NextStopID    string        `db:"next_stop_id"`
	Timestamp     time.Time     `db:"timestamp"`
}

func (v VehiclePosition) Point() geo.Point { return geo.NewPoint(v.Lat, v.Lon) }

// HistorySample is an append-only copy of a position report, consumed by
// the job that aggregates segment travel times.
type HistorySample struct {
	VehicleID  string        `db:"vehicle_id"`
	TripID     string        `db:"trip_id"`
	RouteID    *string       `db:"route_id"`
	Lat        float64       `db:"lat"`
	Lon        float64       `db:"lon"`
	StopID     *string       `db:"stop_id"`
	Status     VehicleStatus `db:"status"`
	Timestamp  time.Time     `db:"timestamp"`
	RecordedAt time.Time     `db:"recorded_at"`
}

func (v VehiclePosition) HistorySample(recordedAt time.Time) HistorySample {
	s := HistorySample{
		VehicleID:  v.VehicleID,
		TripID:     v.TripID,
		Lat:        v.Lat,
		Lon:        v.Lon,
		Status:     v.Status,
		Timestamp:  v.Timestamp,
		RecordedAt: recordedAt,
	}
	if v.RouteID != "" {
		route := v.RouteID
		s.RouteID = &route
	}
	if v.CurrentStopID != "" {
		stop := v.CurrentStopID
		s.StopID = &stop
	}
	return s
}
