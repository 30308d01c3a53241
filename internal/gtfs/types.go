package gtfs

import (
	"time"

	"transit-eta/internal/geo"
)

type Trip struct {
	TripID         string
	RouteID        string
	ServiceID      string
	Headsign       string
	RouteShortName string
	RouteColor     string
}

// ActiveTrip is a trip bound to the service date it runs on, with the
// window between its first departure and last arrival.
type ActiveTrip struct {
	Trip
	ServiceDate time.Time   // local midnight of the service day
	Start       ServiceTime // first scheduled departure
	End         ServiceTime // last scheduled arrival
}

type StopTime struct {
	TripID       string
	StopSequence int
	Arrival      ServiceTime // may exceed 24h
	Departure    ServiceTime // may exceed 24h
	StopID       string
	StopName     string
	StopLat      float64
	StopLon      float64
}

func (st StopTime) Point() geo.Point { return geo.NewPoint(st.StopLat, st.StopLon) }

// Call is a trip's scheduled visit to one stop.
type Call struct {
	Trip     Trip
	StopTime StopTime
}

// ScheduledArrival prefers the arrival time and falls back to departure.
func (c Call) ScheduledArrival() ServiceTime {
	if c.StopTime.Arrival.Valid() {
		return c.StopTime.Arrival
	}
	return c.StopTime.Departure
}

// Calendar is a weekly operating pattern (calendar.txt row).
type Calendar struct {
	ServiceID string
	Days      [7]bool // indexed by time.Weekday, Sunday = 0
	StartDate time.Time
	EndDate   time.Time
}

// RunsOn reports whether the weekly pattern covers date. Only the
// calendar day of each value is compared.
func (c Calendar) RunsOn(date time.Time) bool {
	d := DateOf(date)
	if d.Before(DateOf(c.StartDate)) || d.After(DateOf(c.EndDate)) {
		return false
	}
	return c.Days[d.Weekday()]
}

type ExceptionType int

const (
	ExceptionAdded   ExceptionType = 1
	ExceptionRemoved ExceptionType = 2
)

func (e ExceptionType) String() string {
	switch e {
	case ExceptionAdded:
		return "added"
	case ExceptionRemoved:
		return "removed"
	}
	return "unknown"
}

// CalendarDate is a per-date exception (calendar_dates.txt row).
type CalendarDate struct {
	ServiceID     string
	Date          time.Time
	ExceptionType ExceptionType
}

// DateOf truncates t to a UTC calendar date so dates from different
// locations compare by their wall-clock day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Midnight returns local midnight of t's day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
