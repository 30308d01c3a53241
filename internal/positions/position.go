package positions

import (
	"time"
)

type Status string

const (
	WaitingAtOrigin Status = "WAITING_AT_ORIGIN"
	StoppedAt       Status = "STOPPED_AT"
	InTransitTo     Status = "IN_TRANSIT_TO"
	IncomingAt      Status = "INCOMING_AT"
)

// Classify buckets a segment progress percentage into a status.
func Classify(progressPercent, stoppedBelow, incomingAbove float64) Status {
	switch {
	case progressPercent < stoppedBelow:
		return StoppedAt
	case progressPercent > incomingAbove:
		return IncomingAt
	}
	return InTransitTo
}

// Position is a schedule-derived estimate of where a trip is now.
// ProgressPercent is the primary signal; Status is derived from it.
type Position struct {
	TripID         string
	RouteID        string
	RouteShortName string
	RouteColor     string
	Headsign       string
	ServiceDate    time.Time

	Lat     float64
	Lon     float64
	Bearing float64

	CurrentStopID   string
	CurrentStopName string
	NextStopID      string
	NextStopName    string

	ProgressPercent float64

	waiting       bool
	stoppedBelow  float64
	incomingAbove float64
}

// Status derives the status from progress. Positions built outside a
// Service classify with the default thresholds.
func (p Position) Status() Status {
	if p.waiting {
		return WaitingAtOrigin
	}
	if p.stoppedBelow == 0 && p.incomingAbove == 0 {
		d := DefaultConfig()
		return Classify(p.ProgressPercent, d.StoppedBelowPercent, d.IncomingAbovePercent)
	}
	return Classify(p.ProgressPercent, p.stoppedBelow, p.incomingAbove)
}

func (p Position) HasNextStop() bool { return p.NextStopID != "" }
