package eta

import (
	"context"
	"fmt"
	"math"
	"time"

	"transit-eta/internal/gtfs"
)

// Target is the call being estimated, resolved to absolute time.
type Target struct {
	Call        gtfs.Call
	ServiceDate time.Time
	Scheduled   time.Time
	Now         time.Time
}

// Strategy is one tier of evidence. Estimate returns nil when the tier has
// nothing to say, letting the next one try.
type Strategy interface {
	Name() string
	Estimate(ctx context.Context, tgt Target) (*Result, error)
}

// DefaultChain returns the tiers in priority order: stop delay, trip delay,
// live position, schedule.
func DefaultChain(schedule Schedule, live Live, speeds SpeedLookup, cfg Config) []Strategy {
	return []Strategy{
		&StopDelayStrategy{Live: live},
		&TripDelayStrategy{Live: live},
		&PositionStrategy{Live: live, Schedule: schedule, Speeds: speeds, DefaultSpeedKmh: cfg.DefaultSpeedKmh, DwellBuffer: cfg.DwellBuffer},
		ScheduledStrategy{},
	}
}

// StopDelayStrategy applies a delay reported for this exact stop.
type StopDelayStrategy struct {
	Live Live
}

func (s *StopDelayStrategy) Name() string { return "stop_delay" }

func (s *StopDelayStrategy) Estimate(ctx context.Context, tgt Target) (*Result, error) {
	sd, err := s.Live.StopDelay(ctx, tgt.Call.Trip.TripID, tgt.Call.StopTime.StopID)
	if err != nil {
		return nil, err
	}
	if sd == nil {
		return nil, nil
	}
	delay, ok := sd.Delay(tgt.Scheduled)
	if !ok {
		return nil, nil
	}
	return NewResult(tgt, tgt.Scheduled.Add(time.Duration(delay)*time.Second), DelayReported), nil
}

// TripDelayStrategy applies a trip-wide delay uniformly to every stop.
// A zero trip delay carries no information and is skipped.
type TripDelayStrategy struct {
	Live Live
}

func (s *TripDelayStrategy) Name() string { return "trip_delay" }

func (s *TripDelayStrategy) Estimate(ctx context.Context, tgt Target) (*Result, error) {
	td, err := s.Live.TripDelay(ctx, tgt.Call.Trip.TripID)
	if err != nil {
		return nil, err
	}
	if td == nil || td.DelaySeconds == 0 {
		return nil, nil
	}
	return NewResult(tgt, tgt.Scheduled.Add(time.Duration(td.DelaySeconds)*time.Second), DelayReported), nil
}

// PositionStrategy projects the vehicle's live position onto the stop at
// the route's historical speed, plus a dwell buffer per intermediate stop.
type PositionStrategy struct {
	Live            Live
	Schedule        Schedule
	Speeds          SpeedLookup
	DefaultSpeedKmh float64
	DwellBuffer     time.Duration
}

func (s *PositionStrategy) Name() string { return "position" }

func (s *PositionStrategy) Estimate(ctx context.Context, tgt Target) (*Result, error) {
	trip := tgt.Call.Trip
	v, err := s.Live.VehicleForTrip(ctx, trip.TripID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	routeID := trip.RouteID
	if routeID == "" {
		routeID = v.RouteID
	}
	speed := s.DefaultSpeedKmh
	if s.Speeds != nil {
		kmh, ok, err := s.Speeds.AverageSpeedForRoute(ctx, routeID)
		if err != nil {
			return nil, err
		}
		if ok {
			speed = kmh
		}
	}
	if speed <= 0 {
		return nil, fmt.Errorf("non-positive speed %.2f km/h for route %s", speed, routeID)
	}

	dist := v.Point().DistanceTo(tgt.Call.StopTime.Point())
	travel := time.Duration(math.Round(dist/(speed/3.6))) * time.Second

	between := 0
	if v.CurrentStopID != "" || v.NextStopID != "" {
		sts, err := s.Schedule.TripStopTimes(ctx, trip.TripID)
		if err != nil {
			return nil, err
		}
		between = intermediateStops(sts, v.CurrentStopID, v.NextStopID, tgt.Call.StopTime.StopSequence)
	}
	buffer := time.Duration(between) * s.DwellBuffer

	r := NewResult(tgt, tgt.Now.Add(travel+buffer), PositionBased)
	r.VehicleID = v.VehicleID
	r.DistanceToStopMeters = &dist
	r.CurrentStopID = v.CurrentStopID
	return r, nil
}

// intermediateStops counts scheduled stops the vehicle still has to serve
// before the target sequence. With a known current stop that is the stops
// strictly between it and the target; with only a next stop, the next stop
// itself is included.
func intermediateStops(sts []gtfs.StopTime, currentStopID, nextStopID string, targetSeq int) int {
	from, inclusive := currentStopID, false
	if from == "" {
		// One more than the sequence difference: the vehicle has not served
		// the next stop yet.
		from, inclusive = nextStopID, true
	}
	fromSeq, found := 0, false
	for _, st := range sts {
		if st.StopSequence >= targetSeq {
			break
		}
		if st.StopID == from {
			fromSeq, found = st.StopSequence, true
		}
	}
	if !found {
		return 0
	}
	n := 0
	for _, st := range sts {
		if st.StopSequence < targetSeq && (st.StopSequence > fromSeq || (inclusive && st.StopSequence == fromSeq)) {
			n++
		}
	}
	return n
}

// ScheduledStrategy is the last resort: the timetable as published.
type ScheduledStrategy struct{}

func (ScheduledStrategy) Name() string { return "scheduled" }

func (ScheduledStrategy) Estimate(_ context.Context, tgt Target) (*Result, error) {
	return NewResult(tgt, tgt.Scheduled, Scheduled), nil
}
