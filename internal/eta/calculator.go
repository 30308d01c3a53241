// Package eta estimates arrival times for a trip at a stop by walking an
// ordered chain of evidence sources: reported stop delay, reported trip
// delay, live vehicle position, and finally the published schedule.
package eta

import (
	"context"
	"fmt"
	"sort"
	"time"

	"transit-eta/internal/calendar"
	"transit-eta/internal/gtfs"
	mmetrics "transit-eta/internal/metrics"
	"transit-eta/internal/realtime"
)

// DefaultLimit bounds stop boards when no limit is given.
const DefaultLimit = 10

type Schedule interface {
	// TripStop returns the trip's first call at stopID, or nil if the trip
	// does not serve the stop.
	TripStop(ctx context.Context, tripID, stopID string) (*gtfs.Call, error)
	// TripStopTimes returns the trip's stop times ordered by stop_sequence.
	TripStopTimes(ctx context.Context, tripID string) ([]gtfs.StopTime, error)
	// Departures returns calls at stopID of the given services departing at
	// or after from, ordered by departure.
	Departures(ctx context.Context, stopID string, serviceIDs []string, from gtfs.ServiceTime, limit int) ([]gtfs.Call, error)
}

// Live is the read side of the live store. Every method returns nil when
// nothing is stored.
type Live interface {
	StopDelay(ctx context.Context, tripID, stopID string) (*realtime.StopDelay, error)
	TripDelay(ctx context.Context, tripID string) (*realtime.TripDelay, error)
	VehicleForTrip(ctx context.Context, tripID string) (*realtime.VehiclePosition, error)
	Vehicle(ctx context.Context, vehicleID string) (*realtime.VehiclePosition, error)
}

type SpeedLookup interface {
	AverageSpeedForRoute(ctx context.Context, routeID string) (kmh float64, ok bool, err error)
}

type Calendar interface {
	ActiveServiceIDs(ctx context.Context, date time.Time) (map[string]struct{}, error)
}

type Config struct {
	DefaultSpeedKmh float64
	DwellBuffer     time.Duration
	Location        *time.Location
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		DefaultSpeedKmh: 60,
		DwellBuffer:     30 * time.Second,
		Location:        time.Local,
		Now:             time.Now,
	}
}

type Calculator struct {
	schedule Schedule
	live     Live
	calendar Calendar
	cfg      Config
	chain    []Strategy
	metrics  *mmetrics.Collector
}

// NewCalculator builds a calculator over the given chain. Results fall back
// to the schedule when no strategy in the chain produces one.
func NewCalculator(schedule Schedule, live Live, cal Calendar, cfg Config, metrics *mmetrics.Collector, chain ...Strategy) *Calculator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Calculator{
		schedule: schedule,
		live:     live,
		calendar: cal,
		cfg:      cfg,
		chain:    chain,
		metrics:  metrics,
	}
}

func (c *Calculator) now() time.Time {
	return c.cfg.Now().In(c.cfg.Location).Truncate(time.Second)
}

// CalculateForStop estimates the arrival of tripID at stopID. It returns
// nil without error when the trip does not serve the stop.
func (c *Calculator) CalculateForStop(ctx context.Context, tripID, stopID string) (*Result, error) {
	now := c.now()
	call, err := c.schedule.TripStop(ctx, tripID, stopID)
	if err != nil {
		return nil, fmt.Errorf("trip stop %s/%s: %w", tripID, stopID, err)
	}
	if call == nil {
		return nil, nil
	}
	date, err := c.serviceDate(ctx, *call, now)
	if err != nil {
		return nil, err
	}
	return c.estimate(ctx, *call, date, now)
}

// serviceDate picks the run of the trip the call belongs to. Candidates
// are today and, for calls past 24:00, yesterday; each counts only when
// its service runs that day. The candidate whose scheduled time is
// nearest to now wins. Without any active candidate today is used.
func (c *Calculator) serviceDate(ctx context.Context, call gtfs.Call, now time.Time) (time.Time, error) {
	today := gtfs.Midnight(now)
	candidates := []time.Time{today}
	if call.ScheduledArrival().DayOffset() > 0 {
		candidates = append(candidates, today.AddDate(0, 0, -1))
	}

	best, found := today, false
	var bestGap time.Duration
	for _, date := range candidates {
		ids, err := c.calendar.ActiveServiceIDs(ctx, date)
		if err != nil {
			return time.Time{}, fmt.Errorf("active services: %w", err)
		}
		if _, ok := ids[call.Trip.ServiceID]; !ok {
			continue
		}
		gap := call.ScheduledArrival().On(date).Sub(now).Abs()
		if !found || gap < bestGap {
			best, bestGap, found = date, gap, true
		}
	}
	return best, nil
}

func (c *Calculator) estimate(ctx context.Context, call gtfs.Call, date, now time.Time) (*Result, error) {
	arr := call.ScheduledArrival()
	if !arr.Valid() {
		return nil, nil
	}
	start := time.Now()
	tgt := Target{Call: call, ServiceDate: date, Scheduled: arr.On(date), Now: now}

	var res *Result
	for _, s := range c.chain {
		r, err := s.Estimate(ctx, tgt)
		if err != nil {
			return nil, fmt.Errorf("%s estimate for %s/%s: %w", s.Name(), call.Trip.TripID, call.StopTime.StopID, err)
		}
		if r != nil {
			res = r
			break
		}
	}
	if res == nil {
		res, _ = ScheduledStrategy{}.Estimate(ctx, tgt)
	}
	if c.metrics != nil {
		c.metrics.ETACalculations.WithLabelValues(string(res.Method)).Inc()
		c.metrics.ETADuration.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

type datedCall struct {
	call gtfs.Call
	date time.Time
	at   time.Time
}

// ForStop estimates the next departures from stopID, including calls of
// yesterday's service still running after midnight. limit <= 0 uses
// DefaultLimit.
func (c *Calculator) ForStop(ctx context.Context, stopID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	now := c.now()
	today := gtfs.Midnight(now)
	nowST := gtfs.SinceMidnight(now)

	days := []struct {
		date time.Time
		from gtfs.ServiceTime
	}{
		{today, nowST},
		{today.AddDate(0, 0, -1), nowST.NextDay()},
	}

	var calls []datedCall
	for _, d := range days {
		ids, err := c.calendar.ActiveServiceIDs(ctx, d.date)
		if err != nil {
			return nil, fmt.Errorf("active services: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		deps, err := c.schedule.Departures(ctx, stopID, calendar.IDs(ids), d.from, limit)
		if err != nil {
			return nil, fmt.Errorf("departures at %s: %w", stopID, err)
		}
		for _, call := range deps {
			calls = append(calls, datedCall{call: call, date: d.date, at: call.StopTime.Departure.On(d.date)})
		}
	}
	sort.SliceStable(calls, func(i, j int) bool {
		if !calls[i].at.Equal(calls[j].at) {
			return calls[i].at.Before(calls[j].at)
		}
		return calls[i].call.Trip.TripID < calls[j].call.Trip.TripID
	})
	if len(calls) > limit {
		calls = calls[:limit]
	}

	out := make([]Result, 0, len(calls))
	for _, dc := range calls {
		r, err := c.estimate(ctx, dc.call, dc.date, now)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ForVehicle estimates the arrival at stopID of the trip vehicleID is
// currently running. It returns nil for unknown or idle vehicles.
func (c *Calculator) ForVehicle(ctx context.Context, vehicleID, stopID string) (*Result, error) {
	v, err := c.live.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("vehicle %s: %w", vehicleID, err)
	}
	if v == nil || v.TripID == "" {
		return nil, nil
	}
	return c.CalculateForStop(ctx, v.TripID, stopID)
}
