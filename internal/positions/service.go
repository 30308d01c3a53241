// Package positions synthesizes live-looking vehicle positions for every
// trip in service from the static schedule alone. It works for operators
// without any live feed.
package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"transit-eta/internal/calendar"
	"transit-eta/internal/geo"
	"transit-eta/internal/gtfs"
	mmetrics "transit-eta/internal/metrics"
)

// Schedule is the read side of the static timetable.
type Schedule interface {
	// ActiveTrips returns the trips of the given services with their first
	// departure and last arrival. ServiceDate is left unset.
	ActiveTrips(ctx context.Context, serviceIDs []string) ([]gtfs.ActiveTrip, error)
	// StopTimesForTrips returns stop times per trip ordered by stop_sequence.
	StopTimesForTrips(ctx context.Context, tripIDs []string) (map[string][]gtfs.StopTime, error)
}

type Calendar interface {
	ActiveServiceIDs(ctx context.Context, date time.Time) (map[string]struct{}, error)
}

type Config struct {
	Location             *time.Location
	LookAhead            time.Duration
	StoppedBelowPercent  float64
	IncomingAbovePercent float64
	Now                  func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Location:             time.Local,
		LookAhead:            30 * time.Minute,
		StoppedBelowPercent:  10,
		IncomingAbovePercent: 90,
		Now:                  time.Now,
	}
}

// Filter narrows the result set. Zero values match everything.
type Filter struct {
	Area    *geo.Area
	RouteID string
	TripIDs []string
}

type Service struct {
	schedule Schedule
	calendar Calendar
	cfg      Config
	metrics  *mmetrics.Collector
}

func NewService(schedule Schedule, cal Calendar, cfg Config, metrics *mmetrics.Collector) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{schedule: schedule, calendar: cal, cfg: cfg, metrics: metrics}
}

// serviceDay pairs a service date with "now" expressed against it.
type serviceDay struct {
	date time.Time
	now  gtfs.ServiceTime
}

// EstimatedPositions returns positions for trips running now, followed by
// trips waiting to depart within the look-ahead window. limit <= 0 means
// no limit.
func (s *Service) EstimatedPositions(ctx context.Context, f Filter, limit int) ([]Position, error) {
	now := s.cfg.Now().In(s.cfg.Location)
	today := gtfs.Midnight(now)
	nowST := gtfs.SinceMidnight(now)

	// Yesterday's service still runs after midnight with stop times >= 24:00:00.
	days := []serviceDay{
		{date: today, now: nowST},
		{date: today.AddDate(0, 0, -1), now: nowST.NextDay()},
	}
	lookAhead := gtfs.ServiceTime(s.cfg.LookAhead / time.Second)

	var moving, waiting []Position
	seen := make(map[string]bool)
	for _, d := range days {
		ids, err := s.calendar.ActiveServiceIDs(ctx, d.date)
		if err != nil {
			return nil, fmt.Errorf("active services %s: %w", d.date.Format("2006-01-02"), err)
		}
		if len(ids) == 0 {
			continue
		}
		trips, err := s.schedule.ActiveTrips(ctx, calendar.IDs(ids))
		if err != nil {
			return nil, fmt.Errorf("active trips: %w", err)
		}

		var running, upcoming []gtfs.ActiveTrip
		for _, t := range trips {
			if !f.matchesTrip(t.Trip) {
				continue
			}
			t.ServiceDate = d.date
			switch {
			case t.Start <= d.now && d.now <= t.End:
				running = append(running, t)
			case d.now < t.Start && t.Start-d.now <= lookAhead:
				upcoming = append(upcoming, t)
			}
		}
		if len(running)+len(upcoming) == 0 {
			continue
		}

		tripIDs := make([]string, 0, len(running)+len(upcoming))
		for _, t := range running {
			tripIDs = append(tripIDs, t.TripID)
		}
		for _, t := range upcoming {
			tripIDs = append(tripIDs, t.TripID)
		}
		stopTimes, err := s.schedule.StopTimesForTrips(ctx, tripIDs)
		if err != nil {
			return nil, fmt.Errorf("stop times: %w", err)
		}

		for _, t := range running {
			sts := stopTimes[t.TripID]
			if err := validate(sts); err != nil {
				s.skipped(err)
				continue
			}
			p, ok := s.locate(t, sts, d.now)
			if !ok {
				s.skipped(errNoSegment)
				continue
			}
			if f.matchesPosition(p) && !seen[p.TripID] {
				seen[p.TripID] = true
				moving = append(moving, p)
			}
		}
		for _, t := range upcoming {
			sts := stopTimes[t.TripID]
			if err := validate(sts); err != nil {
				s.skipped(err)
				continue
			}
			p := s.atOrigin(t, sts)
			if f.matchesPosition(p) && !seen[p.TripID] {
				seen[p.TripID] = true
				waiting = append(waiting, p)
			}
		}
	}

	byTrip := func(ps []Position) {
		sort.Slice(ps, func(i, j int) bool { return ps[i].TripID < ps[j].TripID })
	}
	byTrip(moving)
	byTrip(waiting)
	out := append(moving, waiting...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// locate finds the segment containing now and interpolates along it.
func (s *Service) locate(t gtfs.ActiveTrip, sts []gtfs.StopTime, now gtfs.ServiceTime) (Position, bool) {
	for i := 0; i+1 < len(sts); i++ {
		prev, next := sts[i], sts[i+1]
		if now >= prev.Arrival && now < prev.Departure {
			// dwelling at prev
			return s.position(t, prev, next, 0), true
		}
		if prev.Departure <= now && now <= next.Arrival {
			return s.position(t, prev, next, segmentProgress(prev.Departure, next.Arrival, now)), true
		}
	}
	return Position{}, false
}

// segmentProgress returns the percentage of the segment covered at now.
// Zero-length segments report the midpoint.
func segmentProgress(dep, arr, now gtfs.ServiceTime) float64 {
	dur := arr - dep
	if dur <= 0 {
		return 50
	}
	return geo.Clamp(float64(now-dep)/float64(dur), 0, 1) * 100
}

func (s *Service) position(t gtfs.ActiveTrip, prev, next gtfs.StopTime, progress float64) Position {
	pt := geo.Interpolate(prev.Point(), next.Point(), progress/100)
	return Position{
		TripID:          t.TripID,
		RouteID:         t.RouteID,
		RouteShortName:  t.RouteShortName,
		RouteColor:      t.RouteColor,
		Headsign:        t.Headsign,
		ServiceDate:     t.ServiceDate,
		Lat:             pt.Lat,
		Lon:             pt.Lon,
		Bearing:         geo.Bearing(prev.Point(), next.Point()),
		CurrentStopID:   prev.StopID,
		CurrentStopName: prev.StopName,
		NextStopID:      next.StopID,
		NextStopName:    next.StopName,
		ProgressPercent: progress,
		stoppedBelow:    s.cfg.StoppedBelowPercent,
		incomingAbove:   s.cfg.IncomingAbovePercent,
	}
}

func (s *Service) atOrigin(t gtfs.ActiveTrip, sts []gtfs.StopTime) Position {
	p := s.position(t, sts[0], sts[1], 0)
	p.waiting = true
	return p
}

func (s *Service) skipped(err error) {
	if s.metrics == nil {
		return
	}
	var me *malformedError
	reason := "no_segment"
	if errors.As(err, &me) {
		reason = me.reason
	}
	s.metrics.SkippedTrips.WithLabelValues(reason).Inc()
}

func (f Filter) matchesTrip(t gtfs.Trip) bool {
	if f.RouteID != "" && t.RouteID != f.RouteID {
		return false
	}
	if len(f.TripIDs) == 0 {
		return true
	}
	for _, id := range f.TripIDs {
		if id == t.TripID {
			return true
		}
	}
	return false
}

func (f Filter) matchesPosition(p Position) bool {
	if f.Area == nil {
		return true
	}
	return f.Area.Contains(geo.NewPoint(p.Lat, p.Lon))
}
