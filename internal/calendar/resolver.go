// Package calendar resolves which GTFS service ids operate on a date.
package calendar

import (
	"context"
	"fmt"
	"time"

	"transit-eta/internal/gtfs"
)

// Source provides the calendar rows relevant to a date.
type Source interface {
	// Patterns returns weekly patterns whose validity window contains date.
	// Returning extra rows is harmless; they are filtered again here.
	Patterns(ctx context.Context, date time.Time) ([]gtfs.Calendar, error)
	// Exceptions returns the calendar_dates rows for date.
	Exceptions(ctx context.Context, date time.Time) ([]gtfs.CalendarDate, error)
}

type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// ActiveServiceIDs returns the set of service ids running on date.
func (r *Resolver) ActiveServiceIDs(ctx context.Context, date time.Time) (map[string]struct{}, error) {
	patterns, err := r.src.Patterns(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	exceptions, err := r.src.Exceptions(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load calendar_dates: %w", err)
	}
	return Resolve(date, patterns, exceptions), nil
}

// Resolve applies the weekly patterns, then ADDED exceptions, then REMOVED
// exceptions. Removal always wins, including over an ADDED row for the
// same service and date.
func Resolve(date time.Time, patterns []gtfs.Calendar, exceptions []gtfs.CalendarDate) map[string]struct{} {
	day := gtfs.DateOf(date)
	active := make(map[string]struct{})
	for _, c := range patterns {
		if c.RunsOn(day) {
			active[c.ServiceID] = struct{}{}
		}
	}
	var removed []string
	for _, e := range exceptions {
		if !gtfs.DateOf(e.Date).Equal(day) {
			continue
		}
		switch e.ExceptionType {
		case gtfs.ExceptionAdded:
			active[e.ServiceID] = struct{}{}
		case gtfs.ExceptionRemoved:
			removed = append(removed, e.ServiceID)
		}
	}
	for _, id := range removed {
		delete(active, id)
	}
	return active
}

// IDs flattens a service id set, for query parameters.
func IDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
