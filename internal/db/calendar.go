package db

import (
	"context"
	"fmt"
	"time"

	"transit-eta/internal/gtfs"
)

type calendarRow struct {
	ServiceID string    `db:"service_id"`
	Sunday    string    `db:"sunday"`
	Monday    string    `db:"monday"`
	Tuesday   string    `db:"tuesday"`
	Wednesday string    `db:"wednesday"`
	Thursday  string    `db:"thursday"`
	Friday    string    `db:"friday"`
	Saturday  string    `db:"saturday"`
	StartDate time.Time `db:"start_date"`
	EndDate   time.Time `db:"end_date"`
}

func (r calendarRow) calendar() gtfs.Calendar {
	return gtfs.Calendar{
		ServiceID: r.ServiceID,
		Days: [7]bool{
			truthy(r.Sunday), truthy(r.Monday), truthy(r.Tuesday), truthy(r.Wednesday),
			truthy(r.Thursday), truthy(r.Friday), truthy(r.Saturday),
		},
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
	}
}

// Patterns returns calendar rows whose validity window contains date.
// Weekday flags are read as text since importers store them as booleans,
// integers or the "available" enum.
func (s *Store) Patterns(ctx context.Context, date time.Time) ([]gtfs.Calendar, error) {
	q := `
SELECT service_id,
       sunday::text AS sunday, monday::text AS monday, tuesday::text AS tuesday,
       wednesday::text AS wednesday, thursday::text AS thursday, friday::text AS friday,
       saturday::text AS saturday,
       start_date::date AS start_date, end_date::date AS end_date
FROM calendar
WHERE start_date::date <= $1::date AND end_date::date >= $1::date`
	var rows []calendarRow
	if err := s.db.SelectContext(ctx, &rows, q, date.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	out := make([]gtfs.Calendar, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.calendar())
	}
	return out, nil
}

type calendarDateRow struct {
	ServiceID     string    `db:"service_id"`
	Date          time.Time `db:"date"`
	ExceptionType string    `db:"exception_type"`
}

// Exceptions returns the calendar_dates rows for date. Rows with an
// unknown exception type are ignored.
func (s *Store) Exceptions(ctx context.Context, date time.Time) ([]gtfs.CalendarDate, error) {
	q := `
SELECT service_id, date::date AS date, exception_type::text AS exception_type
FROM calendar_dates
WHERE date::date = $1::date`
	var rows []calendarDateRow
	if err := s.db.SelectContext(ctx, &rows, q, date.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("query calendar_dates: %w", err)
	}
	out := make([]gtfs.CalendarDate, 0, len(rows))
	for _, r := range rows {
		et, ok := exceptionType(r.ExceptionType)
		if !ok {
			continue
		}
		out = append(out, gtfs.CalendarDate{ServiceID: r.ServiceID, Date: r.Date, ExceptionType: et})
	}
	return out, nil
}
