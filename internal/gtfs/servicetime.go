package gtfs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 3600

// ServiceTime is a GTFS stop time: seconds since midnight of the service
// day. Values of 24:00:00 and above belong to trips running past
// midnight and are only turned into wall-clock time by On.
type ServiceTime int

// NoTime marks a stop time without a usable arrival or departure.
const NoTime ServiceTime = -1

var ErrEmptyTime = errors.New("empty stop time")

// NewServiceTime builds a service time from its components; hour may be >= 24.
func NewServiceTime(hour, min, sec int) ServiceTime {
	return ServiceTime(hour*3600 + min*60 + sec)
}

// ParseServiceTime parses H:MM:SS or HH:MM:SS, allowing hours >= 24.
func ParseServiceTime(s string) (ServiceTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoTime, ErrEmptyTime
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return NoTime, fmt.Errorf("invalid stop time %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return NoTime, fmt.Errorf("invalid stop time %q", s)
		}
		v[i] = n
	}
	if v[1] > 59 || v[2] > 59 {
		return NoTime, fmt.Errorf("invalid stop time %q", s)
	}
	return NewServiceTime(v[0], v[1], v[2]), nil
}

// SinceMidnight returns the service time of t on its own calendar day.
func SinceMidnight(t time.Time) ServiceTime {
	return NewServiceTime(t.Hour(), t.Minute(), t.Second())
}

func (t ServiceTime) Valid() bool  { return t >= 0 }
func (t ServiceTime) Seconds() int { return int(t) }

// DayOffset is the number of whole days past the service date.
func (t ServiceTime) DayOffset() int { return int(t) / secondsPerDay }

// Clock returns the wall-clock components, hour in [0,23].
func (t ServiceTime) Clock() (hour, min, sec int) {
	rem := int(t) % secondsPerDay
	return rem / 3600, (rem % 3600) / 60, rem % 60
}

// On converts t to an absolute timestamp for the given service date,
// in the date's location.
func (t ServiceTime) On(serviceDate time.Time) time.Time {
	y, m, d := serviceDate.Date()
	h, mi, s := t.Clock()
	return time.Date(y, m, d+t.DayOffset(), h, mi, s, 0, serviceDate.Location())
}

// NextDay shifts t by 24h, expressing the same instant against the
// previous service date.
func (t ServiceTime) NextDay() ServiceTime { return t + secondsPerDay }

func (t ServiceTime) String() string {
	if !t.Valid() {
		return ""
	}
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
