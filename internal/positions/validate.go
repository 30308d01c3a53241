package positions

import (
	"errors"
	"fmt"

	"transit-eta/internal/gtfs"
)

var errNoSegment = errors.New("no segment contains now")

type malformedError struct {
	reason string
	detail string
}

func (e *malformedError) Error() string { return fmt.Sprintf("malformed stop times (%s): %s", e.reason, e.detail) }

func malformed(reason, format string, args ...any) error {
	return &malformedError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// validate rejects stop time lists no position can be derived from:
// fewer than two stops, missing times, or sequences or times that go
// backwards.
func validate(sts []gtfs.StopTime) error {
	if len(sts) < 2 {
		return malformed("too_few_stops", "%d stop times", len(sts))
	}
	for i, st := range sts {
		if !st.Arrival.Valid() || !st.Departure.Valid() {
			return malformed("missing_time", "stop %s seq %d", st.StopID, st.StopSequence)
		}
		if st.Departure < st.Arrival {
			return malformed("departs_before_arrival", "stop %s seq %d", st.StopID, st.StopSequence)
		}
		if i == 0 {
			continue
		}
		prev := sts[i-1]
		if st.StopSequence <= prev.StopSequence {
			return malformed("sequence_order", "seq %d after %d", st.StopSequence, prev.StopSequence)
		}
		if st.Arrival < prev.Departure {
			return malformed("time_order", "stop %s arrives %s before %s departs %s", st.StopID, st.Arrival, prev.StopID, prev.Departure)
		}
	}
	return nil
}
