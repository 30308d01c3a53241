// Package livefeed turns GTFS-Realtime TripUpdates and VehiclePositions
// feeds into live store records.
package livefeed

import (
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transit-eta/internal/realtime"
)

// Update is the set of live records carried by one feed message.
type Update struct {
	TripDelays []realtime.TripDelay
	StopDelays []realtime.StopDelay
	Vehicles   []realtime.VehiclePosition
}

func (u *Update) Empty() bool {
	return len(u.TripDelays) == 0 && len(u.StopDelays) == 0 && len(u.Vehicles) == 0
}

// Decode parses a protobuf-encoded FeedMessage. receivedAt stamps records
// for which neither the entity nor the header carries a timestamp.
func Decode(b []byte, receivedAt time.Time) (*Update, error) {
	var fm gtfsrt.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, fmt.Errorf("unmarshal feed: %w", err)
	}
	return FromFeed(&fm, receivedAt), nil
}

func FromFeed(fm *gtfsrt.FeedMessage, receivedAt time.Time) *Update {
	u := &Update{}
	fallback := receivedAt
	if ts := fm.GetHeader().GetTimestamp(); ts > 0 {
		fallback = time.Unix(int64(ts), 0)
	}
	for _, e := range fm.GetEntity() {
		if e.GetIsDeleted() {
			continue
		}
		if tu := e.GetTripUpdate(); tu != nil {
			u.addTripUpdate(tu, fallback)
		}
		if vp := e.GetVehicle(); vp != nil {
			if v, ok := vehicleFrom(e.GetId(), vp, fallback); ok {
				u.Vehicles = append(u.Vehicles, v)
			}
		}
	}
	return u
}

func stamp(ts uint64, fallback time.Time) time.Time {
	if ts > 0 {
		return time.Unix(int64(ts), 0)
	}
	return fallback
}

// addTripUpdate records the trip-wide delay and one stop delay per usable
// stop time update. The trip delay is the update's own delay or, failing
// that, the first delay reported on any of its stops. Canceled trips are
// left out.
func (u *Update) addTripUpdate(tu *gtfsrt.TripUpdate, fallback time.Time) {
	trip := tu.GetTrip()
	tripID := trip.GetTripId()
	if tripID == "" || trip.GetScheduleRelationship() == gtfsrt.TripDescriptor_CANCELED {
		return
	}
	at := stamp(tu.GetTimestamp(), fallback)

	var tripDelay *int
	if tu.Delay != nil {
		d := int(tu.GetDelay())
		tripDelay = &d
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		sd, ok := stopDelayFrom(tripID, stu, at)
		if !ok {
			continue
		}
		if tripDelay == nil && sd.DelaySeconds != nil {
			d := *sd.DelaySeconds
			tripDelay = &d
		}
		u.StopDelays = append(u.StopDelays, sd)
	}
	if tripDelay != nil {
		u.TripDelays = append(u.TripDelays, realtime.TripDelay{TripID: tripID, DelaySeconds: *tripDelay, UpdatedAt: at})
	}
}

// stopDelayFrom prefers the arrival event and falls back to departure.
func stopDelayFrom(tripID string, stu *gtfsrt.TripUpdate_StopTimeUpdate, at time.Time) (realtime.StopDelay, bool) {
	if stu.GetStopId() == "" || stu.GetScheduleRelationship() != gtfsrt.TripUpdate_StopTimeUpdate_SCHEDULED {
		return realtime.StopDelay{}, false
	}
	ev := stu.GetArrival()
	if ev == nil {
		ev = stu.GetDeparture()
	}
	if ev == nil {
		return realtime.StopDelay{}, false
	}
	sd := realtime.StopDelay{TripID: tripID, StopID: stu.GetStopId(), UpdatedAt: at}
	if ev.Delay != nil {
		d := int(ev.GetDelay())
		sd.DelaySeconds = &d
	}
	if ev.GetTime() > 0 {
		t := time.Unix(ev.GetTime(), 0)
		sd.PredictedArrival = &t
	}
	if sd.DelaySeconds == nil && sd.PredictedArrival == nil {
		return realtime.StopDelay{}, false
	}
	return sd, true
}

// vehicleFrom maps a VehiclePosition. The reported stop is the current
// stop while STOPPED_AT and the next stop otherwise.
func vehicleFrom(entityID string, vp *gtfsrt.VehiclePosition, fallback time.Time) (realtime.VehiclePosition, bool) {
	pos := vp.GetPosition()
	if pos == nil {
		return realtime.VehiclePosition{}, false
	}
	id := vp.GetVehicle().GetId()
	if id == "" {
		id = entityID
	}
	if id == "" {
		return realtime.VehiclePosition{}, false
	}
	v := realtime.VehiclePosition{
		VehicleID: id,
		TripID:    vp.GetTrip().GetTripId(),
		RouteID:   vp.GetTrip().GetRouteId(),
		Lat:       float64(pos.GetLatitude()),
		Lon:       float64(pos.GetLongitude()),
		Timestamp: stamp(vp.GetTimestamp(), fallback),
	}
	if pos.Bearing != nil {
		b := float64(pos.GetBearing())
		v.Bearing = &b
	}
	switch vp.GetCurrentStatus() {
	case gtfsrt.VehiclePosition_STOPPED_AT:
		v.Status = realtime.StoppedAt
		v.CurrentStopID = vp.GetStopId()
	case gtfsrt.VehiclePosition_INCOMING_AT:
		v.Status = realtime.IncomingAt
		v.NextStopID = vp.GetStopId()
	default:
		v.Status = realtime.InTransitTo
		v.NextStopID = vp.GetStopId()
	}
	return v, true
}
