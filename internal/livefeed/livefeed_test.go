package livefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	mmetrics "transit-eta/internal/metrics"
	"transit-eta/internal/realtime"
)

var headerTime = time.Date(2026, 2, 13, 8, 5, 0, 0, time.UTC)

func feed(t *testing.T, entities ...*gtfsrt.FeedEntity) []byte {
	t.Helper()
	incrementality := gtfsrt.FeedHeader_FULL_DATASET
	b, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(headerTime.Unix())),
		},
		Entity: entities,
	})
	require.NoError(t, err)
	return b
}

func tripUpdate(id string, delay *int32, stus ...*gtfsrt.TripUpdate_StopTimeUpdate) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfsrt.TripUpdate{
			Trip:           &gtfsrt.TripDescriptor{TripId: proto.String(id)},
			Delay:          delay,
			StopTimeUpdate: stus,
		},
	}
}

func vehicle(id, trip, stop string, status gtfsrt.VehiclePosition_VehicleStopStatus) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: proto.String("e-" + id),
		Vehicle: &gtfsrt.VehiclePosition{
			Trip:          &gtfsrt.TripDescriptor{TripId: proto.String(trip), RouteId: proto.String("R1")},
			Vehicle:       &gtfsrt.VehicleDescriptor{Id: proto.String(id)},
			Position:      &gtfsrt.Position{Latitude: proto.Float32(41.5), Longitude: proto.Float32(2.25), Bearing: proto.Float32(90)},
			CurrentStatus: &status,
			StopId:        proto.String(stop),
			Timestamp:     proto.Uint64(uint64(headerTime.Add(-10 * time.Second).Unix())),
		},
	}
}

func TestDecodeTripUpdates(t *testing.T) {
	predicted := headerTime.Add(15 * time.Minute)
	skipped := gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED
	canceled := gtfsrt.TripDescriptor_CANCELED

	b := feed(t,
		tripUpdate("T1", proto.Int32(120),
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("C"), Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(90)}},
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("D"), Departure: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(predicted.Unix())}},
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("E"), ScheduleRelationship: &skipped, Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(1)}},
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("F")},
		),
		tripUpdate("T2", nil,
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("A"), Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(predicted.Unix())}},
			&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("B"), Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(-30)}},
		),
		&gtfsrt.FeedEntity{
			Id: proto.String("T3"),
			TripUpdate: &gtfsrt.TripUpdate{
				Trip:  &gtfsrt.TripDescriptor{TripId: proto.String("T3"), ScheduleRelationship: &canceled},
				Delay: proto.Int32(600),
			},
		},
	)

	u, err := Decode(b, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []realtime.TripDelay{
		{TripID: "T1", DelaySeconds: 120, UpdatedAt: time.Unix(headerTime.Unix(), 0)},
		{TripID: "T2", DelaySeconds: -30, UpdatedAt: time.Unix(headerTime.Unix(), 0)},
	}, u.TripDelays)

	require.Len(t, u.StopDelays, 4)
	assert.Equal(t, "C", u.StopDelays[0].StopID)
	require.NotNil(t, u.StopDelays[0].DelaySeconds)
	assert.Equal(t, 90, *u.StopDelays[0].DelaySeconds)
	assert.Nil(t, u.StopDelays[0].PredictedArrival)

	assert.Equal(t, "D", u.StopDelays[1].StopID)
	assert.Nil(t, u.StopDelays[1].DelaySeconds)
	require.NotNil(t, u.StopDelays[1].PredictedArrival)
	assert.True(t, predicted.Equal(*u.StopDelays[1].PredictedArrival))

	assert.Equal(t, "A", u.StopDelays[2].StopID)
	assert.Equal(t, "B", u.StopDelays[3].StopID)
	assert.Empty(t, u.Vehicles)
}

func TestDecodeVehicles(t *testing.T) {
	b := feed(t,
		vehicle("V1", "T1", "C", gtfsrt.VehiclePosition_STOPPED_AT),
		vehicle("V2", "T2", "D", gtfsrt.VehiclePosition_IN_TRANSIT_TO),
		vehicle("V3", "T3", "E", gtfsrt.VehiclePosition_INCOMING_AT),
		&gtfsrt.FeedEntity{Id: proto.String("nopos"), Vehicle: &gtfsrt.VehiclePosition{Vehicle: &gtfsrt.VehicleDescriptor{Id: proto.String("V4")}}},
		&gtfsrt.FeedEntity{Id: proto.String("V5"), Vehicle: &gtfsrt.VehiclePosition{Position: &gtfsrt.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(2)}}},
	)

	u, err := Decode(b, time.Now())
	require.NoError(t, err)
	require.Len(t, u.Vehicles, 4)

	v1 := u.Vehicles[0]
	assert.Equal(t, "V1", v1.VehicleID)
	assert.Equal(t, "T1", v1.TripID)
	assert.Equal(t, "R1", v1.RouteID)
	assert.InDelta(t, 41.5, v1.Lat, 1e-5)
	assert.InDelta(t, 2.25, v1.Lon, 1e-5)
	require.NotNil(t, v1.Bearing)
	assert.Equal(t, 90.0, *v1.Bearing)
	assert.Equal(t, realtime.StoppedAt, v1.Status)
	assert.Equal(t, "C", v1.CurrentStopID)
	assert.Empty(t, v1.NextStopID)
	assert.True(t, headerTime.Add(-10*time.Second).Equal(v1.Timestamp))

	assert.Equal(t, realtime.InTransitTo, u.Vehicles[1].Status)
	assert.Equal(t, "D", u.Vehicles[1].NextStopID)
	assert.Empty(t, u.Vehicles[1].CurrentStopID)
	assert.Equal(t, realtime.IncomingAt, u.Vehicles[2].Status)

	v5 := u.Vehicles[3]
	assert.Equal(t, "V5", v5.VehicleID)
	assert.Nil(t, v5.Bearing)
	assert.Equal(t, realtime.InTransitTo, v5.Status)
	assert.True(t, headerTime.Equal(v5.Timestamp))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not a protobuf"), time.Now())
	assert.Error(t, err)
}

type memSink struct {
	trips    []realtime.TripDelay
	stops    []realtime.StopDelay
	vehicles []realtime.VehiclePosition
	history  []realtime.HistorySample
	err      error
}

func (m *memSink) UpsertTripDelay(_ context.Context, d realtime.TripDelay) error {
	m.trips = append(m.trips, d)
	return m.err
}

func (m *memSink) UpsertStopDelay(_ context.Context, d realtime.StopDelay) error {
	m.stops = append(m.stops, d)
	return m.err
}

func (m *memSink) UpsertVehicle(_ context.Context, v realtime.VehiclePosition) error {
	m.vehicles = append(m.vehicles, v)
	return m.err
}

func (m *memSink) AppendHistory(_ context.Context, s []realtime.HistorySample) error {
	m.history = append(m.history, s...)
	return m.err
}

func TestPollOnce(t *testing.T) {
	tu := feed(t, tripUpdate("T1", proto.Int32(60),
		&gtfsrt.TripUpdate_StopTimeUpdate{StopId: proto.String("C"), Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(60)}}))
	vp := feed(t, vehicle("V1", "T1", "C", gtfsrt.VehiclePosition_STOPPED_AT))

	mux := http.NewServeMux()
	mux.HandleFunc("/tu", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(tu) })
	mux.HandleFunc("/vp", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(vp) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := &memSink{}
	m := mmetrics.NewCollector(time.Second, time.Minute, 60)
	p := NewPoller(srv.URL+"/tu", srv.URL+"/vp", time.Minute, sink, srv.Client(), m)
	recorded := time.Date(2026, 2, 13, 8, 5, 3, 0, time.UTC)
	p.now = func() time.Time { return recorded }

	p.PollOnce(context.Background())

	require.Len(t, sink.trips, 1)
	require.Len(t, sink.stops, 1)
	require.Len(t, sink.vehicles, 1)
	require.Len(t, sink.history, 1)
	assert.Equal(t, "V1", sink.history[0].VehicleID)
	require.NotNil(t, sink.history[0].StopID)
	assert.Equal(t, "C", *sink.history[0].StopID)
	assert.Equal(t, recorded, sink.history[0].RecordedAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFeedPolls.WithLabelValues("trip_updates", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFeedPolls.WithLabelValues("vehicle_positions", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFeedEntities.WithLabelValues("vehicle")))
}

func TestPollOnceFeedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := &memSink{}
	m := mmetrics.NewCollector(time.Second, time.Minute, 60)
	p := NewPoller(srv.URL, "", time.Minute, sink, srv.Client(), m)
	p.PollOnce(context.Background())

	assert.Empty(t, sink.trips)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFeedPolls.WithLabelValues("trip_updates", "error")))
}

func TestApplyStopsOnStoreError(t *testing.T) {
	boom := errors.New("store down")
	sink := &memSink{err: boom}
	p := NewPoller("", "", time.Minute, sink, nil, nil)

	n, err := p.Apply(context.Background(), &Update{
		TripDelays: []realtime.TripDelay{{TripID: "T1"}, {TripID: "T2"}},
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
	assert.Len(t, sink.trips, 1)
}

func TestRunWithoutFeedsReturns(t *testing.T) {
	p := NewPoller("", "", time.Millisecond, &memSink{}, nil, nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return without feeds")
	}
}
