package eta

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-eta/internal/geo"
	"transit-eta/internal/gtfs"
	mmetrics "transit-eta/internal/metrics"
	"transit-eta/internal/realtime"
)

type fakeSchedule struct {
	trips     map[string]gtfs.Trip
	stopTimes map[string][]gtfs.StopTime
}

func (f *fakeSchedule) TripStop(_ context.Context, tripID, stopID string) (*gtfs.Call, error) {
	for _, st := range f.stopTimes[tripID] {
		if st.StopID == stopID {
			return &gtfs.Call{Trip: f.trips[tripID], StopTime: st}, nil
		}
	}
	return nil, nil
}

func (f *fakeSchedule) TripStopTimes(_ context.Context, tripID string) ([]gtfs.StopTime, error) {
	return f.stopTimes[tripID], nil
}

func (f *fakeSchedule) Departures(_ context.Context, stopID string, serviceIDs []string, from gtfs.ServiceTime, limit int) ([]gtfs.Call, error) {
	want := make(map[string]bool)
	for _, id := range serviceIDs {
		want[id] = true
	}
	var out []gtfs.Call
	for tripID, sts := range f.stopTimes {
		trip := f.trips[tripID]
		if !want[trip.ServiceID] {
			continue
		}
		for _, st := range sts {
			if st.StopID == stopID && st.Departure >= from {
				out = append(out, gtfs.Call{Trip: trip, StopTime: st})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopTime.Departure < out[j].StopTime.Departure })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeLive struct {
	stopDelays map[string]*realtime.StopDelay
	tripDelays map[string]*realtime.TripDelay
	vehicles   map[string]*realtime.VehiclePosition
	err        error
}

func (f *fakeLive) StopDelay(_ context.Context, tripID, stopID string) (*realtime.StopDelay, error) {
	return f.stopDelays[tripID+"/"+stopID], f.err
}

func (f *fakeLive) TripDelay(_ context.Context, tripID string) (*realtime.TripDelay, error) {
	return f.tripDelays[tripID], f.err
}

func (f *fakeLive) VehicleForTrip(_ context.Context, tripID string) (*realtime.VehiclePosition, error) {
	for _, v := range f.vehicles {
		if v.TripID == tripID {
			return v, f.err
		}
	}
	return nil, f.err
}

func (f *fakeLive) Vehicle(_ context.Context, vehicleID string) (*realtime.VehiclePosition, error) {
	return f.vehicles[vehicleID], f.err
}

type fakeSpeeds map[string]float64

func (f fakeSpeeds) AverageSpeedForRoute(_ context.Context, routeID string) (float64, bool, error) {
	kmh, ok := f[routeID]
	return kmh, ok, nil
}

type fakeCalendar map[string][]string

func (f fakeCalendar) ActiveServiceIDs(_ context.Context, date time.Time) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, id := range f[date.Format("2006-01-02")] {
		out[id] = struct{}{}
	}
	return out, nil
}

func mustTime(s string) gtfs.ServiceTime {
	st, err := gtfs.ParseServiceTime(s)
	if err != nil {
		panic(err)
	}
	return st
}

func st(seq int, stop string, lat float64, hhmmss string) gtfs.StopTime {
	t := mustTime(hhmmss)
	return gtfs.StopTime{StopSequence: seq, StopID: stop, StopLat: lat, StopLon: 2.0, Arrival: t, Departure: t}
}

var (
	friday = time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2026, 2, 13, 8, 5, 0, 0, time.UTC)
)

func fixture() (*fakeSchedule, *fakeLive) {
	sched := &fakeSchedule{
		trips: map[string]gtfs.Trip{
			"T1": {TripID: "T1", RouteID: "R1", ServiceID: "S1"},
			"T2": {TripID: "T2", RouteID: "R1", ServiceID: "S1"},
		},
		stopTimes: map[string][]gtfs.StopTime{
			"T1": {
				st(1, "A", 41.00, "08:00:00"),
				st(2, "B", 41.01, "08:10:00"),
				st(3, "C", 41.02, "08:20:00"),
				st(4, "D", 41.03, "08:30:00"),
			},
			"T2": {
				st(1, "A", 41.00, "08:30:00"),
				st(2, "B", 41.01, "08:40:00"),
				st(3, "C", 41.02, "08:50:00"),
				st(4, "D", 41.03, "09:00:00"),
			},
		},
	}
	live := &fakeLive{
		stopDelays: map[string]*realtime.StopDelay{},
		tripDelays: map[string]*realtime.TripDelay{},
		vehicles:   map[string]*realtime.VehiclePosition{},
	}
	return sched, live
}

func newCalculator(sched *fakeSchedule, live *fakeLive, speeds fakeSpeeds, m *mmetrics.Collector) *Calculator {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Now = func() time.Time { return now }
	cal := fakeCalendar{"2026-02-13": {"S1"}}
	return NewCalculator(sched, live, cal, cfg, m, DefaultChain(sched, live, speeds, cfg)...)
}

func clock(hh, mm, ss int) time.Time { return friday.Add(time.Duration(hh*3600+mm*60+ss) * time.Second) }

func intp(v int) *int { return &v }

func TestStopDelayTier(t *testing.T) {
	sched, live := fixture()
	live.stopDelays["T1/C"] = &realtime.StopDelay{TripID: "T1", StopID: "C", DelaySeconds: intp(120)}
	live.tripDelays["T1"] = &realtime.TripDelay{TripID: "T1", DelaySeconds: 600}

	r, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "C")
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, clock(8, 20, 0), r.ScheduledArrival)
	assert.Equal(t, clock(8, 22, 0), r.EstimatedArrival)
	assert.Equal(t, 120, r.DelaySeconds)
	assert.Equal(t, High, r.Confidence)
	assert.Equal(t, DelayReported, r.Method)
}

func TestStopPredictedArrivalTier(t *testing.T) {
	sched, live := fixture()
	predicted := clock(8, 19, 15)
	live.stopDelays["T1/C"] = &realtime.StopDelay{TripID: "T1", StopID: "C", PredictedArrival: &predicted}

	r, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "C")
	require.NoError(t, err)
	assert.Equal(t, predicted, r.EstimatedArrival)
	assert.Equal(t, -45, r.DelaySeconds)
	assert.Equal(t, DelayReported, r.Method)
}

func TestZeroStopDelayStillWins(t *testing.T) {
	sched, live := fixture()
	live.stopDelays["T1/C"] = &realtime.StopDelay{TripID: "T1", StopID: "C", DelaySeconds: intp(0)}
	live.tripDelays["T1"] = &realtime.TripDelay{TripID: "T1", DelaySeconds: 600}

	r, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "C")
	require.NoError(t, err)
	assert.Equal(t, 0, r.DelaySeconds)
	assert.Equal(t, DelayReported, r.Method)
	assert.Equal(t, High, r.Confidence)
}

func TestTripDelayTier(t *testing.T) {
	sched, live := fixture()
	live.tripDelays["T1"] = &realtime.TripDelay{TripID: "T1", DelaySeconds: 300}
	live.vehicles["V1"] = &realtime.VehiclePosition{VehicleID: "V1", TripID: "T1", Lat: 41.0, Lon: 2.0}

	r, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "C")
	require.NoError(t, err)
	assert.Equal(t, clock(8, 25, 0), r.EstimatedArrival)
	assert.Equal(t, 300, r.DelaySeconds)
	assert.Equal(t, High, r.Confidence)
	assert.Equal(t, DelayReported, r.Method)
	assert.Empty(t, r.VehicleID)
}

func TestPositionTier(t *testing.T) {
	sched, live := fixture()
	live.tripDelays["T1"] = &realtime.TripDelay{TripID: "T1", DelaySeconds: 0}
	live.vehicles["V1"] = &realtime.VehiclePosition{VehicleID: "V1", TripID: "T1", RouteID: "R1", Lat: 41.0, Lon: 2.0, Status: realtime.StoppedAt, CurrentStopID: "A"}

	r, err := newCalculator(sched, live, fakeSpeeds{"R1": 36}, nil).CalculateForStop(context.Background(), "T1", "D")
	require.NoError(t, err)

	dist := geo.Distance(41.0, 2.0, 41.03, 2.0)
	travel := math.Round(dist / 10) // 36 km/h = 10 m/s
	want := now.Add(time.Duration(travel)*time.Second + 2*30*time.Second)

	assert.Equal(t, want, r.EstimatedArrival)
	assert.Equal(t, int(want.Sub(clock(8, 30, 0))/time.Second), r.DelaySeconds)
	assert.Equal(t, Medium, r.Confidence)
	assert.Equal(t, PositionBased, r.Method)
	assert.Equal(t, "V1", r.VehicleID)
	assert.Equal(t, "A", r.CurrentStopID)
	require.NotNil(t, r.DistanceToStopMeters)
	assert.InDelta(t, dist, *r.DistanceToStopMeters, 1e-6)
}

func TestPositionTierDefaultSpeed(t *testing.T) {
	sched, live := fixture()
	live.vehicles["V1"] = &realtime.VehiclePosition{VehicleID: "V1", TripID: "T1", Lat: 41.0, Lon: 2.0}

	r, err := newCalculator(sched, live, fakeSpeeds{}, nil).CalculateForStop(context.Background(), "T1", "D")
	require.NoError(t, err)

	dist := geo.Distance(41.0, 2.0, 41.03, 2.0)
	travel := math.Round(dist / (60 / 3.6))
	assert.Equal(t, now.Add(time.Duration(travel)*time.Second), r.EstimatedArrival)
	assert.Equal(t, PositionBased, r.Method)
	assert.Empty(t, r.CurrentStopID)
}

func TestPositionTierWithNextStopOnly(t *testing.T) {
	sched, live := fixture()
	live.vehicles["V1"] = &realtime.VehiclePosition{VehicleID: "V1", TripID: "T1", Lat: 41.005, Lon: 2.0, Status: realtime.InTransitTo, NextStopID: "B"}

	r, err := newCalculator(sched, live, fakeSpeeds{"R1": 36}, nil).CalculateForStop(context.Background(), "T1", "D")
	require.NoError(t, err)

	dist := geo.Distance(41.005, 2.0, 41.03, 2.0)
	want := now.Add(time.Duration(math.Round(dist/10))*time.Second + 2*30*time.Second)
	assert.Equal(t, want, r.EstimatedArrival)
}

func TestScheduledTier(t *testing.T) {
	sched, live := fixture()

	r, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "B")
	require.NoError(t, err)
	assert.Equal(t, clock(8, 10, 0), r.EstimatedArrival)
	assert.Equal(t, r.ScheduledArrival, r.EstimatedArrival)
	assert.Equal(t, 0, r.DelaySeconds)
	assert.Equal(t, Low, r.Confidence)
	assert.Equal(t, Scheduled, r.Method)
}

func TestStopNotServed(t *testing.T) {
	sched, live := fixture()
	c := newCalculator(sched, live, nil, nil)

	r, err := c.CalculateForStop(context.Background(), "T1", "Z")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = c.CalculateForStop(context.Background(), "unknown", "A")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestIdempotent(t *testing.T) {
	sched, live := fixture()
	live.vehicles["V1"] = &realtime.VehiclePosition{VehicleID: "V1", TripID: "T1", Lat: 41.0, Lon: 2.0, CurrentStopID: "A"}
	c := newCalculator(sched, live, fakeSpeeds{"R1": 42}, nil)

	first, err := c.CalculateForStop(context.Background(), "T1", "D")
	require.NoError(t, err)
	second, err := c.CalculateForStop(context.Background(), "T1", "D")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMethodConfidencePairing(t *testing.T) {
	assert.Equal(t, High, DelayReported.Confidence())
	assert.Equal(t, Medium, PositionBased.Confidence())
	assert.Equal(t, Medium, Historical.Confidence())
	assert.Equal(t, Low, Scheduled.Confidence())
}

func TestIntermediateStops(t *testing.T) {
	sts := []gtfs.StopTime{
		{StopSequence: 1, StopID: "A"},
		{StopSequence: 2, StopID: "B"},
		{StopSequence: 3, StopID: "C"},
		{StopSequence: 4, StopID: "D"},
		{StopSequence: 5, StopID: "A"},
	}
	assert.Equal(t, 2, intermediateStops(sts, "A", "", 4))
	assert.Equal(t, 0, intermediateStops(sts, "C", "", 4))
	assert.Equal(t, 0, intermediateStops(sts, "D", "", 4))
	assert.Equal(t, 2, intermediateStops(sts, "", "C", 5))
	assert.Equal(t, 0, intermediateStops(sts, "", "", 4))
	assert.Equal(t, 0, intermediateStops(sts, "X", "", 4))
	// loop route: the target's own visit of A is not a starting point
	assert.Equal(t, 1, intermediateStops(sts, "B", "", 4))
	assert.Equal(t, 3, intermediateStops(sts, "A", "", 5))
	// a next stop counts like a current stop one position earlier
	assert.Equal(t, intermediateStops(sts, "B", "", 5), intermediateStops(sts, "", "C", 5))
	assert.Equal(t, 1, intermediateStops(sts, "", "D", 5))
	assert.Equal(t, 0, intermediateStops(sts, "D", "", 5))
}

func TestServiceDatePastMidnight(t *testing.T) {
	sched := &fakeSchedule{
		trips: map[string]gtfs.Trip{"N": {TripID: "N", RouteID: "R9", ServiceID: "S1"}},
		stopTimes: map[string][]gtfs.StopTime{
			"N": {st(1, "A", 41.0, "24:10:00"), st(2, "B", 41.01, "24:40:00")},
		},
	}
	live := &fakeLive{}
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Now = func() time.Time { return time.Date(2026, 2, 14, 0, 20, 0, 0, time.UTC) }
	cal := fakeCalendar{"2026-02-13": {"S1"}}
	c := NewCalculator(sched, live, cal, cfg, nil, DefaultChain(sched, live, nil, cfg)...)

	r, err := c.CalculateForStop(context.Background(), "N", "B")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 14, 0, 40, 0, 0, time.UTC), r.ScheduledArrival)

	board, err := c.ForStop(context.Background(), "B", 5)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, time.Date(2026, 2, 14, 0, 40, 0, 0, time.UTC), board[0].ScheduledArrival)
}

func TestForStop(t *testing.T) {
	sched, live := fixture()
	live.tripDelays["T2"] = &realtime.TripDelay{TripID: "T2", DelaySeconds: 60}
	m := mmetrics.NewCollector(30*time.Second, 30*time.Minute, 60)
	c := newCalculator(sched, live, nil, m)

	board, err := c.ForStop(context.Background(), "C", 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "T1", board[0].TripID)
	assert.Equal(t, Scheduled, board[0].Method)
	assert.Equal(t, "T2", board[1].TripID)
	assert.Equal(t, DelayReported, board[1].Method)
	assert.Equal(t, 60, board[1].DelaySeconds)

	// A departed at 08:00 for T1, so only T2 is still to come.
	board, err = c.ForStop(context.Background(), "A", 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "T2", board[0].TripID)

	board, err = c.ForStop(context.Background(), "D", 1)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "T1", board[0].TripID)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ETACalculations.WithLabelValues(string(Scheduled))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ETACalculations.WithLabelValues(string(DelayReported))))
}

func TestForVehicle(t *testing.T) {
	sched, live := fixture()
	live.vehicles["V2"] = &realtime.VehiclePosition{VehicleID: "V2", TripID: "T2", Lat: 41.0, Lon: 2.0, CurrentStopID: "A"}
	live.vehicles["idle"] = &realtime.VehiclePosition{VehicleID: "idle"}
	c := newCalculator(sched, live, nil, nil)

	r, err := c.ForVehicle(context.Background(), "V2", "B")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "T2", r.TripID)
	assert.Equal(t, PositionBased, r.Method)
	assert.Equal(t, "V2", r.VehicleID)

	r, err = c.ForVehicle(context.Background(), "idle", "B")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = c.ForVehicle(context.Background(), "ghost", "B")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLiveStoreErrorPropagates(t *testing.T) {
	sched, live := fixture()
	boom := errors.New("live store unreachable")
	live.err = boom

	_, err := newCalculator(sched, live, nil, nil).CalculateForStop(context.Background(), "T1", "C")
	assert.ErrorIs(t, err, boom)
}

type historicalStub struct{}

func (historicalStub) Name() string { return "historical" }

func (historicalStub) Estimate(_ context.Context, tgt Target) (*Result, error) {
	return NewResult(tgt, tgt.Scheduled.Add(45*time.Second), Historical), nil
}

func TestCustomChainExtension(t *testing.T) {
	sched, live := fixture()
	live.stopDelays["T1/C"] = &realtime.StopDelay{TripID: "T1", StopID: "C", DelaySeconds: intp(120)}
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Now = func() time.Time { return now }
	cal := fakeCalendar{"2026-02-13": {"S1"}}

	chain := DefaultChain(sched, live, nil, cfg)
	// Insert before the schedule fallback.
	chain = append(chain[:len(chain)-1:len(chain)-1], historicalStub{}, chain[len(chain)-1])
	c := NewCalculator(sched, live, cal, cfg, nil, chain...)

	r, err := c.CalculateForStop(context.Background(), "T1", "C")
	require.NoError(t, err)
	assert.Equal(t, DelayReported, r.Method)

	r, err = c.CalculateForStop(context.Background(), "T1", "B")
	require.NoError(t, err)
	assert.Equal(t, Historical, r.Method)
	assert.Equal(t, Medium, r.Confidence)
	assert.Equal(t, 45, r.DelaySeconds)
}

func TestEmptyChainFallsBackToSchedule(t *testing.T) {
	sched, live := fixture()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Now = func() time.Time { return now }
	c := NewCalculator(sched, live, fakeCalendar{"2026-02-13": {"S1"}}, cfg, nil)

	r, err := c.CalculateForStop(context.Background(), "T1", "B")
	require.NoError(t, err)
	assert.Equal(t, Scheduled, r.Method)
}

func TestServiceDateDailyServicePastMidnight(t *testing.T) {
	sched := &fakeSchedule{
		trips: map[string]gtfs.Trip{"N1": {TripID: "N1", RouteID: "R9", ServiceID: "DAILY"}},
		stopTimes: map[string][]gtfs.StopTime{
			"N1": {st(1, "A", 41.0, "23:50:00"), st(2, "B", 41.01, "24:30:00")},
		},
	}
	live := &fakeLive{
		stopDelays: map[string]*realtime.StopDelay{},
		tripDelays: map[string]*realtime.TripDelay{},
		vehicles:   map[string]*realtime.VehiclePosition{},
	}
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	at := time.Date(2026, 2, 14, 0, 10, 0, 0, time.UTC)
	cfg.Now = func() time.Time { return at }
	cal := fakeCalendar{"2026-02-13": {"DAILY"}, "2026-02-14": {"DAILY"}}
	c := NewCalculator(sched, live, cal, cfg, nil, DefaultChain(sched, live, fakeSpeeds{}, cfg)...)
	ctx := context.Background()
	yesterdaysRun := time.Date(2026, 2, 14, 0, 30, 0, 0, time.UTC)

	r, err := c.CalculateForStop(ctx, "N1", "B")
	require.NoError(t, err)
	assert.Equal(t, yesterdaysRun, r.ScheduledArrival)
	assert.Equal(t, Scheduled, r.Method)

	board, err := c.ForStop(ctx, "B", 5)
	require.NoError(t, err)
	require.NotEmpty(t, board)
	assert.Equal(t, r.ScheduledArrival, board[0].ScheduledArrival)

	live.tripDelays["N1"] = &realtime.TripDelay{TripID: "N1", DelaySeconds: 120}
	r, err = c.CalculateForStop(ctx, "N1", "B")
	require.NoError(t, err)
	assert.Equal(t, yesterdaysRun.Add(2*time.Minute), r.EstimatedArrival)

	delete(live.tripDelays, "N1")
	live.vehicles["V9"] = &realtime.VehiclePosition{VehicleID: "V9", TripID: "N1", Lat: 41.005, Lon: 2.0, NextStopID: "B"}
	r, err = c.CalculateForStop(ctx, "N1", "B")
	require.NoError(t, err)
	assert.Equal(t, PositionBased, r.Method)
	assert.Less(t, r.DelaySeconds, 0)
	assert.Greater(t, r.DelaySeconds, -30*60)

	// Before midnight the same stop time belongs to today's run.
	at = time.Date(2026, 2, 13, 23, 55, 0, 0, time.UTC)
	delete(live.vehicles, "V9")
	r, err = c.CalculateForStop(ctx, "N1", "B")
	require.NoError(t, err)
	assert.Equal(t, yesterdaysRun, r.ScheduledArrival)
}
