package livefeed

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	mmetrics "transit-eta/internal/metrics"
	"transit-eta/internal/realtime"
)

// Sink is the write side of the live store.
type Sink interface {
	UpsertTripDelay(ctx context.Context, d realtime.TripDelay) error
	UpsertStopDelay(ctx context.Context, d realtime.StopDelay) error
	UpsertVehicle(ctx context.Context, v realtime.VehiclePosition) error
	AppendHistory(ctx context.Context, samples []realtime.HistorySample) error
}

type Feed struct {
	Name string // trip_updates | vehicle_positions
	URL  string
}

type Poller struct {
	feeds    []Feed
	interval time.Duration
	sink     Sink
	client   *http.Client
	metrics  *mmetrics.Collector
	now      func() time.Time
}

// NewPoller polls every non-empty URL at interval. A nil client gets a
// 15 second timeout.
func NewPoller(tripUpdatesURL, vehiclePositionsURL string, interval time.Duration, sink Sink, client *http.Client, metrics *mmetrics.Collector) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	p := &Poller{interval: interval, sink: sink, client: client, metrics: metrics, now: time.Now}
	if tripUpdatesURL != "" {
		p.feeds = append(p.feeds, Feed{Name: "trip_updates", URL: tripUpdatesURL})
	}
	if vehiclePositionsURL != "" {
		p.feeds = append(p.feeds, Feed{Name: "vehicle_positions", URL: vehiclePositionsURL})
	}
	return p
}

// Run polls immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if len(p.feeds) == 0 {
		return
	}
	log.Printf("polling %d realtime feed(s) every %s", len(p.feeds), p.interval)
	p.PollOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches and stores every feed once. A failing feed is logged
// and does not stop the others.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, f := range p.feeds {
		n, err := p.poll(ctx, f)
		result := "ok"
		if err != nil {
			result = "error"
			log.Printf("realtime feed %s: %v", f.Name, err)
		} else {
			log.Printf("realtime feed %s: stored %d record(s)", f.Name, n)
		}
		if p.metrics != nil {
			p.metrics.LiveFeedPolls.WithLabelValues(f.Name, result).Inc()
		}
	}
}

func (p *Poller) poll(ctx context.Context, f Feed) (int, error) {
	b, err := p.fetch(ctx, f.URL)
	if err != nil {
		return 0, err
	}
	u, err := Decode(b, p.now())
	if err != nil {
		return 0, err
	}
	return p.Apply(ctx, u)
}

func (p *Poller) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// Apply writes u to the sink and appends every vehicle report to the
// position history. It stops at the first store error.
func (p *Poller) Apply(ctx context.Context, u *Update) (int, error) {
	n := 0
	for _, d := range u.TripDelays {
		if err := p.sink.UpsertTripDelay(ctx, d); err != nil {
			return n, err
		}
		n++
	}
	p.count("trip_delay", len(u.TripDelays))
	for _, d := range u.StopDelays {
		if err := p.sink.UpsertStopDelay(ctx, d); err != nil {
			return n, err
		}
		n++
	}
	p.count("stop_delay", len(u.StopDelays))

	recordedAt := p.now()
	history := make([]realtime.HistorySample, 0, len(u.Vehicles))
	for _, v := range u.Vehicles {
		if err := p.sink.UpsertVehicle(ctx, v); err != nil {
			return n, err
		}
		n++
		history = append(history, v.HistorySample(recordedAt))
	}
	p.count("vehicle", len(u.Vehicles))
	if err := p.sink.AppendHistory(ctx, history); err != nil {
		return n, err
	}
	return n, nil
}

func (p *Poller) count(kind string, n int) {
	if p.metrics != nil && n > 0 {
		p.metrics.LiveFeedEntities.WithLabelValues(kind).Add(float64(n))
	}
}
