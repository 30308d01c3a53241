package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ETACalculations *prometheus.CounterVec // method label
	ETADuration     prometheus.Histogram
	ETARequests     *prometheus.CounterVec // subject, result labels

	EstimatedPositions prometheus.Gauge
	WaitingPositions   prometheus.Gauge
	SkippedTrips       *prometheus.CounterVec // reason label
	BroadcastDuration  prometheus.Histogram

	NATSPublished       prometheus.Counter
	NATSPublishErrs     prometheus.Counter
	NATSPublishDuration prometheus.Histogram
	NATSConnected       prometheus.Gauge

	LiveFeedPolls    *prometheus.CounterVec // feed, result labels
	LiveFeedEntities *prometheus.CounterVec // kind label

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	PublishInterval prometheus.Gauge // seconds
	LookAhead       prometheus.Gauge // minutes
	DefaultSpeed    prometheus.Gauge // km/h
}

func NewCollector(publishInterval, lookAhead time.Duration, defaultSpeedKmh float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ETACalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_calculations_total",
			Help: "ETA results produced, by calculation method.",
		}, []string{"method"}),
		ETADuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eta_calculation_duration_seconds",
			Help:    "Duration of a single ETA calculation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ETARequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_requests_total",
			Help: "ETA requests received over NATS.",
		}, []string{"subject", "result"}),
		EstimatedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "estimated_positions",
			Help: "Trips positioned in the last broadcast.",
		}),
		WaitingPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waiting_positions",
			Help: "Trips waiting at origin in the last broadcast.",
		}),
		SkippedTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positions_skipped_trips_total",
			Help: "Trips left out of position estimation because of their stop times.",
		}, []string{"reason"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_duration_seconds",
			Help:    "Duration of computing and publishing one position broadcast.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSPublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nats_publish_duration_seconds",
			Help:    "Duration of NATS publish calls.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		LiveFeedPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_polls_total",
			Help: "GTFS-Realtime polls, by feed and result.",
		}, []string{"feed", "result"}),
		LiveFeedEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_entities_total",
			Help: "Live records written, by kind.",
		}, []string{"kind"}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_switches_total",
			Help: "Number of database switches.",
		}, []string{"reason"}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_interval_seconds",
			Help: "Position broadcast interval in seconds.",
		}),
		LookAhead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "positions_look_ahead_minutes",
			Help: "Waiting-at-origin look-ahead window in minutes.",
		}),
		DefaultSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_default_speed_kmh",
			Help: "Fallback speed for position based ETAs.",
		}),
	}

	reg.MustRegister(
		c.ETACalculations, c.ETADuration, c.ETARequests,
		c.EstimatedPositions, c.WaitingPositions, c.SkippedTrips, c.BroadcastDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSPublishDuration, c.NATSConnected,
		c.LiveFeedPolls, c.LiveFeedEntities, c.DBSwitches,
		c.PublishInterval, c.LookAhead, c.DefaultSpeed,
	)

	c.PublishInterval.Set(publishInterval.Seconds())
	c.LookAhead.Set(lookAhead.Minutes())
	c.DefaultSpeed.Set(defaultSpeedKmh)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
