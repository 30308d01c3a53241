package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"transit-eta/internal/broadcast"
	"transit-eta/internal/calendar"
	"transit-eta/internal/config"
	"transit-eta/internal/db"
	"transit-eta/internal/eta"
	"transit-eta/internal/livefeed"
	"transit-eta/internal/metrics"
	"transit-eta/internal/natsbus"
	"transit-eta/internal/positions"
	"transit-eta/internal/segments"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, currentDBName := openCityDB(ctx, cfg)

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PublishInterval, cfg.Tuning.LookAhead(), cfg.Tuning.DefaultSpeedKmh)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	nc, err := natsbus.Connect(cfg.NATSURL, "transit-eta", wrapBusMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer func() {
		_ = nc.Drain()
		nc.Close()
	}()
	pub := natsbus.NewPublisher(nc, cfg.LogNATSSubjects, wrapBusMetrics(mcol))

	est := &currentEstimator{}
	eng := startEngine(ctx, sqlDB, pub, cfg, mcol)
	est.set(eng.calc)

	responder := natsbus.NewResponder(est, wrapBusMetrics(mcol))
	if err := responder.Subscribe(nc); err != nil {
		log.Fatalf("nats subscribe error: %v", err)
	}

	// Start periodic city DB watcher (every 30 minutes) if CITY is set
	var done chan struct{}
	if cfg.City != "" {
		done = make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(30 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				newDB, newName, ok := checkCityDB(ctx, cfg, sqlDB, currentDBName, mcol)
				if !ok {
					continue
				}

				// Requests move to the new engine before the old one goes away.
				next := startEngine(ctx, newDB, pub, cfg, mcol)
				est.set(next.calc)
				eng.Stop()
				sqlDB.Close()
				eng, sqlDB, currentDBName = next, newDB, newName
				log.Printf("switched to DB %q for city %q", currentDBName, cfg.City)
			}
		}()
	}

	// Block until context cancelled
	<-ctx.Done()
	if done != nil {
		<-done
	}
	// In-flight requests still read through sqlDB.
	responder.Unsubscribe()
	eng.Stop()
	sqlDB.Close()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// openCityDB connects to the configured database, or with CITY set to the
// latest import for that city found through the cluster's meta database.
func openCityDB(ctx context.Context, cfg *config.Config) (*sqlx.DB, string) {
	finalDSN := cfg.DatabaseURL
	var name string
	if cfg.City != "" {
		var err error
		name, err = resolveCityDB(ctx, cfg)
		if err != nil {
			log.Fatalf("resolve latest import for city %q: %v", cfg.City, err)
		}
		finalDSN, err = db.WithDBName(cfg.DatabaseURL, name)
		if err != nil {
			log.Fatalf("compose DSN: %v", err)
		}
		log.Printf("using database %q for city %q", name, cfg.City)
	}
	sqlDB, err := db.Open(finalDSN)
	if err != nil {
		log.Fatalf("db open (city) error: %v", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping (city) error: %v", err)
	}
	return sqlDB, name
}

// resolveCityDB looks up the latest import over a short-lived connection
// to the 'postgres' database.
func resolveCityDB(ctx context.Context, cfg *config.Config) (string, error) {
	rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return "", err
	}
	metaDB, err := db.Open(rootDSN)
	if err != nil {
		return "", err
	}
	defer metaDB.Close()
	if err := db.Ping(ctx, metaDB); err != nil {
		return "", err
	}
	return db.ResolveLatestImportDBName(ctx, metaDB, cfg.City)
}

// checkCityDB reports whether the daemon should move to another database,
// either because the current one stopped answering or because a newer
// import exists, and returns the opened replacement.
func checkCityDB(ctx context.Context, cfg *config.Config, current *sqlx.DB, currentName string, mcol *metrics.Collector) (*sqlx.DB, string, bool) {
	needSwitch := false
	if err := db.Ping(ctx, current); err != nil {
		log.Printf("db ping failed: %v, re-resolving city DB", err)
		if mcol != nil {
			mcol.DBSwitches.WithLabelValues("ping_failure").Inc()
		}
		needSwitch = true
	}

	newName, err := resolveCityDB(ctx, cfg)
	if err != nil {
		log.Printf("resolve latest import error: %v", err)
		return nil, "", false
	}
	if newName != "" && newName != currentName {
		log.Printf("detected updated DB for city %q: %q -> %q", cfg.City, currentName, newName)
		if mcol != nil {
			mcol.DBSwitches.WithLabelValues("update").Inc()
		}
		needSwitch = true
	}
	if !needSwitch {
		return nil, "", false
	}

	target := currentName
	if newName != "" {
		target = newName
	}
	dsn, err := db.WithDBName(cfg.DatabaseURL, target)
	if err != nil {
		log.Printf("compose DSN error: %v", err)
		return nil, "", false
	}
	newDB, err := db.Open(dsn)
	if err != nil {
		log.Printf("open new DB error: %v", err)
		return nil, "", false
	}
	if err := db.Ping(ctx, newDB); err != nil {
		log.Printf("ping new DB error: %v", err)
		newDB.Close()
		return nil, "", false
	}
	return newDB, target, true
}

// engine is everything bound to one database connection.
type engine struct {
	calc        *eta.Calculator
	broadcaster *broadcast.Broadcaster
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func startEngine(parent context.Context, sqlDB *sqlx.DB, pub *natsbus.Publisher, cfg *config.Config, mcol *metrics.Collector) *engine {
	ctx, cancel := context.WithCancel(parent)
	store := db.NewStore(sqlDB)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Printf("ensure schema: %v", err)
	}
	cal := calendar.NewResolver(store)
	tuning := cfg.Tuning

	pcfg := positions.DefaultConfig()
	pcfg.Location = cfg.Location
	pcfg.LookAhead = tuning.LookAhead()
	pcfg.StoppedBelowPercent = tuning.StoppedBelowPercent
	pcfg.IncomingAbovePercent = tuning.IncomingAbovePercent
	svc := positions.NewService(store, cal, pcfg, mcol)

	ecfg := eta.DefaultConfig()
	ecfg.Location = cfg.Location
	ecfg.DefaultSpeedKmh = tuning.DefaultSpeedKmh
	ecfg.DwellBuffer = tuning.DwellBuffer()
	speeds := segments.NewLookup(store)
	calc := eta.NewCalculator(store, store, cal, ecfg, mcol, eta.DefaultChain(store, store, speeds, ecfg)...)

	e := &engine{
		calc:        calc,
		broadcaster: broadcast.NewBroadcaster(svc, pub, cfg.PublishInterval, positions.Filter{}, cfg.PositionsLimit, mcol),
		cancel:      cancel,
	}
	e.broadcaster.Start(ctx)

	if cfg.LiveFeedEnabled() {
		poller := livefeed.NewPoller(cfg.TripUpdatesURL, cfg.VehiclePositionsURL, cfg.PollInterval, store, nil, mcol)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			poller.Run(ctx)
		}()
	}
	return e
}

func (e *engine) Stop() {
	e.broadcaster.Stop()
	e.cancel()
	e.wg.Wait()
}

// currentEstimator serves ETA requests from whichever engine is live, so
// the NATS subscription survives database switches.
type currentEstimator struct {
	p atomic.Pointer[eta.Calculator]
}

func (c *currentEstimator) set(calc *eta.Calculator) { c.p.Store(calc) }

func (c *currentEstimator) CalculateForStop(ctx context.Context, tripID, stopID string) (*eta.Result, error) {
	return c.p.Load().CalculateForStop(ctx, tripID, stopID)
}

func (c *currentEstimator) ForStop(ctx context.Context, stopID string, limit int) ([]eta.Result, error) {
	return c.p.Load().ForStop(ctx, stopID, limit)
}

func (c *currentEstimator) ForVehicle(ctx context.Context, vehicleID, stopID string) (*eta.Result, error) {
	return c.p.Load().ForVehicle(ctx, vehicleID, stopID)
}

// wrapBusMetrics adapts our Collector to the natsbus.Metrics interface.
func wrapBusMetrics(c *metrics.Collector) natsbus.Metrics {
	if c == nil {
		return nil
	}
	return &busMetrics{c: c}
}

type busMetrics struct{ c *metrics.Collector }

func (p *busMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *busMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *busMetrics) PublishObserve(d time.Duration) { p.c.NATSPublishDuration.Observe(d.Seconds()) }
func (p *busMetrics) RequestInc(subject, result string) {
	p.c.ETARequests.WithLabelValues(subject, result).Inc()
}
func (p *busMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
