package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	City            string
	NATSURL         string
	PublishInterval time.Duration
	PositionsLimit  int
	Location        *time.Location
	LogNATSSubjects bool
	MetricsAddr     string

	// GTFS-Realtime feeds; polling is disabled when both are empty.
	TripUpdatesURL      string
	VehiclePositionsURL string
	PollInterval        time.Duration

	TuningFile string
	Tuning     Tuning
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	dsn, err := databaseURL()
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = dsn
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	if cfg.PublishInterval, err = envDuration("PUBLISH_INTERVAL_MS", time.Millisecond, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("GTFSRT_POLL_INTERVAL_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("POSITIONS_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid POSITIONS_LIMIT: %q", v)
		}
		cfg.PositionsLimit = n
	}

	cfg.LogNATSSubjects = envBool("LOG_NATS_SUBJECTS")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.Location = time.Local
	if tz := os.Getenv("TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %w", err)
		}
		cfg.Location = loc
	}

	cfg.TripUpdatesURL = strings.TrimSpace(os.Getenv("GTFSRT_TRIP_UPDATES_URL"))
	cfg.VehiclePositionsURL = strings.TrimSpace(os.Getenv("GTFSRT_VEHICLE_POSITIONS_URL"))

	cfg.TuningFile = os.Getenv("ETA_TUNING_FILE")
	if cfg.TuningFile == "" {
		cfg.Tuning = DefaultTuning()
	} else if cfg.Tuning, err = LoadTuning(cfg.TuningFile); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LiveFeedEnabled reports whether at least one realtime feed is configured.
func (c *Config) LiveFeedEnabled() bool {
	return c.TripUpdatesURL != "" || c.VehiclePositionsURL != ""
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// With CITY the base DB only serves to look up the latest import.
	if db == "" && os.Getenv("CITY") != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	userinfo := urlEscape(user)
	if pass != "" {
		userinfo += ":" + urlEscape(pass)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", userinfo, host, port, db, sslmode), nil
}

// envDuration reads a positive integer count of unit from key.
func envDuration(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
