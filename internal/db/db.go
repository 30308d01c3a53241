// Package db is the Postgres store behind every read contract of the
// engine and the write side used by the live feed poller. Schedule tables
// follow the postgis-gtfs-importer layout.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store implements the schedule, calendar, live and segment contracts on
// one connection pool.
type Store struct {
	db *sqlx.DB

	mu        sync.Mutex
	stopCoord string // cached select expression for stop coordinates
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sqlx.DB { return s.db }

// getOne runs a single-row query into dest and reports false when no row
// matched.
func (s *Store) getOne(ctx context.Context, dest any, q string, args ...any) (bool, error) {
	if err := s.db.GetContext(ctx, dest, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// getOptional is getOne for tables that may not exist yet. A missing table
// reads as no row.
func (s *Store) getOptional(ctx context.Context, dest any, q string, args ...any) (bool, error) {
	ok, err := s.getOne(ctx, dest, q, args...)
	if isUndefinedTable(err) {
		return false, nil
	}
	return ok, err
}

// SQLSTATE undefined_table
const codeUndefinedTable = "42P01"

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sqlx.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	var found []string
	if err := db.SelectContext(ctx, &found, q, schema, table, cols); err != nil {
		return nil, err
	}
	for _, name := range found {
		res[name] = true
	}
	return res, nil
}

// stopCoords picks how stop coordinates are read: plain stop_lat/stop_lon
// columns, or the PostGIS stop_loc geography some imports produce.
func (s *Store) stopCoords(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCoord != "" {
		return s.stopCoord, nil
	}
	cols, err := hasColumns(ctx, s.db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return "", fmt.Errorf("introspect stops columns: %w", err)
	}
	expr, err := stopCoordExpr(cols)
	if err != nil {
		return "", err
	}
	s.stopCoord = expr
	return expr, nil
}

func stopCoordExpr(cols map[string]bool) (string, error) {
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		return `COALESCE(s.stop_lat, 0) AS stop_lat, COALESCE(s.stop_lon, 0) AS stop_lon`, nil
	case cols["stop_loc"]:
		return `COALESCE(ST_Y(s.stop_loc::geometry), 0) AS stop_lat, COALESCE(ST_X(s.stop_loc::geometry), 0) AS stop_lon`, nil
	}
	return "", fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
}
