package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sqlx.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT COALESCE(db_name, '')
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName string
	ok, err := (&Store{db: meta}).getOne(ctx, &dbName, q, city)
	if err != nil {
		return "", fmt.Errorf("query latest import: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("no database found for city like %q", city)
	}
	if dbName == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName, nil
}
