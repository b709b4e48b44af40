package cdc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"

	"github.com/wavecast/wavecast/internal/metrics"
)

// grantQuerier is the slice of pgxpool.Pool the visibility lookup
// needs.
type grantQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	visibilityTTL       = 60 * time.Second
	visibilityCacheSize = 4096

	// has_column_privilege covers table-level grants too, so a plain
	// GRANT SELECT ON table shows every column.
	columnGrantsSQL = `
		SELECT pa.attname
		FROM pg_attribute pa
		WHERE pa.attrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass
		  AND pa.attnum > 0
		  AND NOT pa.attisdropped
		  AND has_column_privilege($3, pa.attrelid, pa.attname, 'SELECT')
		ORDER BY pa.attnum`
)

// visibilityCache resolves which columns a claims role may read,
// cached per (tenant, role, schema, table). An unknown role or table
// caches an empty set: no grants, no delivery.
type visibilityCache struct {
	cache   *expirable.LRU[string, map[string]bool]
	group   singleflight.Group
	metrics metrics.Manager
}

func newVisibilityCache(m metrics.Manager) *visibilityCache {
	return &visibilityCache{
		cache:   expirable.NewLRU[string, map[string]bool](visibilityCacheSize, nil, visibilityTTL),
		metrics: m,
	}
}

func visibilityKey(tenantID, role, schema, table string) string {
	return tenantID + "|" + role + "|" + schema + "|" + table
}

func (v *visibilityCache) lookup(ctx context.Context, db grantQuerier, tenantID, role, schema, table string) (map[string]bool, error) {
	key := visibilityKey(tenantID, role, schema, table)
	if cols, ok := v.cache.Get(key); ok {
		v.metrics.RecordCacheLookup("cdc_visibility", true)
		return cols, nil
	}
	v.metrics.RecordCacheLookup("cdc_visibility", false)

	cols, err, _ := v.group.Do(key, func() (interface{}, error) {
		set, err := queryColumnGrants(ctx, db, role, schema, table)
		if err != nil {
			return nil, err
		}
		v.cache.Add(key, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return cols.(map[string]bool), nil
}

func (v *visibilityCache) evictTenant(tenantID string) {
	prefix := tenantID + "|"
	for _, key := range v.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			v.cache.Remove(key)
		}
	}
}

// queryColumnGrants returns the granted column set. Postgres errors
// (unknown role, dropped table) mean no grants rather than a fault.
func queryColumnGrants(ctx context.Context, db grantQuerier, role, schema, table string) (map[string]bool, error) {
	rows, err := db.Query(ctx, columnGrantsSQL, schema, table, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	if err := rows.Err(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	return set, nil
}
