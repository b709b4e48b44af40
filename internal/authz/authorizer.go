package authz

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/tenant"
)

// Topic access is decided by the tenant's own row level security
// policies on realtime.messages. The probe seeds a row as the pool
// role, assumes the token's role with the token's claims as request
// context, then checks what that role can see and insert. Nothing the
// probe does ever commits.
const (
	seedProbeSQL  = `INSERT INTO realtime.messages (topic, event, private) VALUES ($1, 'probe', true) RETURNING id`
	setContextSQL = `SELECT set_config('role', $1, true), set_config('request.jwt.claims', $2, true), set_config('realtime.topic', $3, true)`
	readProbeSQL  = `SELECT id FROM realtime.messages WHERE id = $1`
	writeProbeSQL = seedProbeSQL

	probeTimeout = 5 * time.Second
)

// Decision is the cached outcome of one probe: what the (tenant, topic,
// role, claims) combination may do.
type Decision struct {
	Read  bool
	Write bool
}

// txStarter is the slice of the pool the prober needs.
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Authorizer evaluates topic access against tenant databases and
// caches decisions for a short TTL. A revoked grant therefore stays
// effective for at most one TTL.
type Authorizer struct {
	ttl     time.Duration
	cache   *expirable.LRU[string, Decision]
	group   singleflight.Group
	metrics metrics.Manager
	logger  *logrus.Entry
}

// NewAuthorizer creates the process-wide authorization store.
func NewAuthorizer(cfg config.AuthzConfig, m metrics.Manager, logger *logrus.Entry) *Authorizer {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 8192
	}
	return &Authorizer{
		ttl:     ttl,
		cache:   expirable.NewLRU[string, Decision](size, nil, ttl),
		metrics: m,
		logger:  logger,
	}
}

// CanRead reports whether the claims may subscribe to the topic.
func (a *Authorizer) CanRead(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error) {
	d, err := a.resolve(ctx, node, topic, claims)
	return d.Read, err
}

// CanWrite reports whether the claims may publish to the topic.
func (a *Authorizer) CanWrite(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error) {
	d, err := a.resolve(ctx, node, topic, claims)
	return d.Write, err
}

// EvictTenant drops every cached decision for a tenant. Wired to
// registry invalidation alongside the token cache.
func (a *Authorizer) EvictTenant(externalID string) {
	prefix := externalID + "|"
	for _, k := range a.cache.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			a.cache.Remove(k)
		}
	}
}

// Warm verifies the probe surface exists on the tenant database so the
// first private join does not discover a broken dataplane. Run during
// tenant start, after migrations.
func (a *Authorizer) Warm(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return nil
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM realtime.messages WHERE false`).Scan(&n); err != nil {
		return fmt.Errorf("authorization probe surface unavailable: %w", err)
	}
	return nil
}

func (a *Authorizer) resolve(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (Decision, error) {
	role := claims.Role()
	// No role claim, or no tenant database to hold policies: nothing
	// can grant access.
	if role == "" || node.Pool == nil {
		return Decision{}, nil
	}

	claimsJSON, err := claims.JSON()
	if err != nil {
		return Decision{}, fmt.Errorf("encoding claims: %w", err)
	}

	ten := node.Tenant()
	key := decisionKey(ten.ExternalID, topic, role, claimsJSON)
	if d, ok := a.cache.Get(key); ok {
		a.metrics.RecordCacheLookup("authz", true)
		return d, nil
	}
	a.metrics.RecordCacheLookup("authz", false)

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		d, err := a.probe(ctx, node.Pool, topic, role, claimsJSON)
		if err != nil {
			return Decision{}, err
		}
		a.cache.Add(key, d)
		a.logger.WithFields(logrus.Fields{
			"tenant": ten.ExternalID,
			"topic":  topic,
			"role":   role,
			"read":   d.Read,
			"write":  d.Write,
		}).Debug("Authorization decision")
		return d, nil
	})
	if err != nil {
		return Decision{}, err
	}
	return v.(Decision), nil
}

func (a *Authorizer) probe(ctx context.Context, db txStarter, topic, role string, claimsJSON []byte) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	tx, err := db.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("beginning probe transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var seedID int64
	if err := tx.QueryRow(ctx, seedProbeSQL, topic).Scan(&seedID); err != nil {
		return Decision{}, fmt.Errorf("seeding probe row: %w", err)
	}

	if _, err := tx.Exec(ctx, setContextSQL, role, string(claimsJSON), topic); err != nil {
		// A role the database does not know cannot hold any policy.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("assuming role %q: %w", role, err)
	}

	var d Decision
	if d.Read, err = probeStep(ctx, tx, func(sp pgx.Tx) error {
		var id int64
		return sp.QueryRow(ctx, readProbeSQL, seedID).Scan(&id)
	}); err != nil {
		return Decision{}, err
	}
	if d.Write, err = probeStep(ctx, tx, func(sp pgx.Tx) error {
		var id int64
		return sp.QueryRow(ctx, writeProbeSQL, topic).Scan(&id)
	}); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// probeStep runs one check inside a savepoint so a denial does not
// poison the enclosing transaction for the next check. Policy denials
// are answers; anything else is an error.
func probeStep(ctx context.Context, tx pgx.Tx, step func(sp pgx.Tx) error) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("opening probe savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	err = step(sp)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return false, nil
		}
		return false, err
	}
}

func decisionKey(externalID, topic, role string, claimsJSON []byte) string {
	sum := sha256.Sum256(claimsJSON)
	return fmt.Sprintf("%s|%s|%s|%x", externalID, topic, role, sum[:8])
}
