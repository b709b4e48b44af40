package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/metrics"
)

// Fetcher is the control-plane read surface the registry caches over.
type Fetcher interface {
	GetByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
}

// Registry is the authoritative in-process view of tenant records: a
// fetch-through cache over the control database with TTL expiry and
// single-flight coalescing of concurrent misses. Explicit invalidation
// propagates tenant mutations faster than the TTL; the TTL is the
// safety net.
type Registry struct {
	fetcher Fetcher
	cache   *expirable.LRU[string, *Tenant]
	group   singleflight.Group
	metrics metrics.Manager
	logger  *logrus.Entry

	mu      sync.RWMutex
	apiKeys map[string]string // api key -> external id, shadow index of cache
	hooks   []func(externalID string)
}

// NewRegistry creates a tenant registry.
func NewRegistry(fetcher Fetcher, cfg config.TenantConfig, m metrics.Manager, logger *logrus.Entry) *Registry {
	r := &Registry{
		fetcher: fetcher,
		metrics: m,
		logger:  logger,
		apiKeys: make(map[string]string),
	}
	r.cache = expirable.NewLRU[string, *Tenant](cfg.CacheSize, r.onEvict, cfg.CacheTTL)
	return r
}

// OnInvalidate registers a hook fired whenever a tenant's cached record
// is dropped. Used to evict dependent caches (token results, authz
// decisions).
func (r *Registry) OnInvalidate(fn func(externalID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Lookup resolves a tenant by external id. Suspended tenants resolve to
// ErrTenantSuspended so every downstream operation fails uniformly.
func (r *Registry) Lookup(ctx context.Context, externalID string) (*Tenant, error) {
	if t, ok := r.cache.Get(externalID); ok {
		r.metrics.RecordCacheLookup("tenant_registry", true)
		return r.checkSuspended(t)
	}
	r.metrics.RecordCacheLookup("tenant_registry", false)

	v, err, _ := r.group.Do(externalID, func() (interface{}, error) {
		t, err := r.fetcher.GetByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		r.add(t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	return r.checkSuspended(v.(*Tenant))
}

// LookupByAPIKey resolves a tenant by its API key.
func (r *Registry) LookupByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	r.mu.RLock()
	externalID, ok := r.apiKeys[apiKey]
	r.mu.RUnlock()
	if ok {
		if t, hit := r.cache.Get(externalID); hit {
			r.metrics.RecordCacheLookup("tenant_registry", true)
			return r.checkSuspended(t)
		}
	}
	r.metrics.RecordCacheLookup("tenant_registry", false)

	v, err, _ := r.group.Do("apikey:"+apiKey, func() (interface{}, error) {
		t, err := r.fetcher.GetByAPIKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		r.add(t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	return r.checkSuspended(v.(*Tenant))
}

// Invalidate drops a tenant's cached record and fires invalidation
// hooks. The next lookup re-fetches from the control database.
func (r *Registry) Invalidate(externalID string) {
	r.cache.Remove(externalID)
	r.fireHooks(externalID)
	r.logger.WithField("tenant", externalID).Debug("Tenant cache invalidated")
}

// RefreshAll drops every cached record.
func (r *Registry) RefreshAll() {
	keys := r.cache.Keys()
	r.cache.Purge()
	for _, key := range keys {
		r.fireHooks(key)
	}
	r.logger.WithField("tenants", len(keys)).Info("Tenant cache refreshed")
}

// Len returns the number of cached tenant records.
func (r *Registry) Len() int {
	return r.cache.Len()
}

func (r *Registry) add(t *Tenant) {
	r.cache.Add(t.ExternalID, t)
	if t.APIKey != "" {
		r.mu.Lock()
		r.apiKeys[t.APIKey] = t.ExternalID
		r.mu.Unlock()
	}
}

func (r *Registry) onEvict(externalID string, t *Tenant) {
	if t != nil && t.APIKey != "" {
		r.mu.Lock()
		delete(r.apiKeys, t.APIKey)
		r.mu.Unlock()
	}
}

func (r *Registry) fireHooks(externalID string) {
	r.mu.RLock()
	hooks := make([]func(string), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(externalID)
	}
}

func (r *Registry) checkSuspended(t *Tenant) (*Tenant, error) {
	if t.Suspended {
		return nil, fmt.Errorf("%s: %w", t.ExternalID, ErrTenantSuspended)
	}
	return t, nil
}
