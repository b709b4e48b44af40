package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/tenant"
)

// Class names a rate-limited resource. Classes map one-to-one onto the
// tenant's configured limits.
type Class string

const (
	ClassJoins        Class = "joins"
	ClassEvents       Class = "events"
	ClassBytesIn      Class = "bytes_in"
	ClassBytesOut     Class = "bytes_out"
	ClassChannelsOpen Class = "channels_open"
)

// Persistent overage trips a cool-down: the offending client is closed
// instead of hammering the buckets.
const (
	cooldownThreshold = 50
	cooldownPeriod    = 10 * time.Second
)

// limits is the snapshot a limiter was built from, compared on access
// so limit changes on the tenant record take effect without a restart.
type limits struct {
	eventsPerSec int
	joinsPerSec  int
	bytesPerSec  int
	channelsMax  int
}

func limitsOf(t *tenant.Tenant) limits {
	return limits{
		eventsPerSec: t.MaxEventsPerSecond,
		joinsPerSec:  t.MaxJoinsPerSecond,
		bytesPerSec:  t.MaxBytesPerSecond,
		channelsMax:  t.MaxChannelsPerClient,
	}
}

// Limiter holds one token bucket per resource class for a tenant.
type Limiter struct {
	externalID string
	limits     limits

	joins    *bucket
	events   *bucket
	bytesIn  *bucket
	bytesOut *bucket

	mu       sync.Mutex
	denials  int
	cooledAt time.Time

	metrics metrics.Manager
}

func newLimiter(t *tenant.Tenant, m metrics.Manager) *Limiter {
	l := limitsOf(t)
	return &Limiter{
		externalID: t.ExternalID,
		limits:     l,
		joins:      newBucket(int64(l.joinsPerSec)),
		events:     newBucket(int64(l.eventsPerSec)),
		bytesIn:    newBucket(int64(l.bytesPerSec)),
		bytesOut:   newBucket(int64(l.bytesPerSec)),
		metrics:    m,
	}
}

// Allow takes one token from the class bucket.
func (l *Limiter) Allow(class Class) bool {
	return l.AllowN(class, 1)
}

// AllowN takes n tokens from the class bucket; byte classes spend one
// token per byte.
func (l *Limiter) AllowN(class Class, n int64) bool {
	var b *bucket
	switch class {
	case ClassJoins:
		b = l.joins
	case ClassEvents:
		b = l.events
	case ClassBytesIn:
		b = l.bytesIn
	case ClassBytesOut:
		b = l.bytesOut
	default:
		return true
	}
	if b.take(n) {
		l.settle()
		return true
	}
	l.metrics.RecordRateLimited(l.externalID, string(class))
	l.deny()
	return false
}

// AllowChannelOpen checks a client's open-channel count against the
// tenant cap. The caller owns the count; this is a cap, not a rate.
func (l *Limiter) AllowChannelOpen(open int) bool {
	if open < l.limits.channelsMax {
		return true
	}
	l.metrics.RecordRateLimited(l.externalID, string(ClassChannelsOpen))
	l.deny()
	return false
}

// InCooldown reports whether persistent overage has tripped the
// cool-down. Sessions close the offending client when it has.
func (l *Limiter) InCooldown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.cooledAt) < cooldownPeriod
}

func (l *Limiter) deny() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denials++
	if l.denials >= cooldownThreshold {
		l.cooledAt = time.Now()
		l.denials = 0
	}
}

func (l *Limiter) settle() {
	l.mu.Lock()
	if l.denials > 0 {
		l.denials--
	}
	l.mu.Unlock()
}

// bucket is a token bucket with capacity equal to one second of refill,
// so the steady rate is also the burst.
type bucket struct {
	mu         sync.Mutex
	tokens     int64
	maxTokens  int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

func newBucket(rate int64) *bucket {
	if rate < 1 {
		rate = 1
	}
	return &bucket{
		tokens:     rate,
		maxTokens:  rate,
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *bucket) take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(b.refillRate))

	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Registry hands out per-tenant limiters, rebuilding one when the
// tenant's limits change and dropping it on invalidation.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	metrics  metrics.Manager
	logger   *logrus.Entry
}

// NewRegistry creates the process-wide limiter registry.
func NewRegistry(m metrics.Manager, logger *logrus.Entry) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		metrics:  m,
		logger:   logger,
	}
}

// For returns the tenant's limiter, creating or rebuilding it as
// needed. Rebuilding resets the buckets, which briefly doubles the
// burst; acceptable for a limits change.
func (r *Registry) For(t *tenant.Tenant) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[t.ExternalID]
	if ok && l.limits == limitsOf(t) {
		return l
	}
	if ok {
		r.logger.WithField("tenant", t.ExternalID).Debug("Rebuilding rate limiter after limits change")
	}
	l = newLimiter(t, r.metrics)
	r.limiters[t.ExternalID] = l
	return l
}

// Evict drops a tenant's limiter. Wired to registry invalidation.
func (r *Registry) Evict(externalID string) {
	r.mu.Lock()
	delete(r.limiters, externalID)
	r.mu.Unlock()
}

// GetStats returns limiter counts for the admin surface.
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"tenants": len(r.limiters),
	}
}
