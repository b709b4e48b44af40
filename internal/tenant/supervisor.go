package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/db"
	"github.com/wavecast/wavecast/internal/db/migrations"
	"github.com/wavecast/wavecast/internal/metrics"
)

// State is a supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrTooManyClients is returned when a tenant is at its concurrent
// client limit.
var ErrTooManyClients = errors.New("too many concurrent clients")

// Runner is a supervised owner-only child, the CDC replicator in
// practice. Run blocks until the context is cancelled or the child
// fails; Ready closes once the child is serving.
type Runner interface {
	Run(ctx context.Context) error
	Ready() <-chan struct{}
}

// RunnerFactory builds a fresh replicator for a tenant. A nil factory,
// or a (nil, nil) return, means the tenant runs without CDC.
type RunnerFactory func(t *Tenant, pool *pgxpool.Pool) (Runner, error)

// Ownership decides whether owner-only work for a tenant runs on this
// node, and receives the readiness signal handovers wait on.
type Ownership interface {
	Owns(externalID string) bool
	ReplicatorReady(externalID string)
}

// OwnAll is the standalone-node ownership: every tenant is local.
type OwnAll struct{}

func (OwnAll) Owns(string) bool       { return true }
func (OwnAll) ReplicatorReady(string) {}

// SessionCloser drains a tenant's live websocket sessions.
type SessionCloser interface {
	CloseTenantSessions(externalID, reason string) int
}

// Warmer primes per-tenant caches once the dataplane pool is up, the
// authorization store in practice. A warm failure is a start failure.
type Warmer interface {
	Warm(ctx context.Context, pool *pgxpool.Pool) error
}

// Node is the live per-tenant runtime on this node: the dataplane pool
// plus the supervised replicator. At most one Node per tenant per node.
type Node struct {
	mu     sync.RWMutex
	tenant *Tenant

	Pool *pgxpool.Pool

	state        atomic.Int32
	readyCh      chan struct{}
	stopCh       chan struct{}
	startErr     error
	cancel       context.CancelFunc
	children     sync.WaitGroup
	sessions     atomic.Int64
	lastActivity atomic.Int64

	replicatorReady atomic.Bool
}

func newNode(t *Tenant) *Node {
	n := &Node{
		tenant:  t,
		readyCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	n.state.Store(int32(StateIdle))
	n.Touch()
	return n
}

// Tenant returns the current tenant record.
func (n *Node) Tenant() *Tenant {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tenant
}

// UpdateTenant swaps in a fresh tenant record after an invalidation.
func (n *Node) UpdateTenant(t *Tenant) {
	n.mu.Lock()
	n.tenant = t
	n.mu.Unlock()
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Touch records activity for idle accounting.
func (n *Node) Touch() {
	n.lastActivity.Store(time.Now().UnixNano())
}

// AttachSession registers a live session against the tenant's
// concurrency limit.
func (n *Node) AttachSession() error {
	max := int64(n.Tenant().MaxConcurrentClients)
	if n.sessions.Add(1) > max {
		n.sessions.Add(-1)
		return ErrTooManyClients
	}
	n.Touch()
	return nil
}

// DetachSession releases a session slot.
func (n *Node) DetachSession() {
	n.sessions.Add(-1)
	n.Touch()
}

// Sessions returns the live session count.
func (n *Node) Sessions() int64 {
	return n.sessions.Load()
}

// ReplicatorRunning reports whether the CDC child has signalled ready.
func (n *Node) ReplicatorRunning() bool {
	return n.replicatorReady.Load()
}

func (n *Node) idleSince() time.Duration {
	return time.Since(time.Unix(0, n.lastActivity.Load()))
}

// Manager supervises tenant nodes: lazy start on first use, idle
// shutdown, drain on ownership change, and bounded restart of the CDC
// child.
type Manager struct {
	cfg       config.Config
	registry  *Registry
	factory   RunnerFactory
	ownership Ownership
	closer    SessionCloser
	warmer    Warmer
	metrics   metrics.Manager
	logger    *logrus.Entry

	mu    sync.Mutex
	nodes map[string]*Node

	wg sync.WaitGroup
}

// NewManager creates a tenant supervisor manager.
func NewManager(cfg config.Config, registry *Registry, factory RunnerFactory, ownership Ownership, m metrics.Manager, logger *logrus.Entry) *Manager {
	if ownership == nil {
		ownership = OwnAll{}
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		factory:   factory,
		ownership: ownership,
		metrics:   m,
		logger:    logger,
		nodes:     make(map[string]*Node),
	}
}

// SetSessionCloser wires the session drain hook. Set once during boot,
// before any tenant starts.
func (m *Manager) SetSessionCloser(closer SessionCloser) {
	m.closer = closer
}

// SetWarmer wires the cache warm hook run at the end of Starting. Set
// once during boot, before any tenant starts.
func (m *Manager) SetWarmer(warmer Warmer) {
	m.warmer = warmer
}

// Ensure returns the tenant's ready node, starting it if needed. It
// blocks until the node is Ready, the start fails, or ctx expires.
func (m *Manager) Ensure(ctx context.Context, externalID string) (*Node, error) {
	t, err := m.registry.Lookup(ctx, externalID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	node, ok := m.nodes[externalID]
	if !ok {
		node = newNode(t)
		m.nodes[externalID] = node
		m.metrics.SetTenantsActive(len(m.nodes))
		m.wg.Add(1)
		go m.start(node)
	}
	m.mu.Unlock()

	switch node.State() {
	case StateReady:
		node.Touch()
		return node, nil
	case StateDraining, StateStopped:
		return nil, &UnavailableError{ExternalID: externalID, Reason: "draining"}
	}

	select {
	case <-node.readyCh:
		if node.State() != StateReady {
			return nil, &UnavailableError{ExternalID: externalID, Reason: "draining"}
		}
		node.Touch()
		return node, nil
	case <-node.stopCh:
		if node.startErr != nil {
			return nil, node.startErr
		}
		return nil, &UnavailableError{ExternalID: externalID, Reason: "stopped"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the tenant's node without starting one.
func (m *Manager) Get(externalID string) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[externalID]
	return node, ok
}

// start runs the Starting sequence. Any failed step stops the node and
// surfaces the reason to waiters.
func (m *Manager) start(node *Node) {
	defer m.wg.Done()

	t := node.Tenant()
	logger := m.logger.WithField("tenant", t.ExternalID)
	node.state.Store(int32(StateStarting))

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	fail := func(stage string, err error) {
		logger.WithError(err).Errorf("Tenant start failed at %s", stage)
		node.startErr = &UnavailableError{ExternalID: t.ExternalID, Reason: fmt.Sprintf("%s: %v", stage, err)}
		node.state.Store(int32(StateStopped))
		if node.Pool != nil {
			node.Pool.Close()
		}
		cancel()
		close(node.stopCh)
		m.remove(t.ExternalID, node)
	}

	ext := t.CDCExtension()
	if ext != nil {
		settings, err := ext.DecodeCDCSettings()
		if err != nil {
			fail("settings", err)
			return
		}

		pool, err := db.NewPool(ctx, settings.URL(), m.cfg.Tenant.PoolMaxConns)
		if err != nil {
			fail("pool", err)
			return
		}
		node.Pool = pool

		// Verifies credentials before anything is promised to callers.
		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		err = pool.Ping(pingCtx)
		pingCancel()
		if err != nil {
			fail("ping", err)
			return
		}

		migrator := migrations.NewMigrationManager(pool, "realtime.schema_version", migrations.TenantMigrations(), logger)
		if err := migrator.Migrate(ctx); err != nil {
			fail("migrations", err)
			return
		}

		if m.warmer != nil {
			warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
			err = m.warmer.Warm(warmCtx, pool)
			warmCancel()
			if err != nil {
				fail("warm", err)
				return
			}
		}

		if m.factory != nil && m.ownership.Owns(t.ExternalID) {
			m.superviseReplicator(ctx, node, logger)
		}
	}

	node.state.Store(int32(StateReady))
	close(node.readyCh)
	logger.WithField("sessions", 0).Info("Tenant ready")
}

// superviseReplicator keeps the CDC child alive with exponential
// backoff between restarts. The child owns in-loop reconnects; this
// loop only handles it returning unexpectedly.
func (m *Manager) superviseReplicator(ctx context.Context, node *Node, logger *logrus.Entry) {
	node.children.Add(1)
	go func() {
		defer node.children.Done()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = m.cfg.CDC.BackoffInitial
		policy.MaxInterval = m.cfg.CDC.BackoffMax
		policy.MaxElapsedTime = 0

		for {
			t := node.Tenant()
			runner, err := m.factory(t, node.Pool)
			if err != nil {
				logger.WithError(err).Error("Failed to build replicator")
				m.metrics.RecordCDCError(t.ExternalID, "build")
			} else if runner != nil {
				readyDone := make(chan struct{})
				go func() {
					select {
					case <-runner.Ready():
						node.replicatorReady.Store(true)
						m.ownership.ReplicatorReady(t.ExternalID)
						logger.Info("Replicator ready")
					case <-readyDone:
					}
				}()

				err = runner.Run(ctx)
				close(readyDone)
				node.replicatorReady.Store(false)

				if err == nil || errors.Is(err, context.Canceled) {
					policy.Reset()
				} else {
					logger.WithError(err).Error("Replicator exited")
					m.metrics.RecordCDCError(t.ExternalID, "run")
				}
			}

			if ctx.Err() != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
		}
	}()
}

// Drain gracefully stops a tenant node: sessions get closed with a
// going-away signal, the replicator is cancelled, and resources are
// released once children exit or drain_timeout passes.
func (m *Manager) Drain(externalID, reason string) {
	m.mu.Lock()
	node, ok := m.nodes[externalID]
	m.mu.Unlock()
	if !ok {
		return
	}

	// A node mid-start finishes (or fails) first; draining can't
	// interrupt the start sequence.
	if node.State() == StateStarting {
		select {
		case <-node.readyCh:
		case <-node.stopCh:
			return
		}
	}

	if !node.state.CompareAndSwap(int32(StateReady), int32(StateDraining)) {
		return
	}

	logger := m.logger.WithFields(logrus.Fields{
		"tenant": externalID,
		"reason": reason,
	})
	logger.Info("Draining tenant")

	if m.closer != nil {
		closed := m.closer.CloseTenantSessions(externalID, reason)
		logger.WithField("sessions", closed).Debug("Sessions closed")
	}

	if node.cancel != nil {
		node.cancel()
	}

	done := make(chan struct{})
	go func() {
		node.children.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.Tenant.DrainTimeout):
		logger.Warn("Drain timeout exceeded, forcing shutdown")
	}

	if node.Pool != nil {
		node.Pool.Close()
	}

	node.state.Store(int32(StateStopped))
	close(node.stopCh)
	m.remove(externalID, node)
	logger.Info("Tenant stopped")
}

// HandleInvalidate reacts to a tenant record invalidation: suspended or
// deleted tenants drain, live ones get their record refreshed in place.
func (m *Manager) HandleInvalidate(ctx context.Context, externalID string) {
	m.registry.Invalidate(externalID)

	m.mu.Lock()
	node, ok := m.nodes[externalID]
	m.mu.Unlock()
	if !ok {
		return
	}

	t, err := m.registry.Lookup(ctx, externalID)
	switch {
	case errors.Is(err, ErrTenantSuspended):
		m.Drain(externalID, "tenant_suspended")
	case errors.Is(err, ErrTenantNotFound):
		m.Drain(externalID, "tenant_deleted")
	case err != nil:
		m.logger.WithError(err).WithField("tenant", externalID).Warn("Invalidate refresh failed")
	default:
		node.UpdateTenant(t)
	}
}

// HandleOwnershipChange drains CDC tenants this node no longer owns.
// Tenants without owner-only work keep serving sessions wherever they
// are.
func (m *Manager) HandleOwnershipChange() {
	m.mu.Lock()
	var lost []string
	for externalID, node := range m.nodes {
		if node.State() == StateReady && node.Tenant().CDCExtension() != nil && !m.ownership.Owns(externalID) {
			lost = append(lost, externalID)
		}
	}
	m.mu.Unlock()

	for _, externalID := range lost {
		m.metrics.RecordHandover("source")
		m.Drain(externalID, "ownership_moved")
	}
}

// RunIdleReaper drains tenants with no sessions for idle_shutdown_after.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var idle []string
	for externalID, node := range m.nodes {
		if node.State() == StateReady && node.Sessions() == 0 && node.idleSince() > m.cfg.Tenant.IdleShutdownAfter {
			idle = append(idle, externalID)
		}
	}
	m.mu.Unlock()

	for _, externalID := range idle {
		m.Drain(externalID, "idle")
	}
}

// Shutdown drains every tenant node.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.nodes))
	for externalID := range m.nodes {
		ids = append(ids, externalID)
	}
	m.mu.Unlock()

	for _, externalID := range ids {
		m.Drain(externalID, "shutdown")
	}
	m.wg.Wait()
}

// GetStats returns supervisor statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := map[string]int{}
	var sessions int64
	for _, node := range m.nodes {
		states[node.State().String()]++
		sessions += node.Sessions()
	}

	return map[string]interface{}{
		"tenants":  len(m.nodes),
		"states":   states,
		"sessions": sessions,
	}
}

func (m *Manager) remove(externalID string, node *Node) {
	m.mu.Lock()
	if current, ok := m.nodes[externalID]; ok && current == node {
		delete(m.nodes, externalID)
	}
	m.metrics.SetTenantsActive(len(m.nodes))
	m.mu.Unlock()
}
