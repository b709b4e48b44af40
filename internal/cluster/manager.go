package cluster

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
)

// ErrClusterSplit reports that fewer than half of the DNS-advertised
// nodes are reachable. The node keeps serving local sessions; the
// error is operator-facing only.
var ErrClusterSplit = errors.New("cluster membership below split threshold")

const (
	peerQueueSize  = 1024
	dedupCacheSize = 8192
	// A peer silent for this many discovery intervals is removed.
	livenessMultiple = 3
)

// ChangeReceiver applies a relayed database change to local
// subscribers. Wired to the tenant registry and CDC emitter at boot.
type ChangeReceiver interface {
	ApplyChange(ctx context.Context, tenantID string, change *hub.Change) error
}

// peer is one live remote node. Each peer has a dedicated sender
// goroutine draining queue so a slow peer never blocks another. The
// id, breaker and channels are immutable; info, addr and lastSeen are
// guarded by the manager's lock.
type peer struct {
	id       string
	info     NodeInfo
	addr     string
	lastSeen time.Time
	breaker  *breaker
	queue    chan relayJob
	done     chan struct{}
}

type relayJob struct {
	path string
	body []byte
}

// graceEntry tracks a tenant whose ownership moved away while its
// replicator still runs here. The entry resolves when the new owner
// signals readiness or the grace deadline fires, whichever is first.
type graceEntry struct {
	timer *time.Timer
}

// Manager tracks cluster membership and routes tenant ownership over a
// consistent-hash ring. It implements the supervisor's Ownership, the
// hub's RemoteSender and the replicator's ChangeForwarder, so a
// standalone node can simply not call Run and everything degrades to
// local-only behavior.
type Manager struct {
	cfg     config.ClusterConfig
	self    NodeInfo
	secret  string
	hub     *hub.Hub
	metrics metrics.Manager
	logger  *logrus.Entry

	httpClient *http.Client
	resolver   *net.Resolver

	mu        sync.Mutex
	peers     map[string]*peer
	selfAddrs map[string]struct{}
	ring      *ring
	expected  int
	split     bool
	running   map[string]struct{}
	grace     map[string]*graceEntry

	originSeq atomic.Uint64
	seen      *expirable.LRU[string, struct{}]

	onOwnershipChange func()
	onInvalidate      func(externalID string)
	receiver          ChangeReceiver
}

// NewManager builds the cluster manager for this node. The node id is
// app_name@hostname; the announced address is where peers reach the
// cluster API.
func NewManager(cfg config.Config, h *hub.Hub, m metrics.Manager, logger *logrus.Entry) *Manager {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	self := NodeInfo{
		NodeID:    cfg.AppName + "@" + hostname,
		Name:      cfg.AppName,
		Addr:      "http://" + net.JoinHostPort(hostname, strconv.Itoa(cfg.Cluster.GossipPort)),
		StartedAt: time.Now().UTC(),
	}
	return &Manager{
		cfg:     cfg.Cluster,
		self:    self,
		secret:  cfg.SecretKeyBase,
		hub:     h,
		metrics: m,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: cfg.Cluster.RelayTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		resolver:  net.DefaultResolver,
		peers:     make(map[string]*peer),
		selfAddrs: make(map[string]struct{}),
		ring:      newRing(cfg.Cluster.RingReplicas, []string{self.NodeID}),
		running:   make(map[string]struct{}),
		grace:     make(map[string]*graceEntry),
		seen:      expirable.NewLRU[string, struct{}](dedupCacheSize, nil, cfg.Cluster.DedupWindow),
	}
}

// NodeID returns this node's cluster identity.
func (m *Manager) NodeID() string {
	return m.self.NodeID
}

// SetOwnershipListener registers the callback run after any ownership
// change, the supervisor's rebalance pass in practice.
func (m *Manager) SetOwnershipListener(fn func()) {
	m.onOwnershipChange = fn
}

// SetInvalidateListener registers the callback for relayed tenant
// invalidations.
func (m *Manager) SetInvalidateListener(fn func(externalID string)) {
	m.onInvalidate = fn
}

// SetChangeReceiver registers the sink for relayed database changes.
func (m *Manager) SetChangeReceiver(r ChangeReceiver) {
	m.receiver = r
}

// Run drives DNS discovery until the context is cancelled. With no
// DNS_NODES configured the node runs standalone and Run returns
// immediately.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.DNSNodes == "" {
		m.logger.Info("Cluster discovery disabled, running standalone")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"node_id":   m.self.NodeID,
		"dns_nodes": m.cfg.DNSNodes,
	}).Info("Cluster discovery started")

	m.discover(ctx)
	ticker := time.NewTicker(m.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdownPeers()
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

// discover runs one discovery round: re-resolve the peer DNS name,
// exchange gossip with every address, then expire peers that have gone
// silent.
func (m *Manager) discover(ctx context.Context) {
	addrs, err := m.resolver.LookupHost(ctx, m.cfg.DNSNodes)
	if err != nil {
		// Peers stay alive through inbound gossip during DNS outages.
		m.logger.WithError(err).Warn("Peer DNS resolution failed")
		return
	}

	m.mu.Lock()
	m.expected = len(addrs)
	targets := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		addr := "http://" + net.JoinHostPort(ip, strconv.Itoa(m.cfg.GossipPort))
		if _, self := m.selfAddrs[addr]; !self {
			targets = append(targets, addr)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.gossipWith(ctx, addr)
		}()
	}
	wg.Wait()

	m.expireStalePeers()
}

// gossipWith exchanges node info with one address. The response tells
// us who lives there; our own id means the address is this node.
func (m *Manager) gossipWith(ctx context.Context, addr string) {
	reply, err := m.postGossip(ctx, addr, m.selfInfo())
	if err != nil {
		m.logger.WithError(err).WithField("addr", addr).Debug("Gossip exchange failed")
		return
	}
	if reply.NodeID == "" {
		return
	}
	if reply.NodeID == m.self.NodeID {
		m.mu.Lock()
		m.selfAddrs[addr] = struct{}{}
		m.mu.Unlock()
		return
	}
	m.observePeer(*reply, addr)
}

// observePeer records a sighting of a remote node, from an outbound
// exchange (addr set to the address we reached it on) or an inbound
// gossip request (addr empty, the announced address is used).
func (m *Manager) observePeer(info NodeInfo, addr string) {
	if addr == "" {
		addr = info.Addr
	}

	m.mu.Lock()
	p, known := m.peers[info.NodeID]
	if known {
		p.info = info
		p.lastSeen = time.Now()
		if addr != "" {
			p.addr = addr
		}
		m.mu.Unlock()
		return
	}

	p = &peer{
		id:       info.NodeID,
		info:     info,
		addr:     addr,
		lastSeen: time.Now(),
		breaker:  newBreaker(m.logger.WithField("peer", info.NodeID)),
		queue:    make(chan relayJob, peerQueueSize),
		done:     make(chan struct{}),
	}
	m.peers[info.NodeID] = p
	m.rebuildRingLocked()
	m.logger.WithFields(logrus.Fields{
		"peer":  info.NodeID,
		"addr":  addr,
		"peers": len(m.peers),
	}).Info("Peer joined cluster")
	m.mu.Unlock()

	go m.runSender(p)
	go m.pushPresence(p)
	m.notifyOwnershipChange()
}

// expireStalePeers removes peers not heard from within the liveness
// window and sweeps their presence entries.
func (m *Manager) expireStalePeers() {
	cutoff := time.Now().Add(-time.Duration(livenessMultiple) * m.cfg.DiscoverInterval)

	m.mu.Lock()
	var removed []string
	for id, p := range m.peers {
		if p.lastSeen.Before(cutoff) {
			close(p.done)
			delete(m.peers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.rebuildRingLocked()
	}
	m.checkSplitLocked()
	m.mu.Unlock()

	for _, id := range removed {
		m.logger.WithField("peer", id).Warn("Peer removed after going silent")
		m.hub.SweepNode(id)
	}
	if len(removed) > 0 {
		m.notifyOwnershipChange()
	}
}

// rebuildRingLocked recomputes the ring from live membership and
// starts grace windows for tenants whose replication moved away.
func (m *Manager) rebuildRingLocked() {
	ids := make([]string, 0, len(m.peers)+1)
	ids = append(ids, m.self.NodeID)
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.ring = newRing(m.cfg.RingReplicas, ids)
	m.metrics.SetClusterPeers(len(m.peers))
	m.reviewGraceLocked()
}

// reviewGraceLocked reconciles running replicators against ring
// ownership. Losing a tenant starts its grace window; winning it back
// cancels one.
func (m *Manager) reviewGraceLocked() {
	for tenantID := range m.running {
		owner := m.ring.Owner(tenantID)
		if owner == m.self.NodeID || owner == "" {
			if g, ok := m.grace[tenantID]; ok {
				g.timer.Stop()
				delete(m.grace, tenantID)
			}
			continue
		}
		if _, pending := m.grace[tenantID]; pending {
			continue
		}
		id := tenantID
		m.grace[id] = &graceEntry{
			timer: time.AfterFunc(m.cfg.RebalanceGrace, func() {
				m.resolveGrace(id, "grace_expired")
			}),
		}
		m.logger.WithFields(logrus.Fields{
			"tenant":    id,
			"new_owner": owner,
		}).Info("Tenant ownership moved, replication in grace window")
	}
}

// resolveGrace ends a tenant's grace window. Returns false when no
// window was pending.
func (m *Manager) resolveGrace(tenantID, reason string) bool {
	m.mu.Lock()
	g, ok := m.grace[tenantID]
	if ok {
		g.timer.Stop()
		delete(m.grace, tenantID)
		delete(m.running, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.WithFields(logrus.Fields{
		"tenant": tenantID,
		"reason": reason,
	}).Info("Replication handover complete")
	m.notifyOwnershipChange()
	return true
}

// checkSplitLocked flags partitions: fewer than half of the
// DNS-advertised nodes reachable means relays and ownership answers
// may be wrong on both sides.
func (m *Manager) checkSplitLocked() {
	live := len(m.peers) + 1
	split := m.expected > 0 && live*2 < m.expected
	if split && !m.split {
		m.logger.WithError(ErrClusterSplit).WithFields(logrus.Fields{
			"live":     live,
			"expected": m.expected,
		}).Error("Cluster split detected")
	} else if !split && m.split {
		m.logger.WithField("live", live).Info("Cluster membership recovered")
	}
	m.split = split
}

// Owns reports whether owner-only work for a tenant runs here. True on
// ring ownership, and kept true through a pending grace window so the
// replicator drains only after the new owner is ready.
func (m *Manager) Owns(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring.Size() <= 1 {
		return true
	}
	if m.ring.Owner(externalID) == m.self.NodeID {
		return true
	}
	_, pending := m.grace[externalID]
	return pending
}

// ReplicatorReady records that this node's replicator for a tenant is
// serving and tells peers, so a previous owner can stop early instead
// of waiting out its grace window.
func (m *Manager) ReplicatorReady(externalID string) {
	m.mu.Lock()
	m.running[externalID] = struct{}{}
	targets := m.peerAddrsLocked()
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	go m.announceReady(externalID, targets)
}

func (m *Manager) announceReady(externalID string, targets []string) {
	resolved := false
	for _, addr := range targets {
		reply, err := m.postHandover(context.Background(), addr, handoverSignal{
			Tenant: externalID,
			NodeID: m.self.NodeID,
		})
		if err != nil {
			// Best effort: the old owner still has its grace deadline.
			continue
		}
		if reply.Resolved {
			resolved = true
		}
	}
	if resolved {
		m.metrics.RecordHandover("target")
		m.logger.WithField("tenant", externalID).Info("Took over replication from previous owner")
	}
}

// pushPresence replays local presence to a newly seen peer so its
// mirrors of shared topics converge without waiting for new tracks.
func (m *Manager) pushPresence(p *peer) {
	for _, tp := range m.hub.LocalPresence() {
		env := relayEnvelope{
			Kind:       relayPresenceDiff,
			Tenant:     tp.Tenant,
			Topic:      tp.Topic,
			Joins:      tp.Metas,
			OriginNode: m.self.NodeID,
			OriginSeq:  m.originSeq.Add(1),
		}
		m.enqueueTo(p, env)
	}
}

func (m *Manager) notifyOwnershipChange() {
	if m.onOwnershipChange != nil {
		m.onOwnershipChange()
	}
}

// selfInfo samples load for the gossip announcement.
func (m *Manager) selfInfo() NodeInfo {
	info := m.self
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		info.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemPercent = vm.UsedPercent
	}
	return info
}

func (m *Manager) peerAddrsLocked() []string {
	addrs := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		addrs = append(addrs, p.addr)
	}
	return addrs
}

func (m *Manager) shutdownPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.peers {
		close(p.done)
		delete(m.peers, id)
	}
}

// GetStats returns cluster statistics for the admin surface.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]map[string]interface{}, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, map[string]interface{}{
			"node_id":   p.id,
			"name":      p.info.Name,
			"addr":      p.addr,
			"last_seen": p.lastSeen,
			"breaker":   p.breaker.GetStats(),
		})
	}
	return map[string]interface{}{
		"node_id":          m.self.NodeID,
		"started_at":       m.self.StartedAt,
		"peers":            peers,
		"ring_nodes":       m.ring.Nodes(),
		"expected_nodes":   m.expected,
		"running_cdc":      len(m.running),
		"pending_handover": len(m.grace),
		"split":            m.split,
	}
}
