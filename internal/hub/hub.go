package hub

import (
	"hash/fnv"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/metrics"
)

// KickSlowConsumer is the reason passed to Kick when a subscriber's
// queue overflows.
const KickSlowConsumer = "slow_consumer"

// Subscriber is a message sink, the websocket session in practice.
// Enqueue must never block: it reports false when the outbound queue
// is full, and the hub then force-drops the subscriber. Kick must also
// return without blocking.
type Subscriber interface {
	Ref() string
	Enqueue(e *Envelope) bool
	Kick(reason string)
}

// Envelope is one event queued for delivery. Payload is shared between
// subscribers and must not be mutated after dispatch.
type Envelope struct {
	Topic   string
	Event   string
	Payload interface{}
	Seq     uint64
}

// ChangeBinding is one postgres_changes subscription from a join. IDs
// are assigned by the hub and echoed back in every matching delivery.
type ChangeBinding struct {
	ID     int64
	Event  string // INSERT, UPDATE, DELETE or * for all
	Schema string
	Table  string
	Filter *Filter
}

// SubscribeConfig carries the join options the hub acts on. Topic
// authorization happens before the hub is involved.
type SubscribeConfig struct {
	Private       bool
	SelfBroadcast bool
	Role          string // claims role, decides CDC column visibility
	Changes       []ChangeBinding
}

// Subscribed is the successful result of a subscribe.
type Subscribed struct {
	Topic    string
	Seq      uint64
	Bindings []ChangeBinding
}

// RemoteSender forwards topic events to cluster peers. Nil on a
// standalone node. Implementations must not block the caller.
type RemoteSender interface {
	RelayBroadcast(tenantID, topic, event string, payload interface{})
	RelayPresenceDiff(tenantID, topic string, joins, leaves []RemoteMeta)
}

type subscription struct {
	sub     Subscriber
	selfOK  bool
	role    string
	changes []ChangeBinding
}

type topicState struct {
	tenantID string
	name     string
	private  bool
	lastSeq  uint64
	subs     map[string]*subscription
	presence *presenceState
}

type cdcKey struct {
	tenant string
	schema string
	table  string
	op     string
}

type cdcRef struct {
	topicKey string
	ref      string
}

type shard struct {
	mu     sync.Mutex
	topics map[string]*topicState
	cdc    map[cdcKey]map[string]cdcRef
}

// Hub is the fan-out engine: topic state partitioned across shards by
// (tenant, topic) hash so tenants and topics contend only within their
// shard. Nothing inside a shard lock performs I/O; delivery is a
// non-blocking enqueue onto each subscriber's queue.
type Hub struct {
	nodeID  string
	shards  []*shard
	relay   RemoteSender
	metrics metrics.Manager
	logger  *logrus.Entry

	bindingSeq atomic.Int64
	refSeq     atomic.Uint64
}

// New creates a hub. shardCount <= 0 selects twice the CPU count.
func New(nodeID string, shardCount int, m metrics.Manager, logger *logrus.Entry) *Hub {
	if shardCount <= 0 {
		shardCount = runtime.NumCPU() * 2
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			topics: make(map[string]*topicState),
			cdc:    make(map[cdcKey]map[string]cdcRef),
		}
	}
	return &Hub{
		nodeID:  nodeID,
		shards:  shards,
		metrics: m,
		logger:  logger,
	}
}

// SetRelay wires the cluster forwarder. Set once during boot.
func (h *Hub) SetRelay(r RemoteSender) {
	h.relay = r
}

func (h *Hub) shardFor(tenantID, topic string) (*shard, string) {
	key := tenantID + "/" + topic
	f := fnv.New32a()
	f.Write([]byte(key))
	return h.shards[f.Sum32()%uint32(len(h.shards))], key
}

func (h *Hub) nextPhxRef() string {
	return h.nodeID + "-" + strconv.FormatUint(h.refSeq.Add(1), 36)
}

// Subscribe registers a subscriber on a topic, creating the topic on
// first use. A second subscribe with the same ref replaces the earlier
// subscription, which is how sessions re-join after a token rotation.
func (h *Hub) Subscribe(tenantID, topicName string, sub Subscriber, cfg SubscribeConfig) Subscribed {
	bindings := make([]ChangeBinding, len(cfg.Changes))
	copy(bindings, cfg.Changes)
	for i := range bindings {
		bindings[i].ID = h.bindingSeq.Add(1)
	}

	sh, key := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[key]
	created := !ok
	if created {
		t = &topicState{
			tenantID: tenantID,
			name:     topicName,
			private:  cfg.Private,
			subs:     make(map[string]*subscription),
			presence: newPresenceState(),
		}
		sh.topics[key] = t
	}
	if old, rejoin := t.subs[sub.Ref()]; rejoin {
		sh.dropBindings(tenantID, key, sub.Ref(), old.changes)
	}
	t.subs[sub.Ref()] = &subscription{
		sub:     sub,
		selfOK:  cfg.SelfBroadcast,
		role:    cfg.Role,
		changes: bindings,
	}
	sh.addBindings(tenantID, key, sub.Ref(), bindings)
	seq := t.lastSeq
	sh.mu.Unlock()

	if created {
		h.metrics.ChannelOpened(tenantID)
	}
	h.metrics.RecordJoin(tenantID, true)
	return Subscribed{Topic: topicName, Seq: seq, Bindings: bindings}
}

// Unsubscribe removes a subscription. Its presence entries leave with
// it, and an empty topic is deleted.
func (h *Hub) Unsubscribe(tenantID, topicName, ref string) bool {
	sh, key := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	s, ok := t.subs[ref]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(t.subs, ref)
	sh.dropBindings(tenantID, key, ref, s.changes)
	leaves := t.presence.removeSession(ref)
	var kicked []Subscriber
	if len(leaves) > 0 {
		_, overflowed := h.dispatchLocked(t, "presence_diff", diffPayload(nil, leaves), "")
		kicked = h.collapseOverflowLocked(sh, key, t, overflowed, &leaves)
	}
	closed := h.gcTopicLocked(sh, key, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	h.relayLeaves(tenantID, topicName, leaves)
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	h.metrics.RecordLeave(tenantID)
	return true
}

// Broadcast dispatches an event to local subscribers and forwards it to
// cluster peers. Returns the local delivery count; a topic nobody
// subscribes to is a silent no-op.
func (h *Hub) Broadcast(tenantID, topicName, event string, payload interface{}, senderRef string) int {
	n := h.dispatch(tenantID, topicName, event, payload, senderRef)
	if h.relay != nil {
		h.relay.RelayBroadcast(tenantID, topicName, event, payload)
	}
	h.metrics.RecordMessage(tenantID, "broadcast")
	return n
}

// BroadcastRemote dispatches an event relayed from a peer to local
// subscribers only.
func (h *Hub) BroadcastRemote(tenantID, topicName, event string, payload interface{}) int {
	n := h.dispatch(tenantID, topicName, event, payload, "")
	h.metrics.RecordMessage(tenantID, "relay")
	return n
}

func (h *Hub) dispatch(tenantID, topicName, event string, payload interface{}, senderRef string) int {
	sh, key := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[key]
	if !ok {
		sh.mu.Unlock()
		return 0
	}
	n, overflowed := h.dispatchLocked(t, event, payload, senderRef)
	var leaves []presenceEntry
	kicked := h.collapseOverflowLocked(sh, key, t, overflowed, &leaves)
	closed := h.gcTopicLocked(sh, key, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	h.relayLeaves(tenantID, topicName, leaves)
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	if n > 0 {
		h.metrics.RecordDelivery(tenantID, event, n)
	}
	return n
}

// dispatchLocked assigns the next topic sequence number and enqueues
// the envelope to every subscriber. The sender only receives its own
// broadcast when its subscription asked for self-delivery. Returns the
// delivery count and the refs whose queues overflowed.
func (h *Hub) dispatchLocked(t *topicState, event string, payload interface{}, senderRef string) (int, []string) {
	t.lastSeq++
	env := &Envelope{Topic: t.name, Event: event, Payload: payload, Seq: t.lastSeq}

	delivered := 0
	var overflowed []string
	for ref, s := range t.subs {
		if ref == senderRef && !s.selfOK {
			continue
		}
		if s.sub.Enqueue(env) {
			delivered++
		} else {
			overflowed = append(overflowed, ref)
		}
	}
	return delivered, overflowed
}

// collapseOverflowLocked removes overflowed subscribers as if they
// unsubscribed. Their presence leaves are announced, which can itself
// overflow further subscribers, so it loops until stable. Returns the
// subscribers to kick once the lock is released.
func (h *Hub) collapseOverflowLocked(sh *shard, key string, t *topicState, overflowed []string, leaves *[]presenceEntry) []Subscriber {
	var kicked []Subscriber
	for len(overflowed) > 0 {
		next := overflowed
		overflowed = nil
		for _, ref := range next {
			s, ok := t.subs[ref]
			if !ok {
				continue
			}
			delete(t.subs, ref)
			sh.dropBindings(t.tenantID, key, ref, s.changes)
			kicked = append(kicked, s.sub)

			gone := t.presence.removeSession(ref)
			if len(gone) > 0 {
				*leaves = append(*leaves, gone...)
				_, more := h.dispatchLocked(t, "presence_diff", diffPayload(nil, gone), "")
				overflowed = append(overflowed, more...)
			}
		}
	}
	return kicked
}

func (h *Hub) finishKicks(tenantID string, kicked []Subscriber) {
	for _, sub := range kicked {
		h.metrics.RecordDrop(tenantID, KickSlowConsumer)
		h.logger.WithFields(logrus.Fields{
			"tenant": tenantID,
			"ref":    sub.Ref(),
		}).Warn("Dropping slow consumer")
		sub.Kick(KickSlowConsumer)
	}
}

func (h *Hub) relayLeaves(tenantID, topicName string, leaves []presenceEntry) {
	if h.relay == nil || len(leaves) == 0 {
		return
	}
	h.relay.RelayPresenceDiff(tenantID, topicName, nil, toRemoteMetas(leaves))
}

// gcTopicLocked deletes the topic once nothing local or remote needs
// it. Remote presence keeps a topic alive so late joiners still get
// the merged state.
func (h *Hub) gcTopicLocked(sh *shard, key string, t *topicState) bool {
	if len(t.subs) == 0 && t.presence.empty() {
		delete(sh.topics, key)
		return true
	}
	return false
}

// Track registers presence for a subscribed session under the given
// key. Re-tracking replaces the previous meta: the diff carries both
// the join and the leave.
func (h *Hub) Track(tenantID, topicName, sessionRef, key string, meta map[string]interface{}) bool {
	sh, tkey := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[tkey]
	if !ok || t.subs[sessionRef] == nil {
		sh.mu.Unlock()
		return false
	}
	old := t.presence.removeSession(sessionRef)
	entry := presenceEntry{
		sessionRef: sessionRef,
		node:       h.nodeID,
		key:        key,
		phxRef:     h.nextPhxRef(),
		meta:       meta,
	}
	t.presence.add(entry)
	joins := []presenceEntry{entry}
	_, overflowed := h.dispatchLocked(t, "presence_diff", diffPayload(joins, old), "")
	var leaves []presenceEntry
	kicked := h.collapseOverflowLocked(sh, tkey, t, overflowed, &leaves)
	closed := h.gcTopicLocked(sh, tkey, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	if h.relay != nil {
		h.relay.RelayPresenceDiff(tenantID, topicName, toRemoteMetas(joins), toRemoteMetas(append(old, leaves...)))
	}
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	h.metrics.RecordPresenceEvent(tenantID, "track")
	return true
}

// Untrack removes a session's presence from a topic.
func (h *Hub) Untrack(tenantID, topicName, sessionRef string) bool {
	sh, tkey := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[tkey]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	old := t.presence.removeSession(sessionRef)
	if len(old) == 0 {
		sh.mu.Unlock()
		return false
	}
	_, overflowed := h.dispatchLocked(t, "presence_diff", diffPayload(nil, old), "")
	leaves := old
	kicked := h.collapseOverflowLocked(sh, tkey, t, overflowed, &leaves)
	closed := h.gcTopicLocked(sh, tkey, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	h.relayLeaves(tenantID, topicName, leaves)
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	h.metrics.RecordPresenceEvent(tenantID, "untrack")
	return true
}

// SyncPresence pushes the full presence state to one subscriber, sent
// after its join reply.
func (h *Hub) SyncPresence(tenantID, topicName, sessionRef string) bool {
	sh, tkey := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[tkey]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	s, ok := t.subs[sessionRef]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	t.lastSeq++
	env := &Envelope{Topic: t.name, Event: "presence_state", Payload: t.presence.renderAll(), Seq: t.lastSeq}
	delivered := s.sub.Enqueue(env)
	var kicked []Subscriber
	var leaves []presenceEntry
	if !delivered {
		kicked = h.collapseOverflowLocked(sh, tkey, t, []string{sessionRef}, &leaves)
	}
	closed := h.gcTopicLocked(sh, tkey, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	h.relayLeaves(tenantID, topicName, leaves)
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	h.metrics.RecordPresenceEvent(tenantID, "sync")
	return delivered
}

// MergeRemoteDiff applies a presence diff relayed from a peer. Only
// topics that already exist locally hold remote state; a diff for an
// unknown topic has no local audience and is dropped.
func (h *Hub) MergeRemoteDiff(tenantID, topicName string, joins, leaves []RemoteMeta, originNode string) {
	sh, tkey := h.shardFor(tenantID, topicName)
	sh.mu.Lock()
	t, ok := sh.topics[tkey]
	if !ok {
		sh.mu.Unlock()
		return
	}

	var joined []presenceEntry
	for _, m := range joins {
		if t.presence.hasRef(m.PhxRef) {
			continue
		}
		e := presenceEntry{node: originNode, key: m.Key, phxRef: m.PhxRef, meta: m.Meta}
		t.presence.add(e)
		joined = append(joined, e)
	}
	refs := make(map[string]bool, len(leaves))
	for _, m := range leaves {
		refs[m.PhxRef] = true
	}
	left := t.presence.removeRefs(refs)

	var kicked []Subscriber
	var cascade []presenceEntry
	if len(joined) > 0 || len(left) > 0 {
		_, overflowed := h.dispatchLocked(t, "presence_diff", diffPayload(joined, left), "")
		kicked = h.collapseOverflowLocked(sh, tkey, t, overflowed, &cascade)
	}
	closed := h.gcTopicLocked(sh, tkey, t)
	sh.mu.Unlock()

	h.finishKicks(tenantID, kicked)
	h.relayLeaves(tenantID, topicName, cascade)
	if closed {
		h.metrics.ChannelClosed(tenantID)
	}
	if len(joined) > 0 || len(left) > 0 {
		h.metrics.RecordPresenceEvent(tenantID, "merge")
	}
}

// SweepNode drops every presence entry a dead peer originated and
// announces the leaves, invoked by the cluster on membership loss.
func (h *Hub) SweepNode(nodeID string) {
	for _, sh := range h.shards {
		sh.mu.Lock()
		type sweep struct {
			t      *topicState
			key    string
			leaves []presenceEntry
		}
		var sweeps []sweep
		for key, t := range sh.topics {
			if removed := t.presence.removeNode(nodeID); len(removed) > 0 {
				sweeps = append(sweeps, sweep{t: t, key: key, leaves: removed})
			}
		}
		type pendingKick struct {
			tenantID string
			sub      Subscriber
		}
		var kicked []pendingKick
		var closedTenants []string
		for _, s := range sweeps {
			_, overflowed := h.dispatchLocked(s.t, "presence_diff", diffPayload(nil, s.leaves), "")
			var cascade []presenceEntry
			for _, sub := range h.collapseOverflowLocked(sh, s.key, s.t, overflowed, &cascade) {
				kicked = append(kicked, pendingKick{tenantID: s.t.tenantID, sub: sub})
			}
			if h.gcTopicLocked(sh, s.key, s.t) {
				closedTenants = append(closedTenants, s.t.tenantID)
			}
			h.metrics.RecordPresenceEvent(s.t.tenantID, "sweep")
		}
		sh.mu.Unlock()

		for _, k := range kicked {
			h.finishKicks(k.tenantID, []Subscriber{k.sub})
		}
		for _, tenantID := range closedTenants {
			h.metrics.ChannelClosed(tenantID)
		}
	}
}

// LocalPresence snapshots the presence entries this node originated,
// pushed to a peer when it joins the cluster.
func (h *Hub) LocalPresence() []TopicPresence {
	var out []TopicPresence
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, t := range sh.topics {
			if metas := t.presence.localMetas(h.nodeID); len(metas) > 0 {
				out = append(out, TopicPresence{Tenant: t.tenantID, Topic: t.name, Metas: metas})
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// CDCRoles returns the distinct claim roles of subscribers whose
// bindings match the change, so the caller can resolve column
// visibility outside any shard lock.
func (h *Hub) CDCRoles(tenantID string, change *Change) []string {
	key := cdcKey{tenant: tenantID, schema: change.Schema, table: change.Table, op: strings.ToUpper(change.Operation)}
	seen := make(map[string]bool)
	var roles []string
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, cr := range sh.cdc[key] {
			t, ok := sh.topics[cr.topicKey]
			if !ok {
				continue
			}
			s, ok := t.subs[cr.ref]
			if !ok {
				continue
			}
			if !seen[s.role] {
				seen[s.role] = true
				roles = append(roles, s.role)
			}
		}
		sh.mu.Unlock()
	}
	return roles
}

// EmitCDC delivers a row change to every subscriber whose binding
// matches its (schema, table, operation) and filter. visibility maps a
// role to its visible column set (nil set = all columns); a role
// missing from a non-nil map is skipped rather than overshown.
func (h *Hub) EmitCDC(tenantID string, change *Change, visibility map[string]map[string]bool) int {
	key := cdcKey{tenant: tenantID, schema: change.Schema, table: change.Table, op: strings.ToUpper(change.Operation)}
	target := change.filterTarget()
	payloads := make(map[string]map[string]interface{})

	delivered := 0
	for _, sh := range h.shards {
		sh.mu.Lock()
		refs := sh.cdc[key]
		if len(refs) == 0 {
			sh.mu.Unlock()
			continue
		}
		overflowByTopic := make(map[string][]string)
		for _, cr := range refs {
			t, ok := sh.topics[cr.topicKey]
			if !ok {
				continue
			}
			s, ok := t.subs[cr.ref]
			if !ok {
				continue
			}
			ids := matchingBindingIDs(s.changes, key.op, change.Schema, change.Table, target)
			if len(ids) == 0 {
				continue
			}
			data, ok := payloads[s.role]
			if !ok {
				if visibility != nil {
					vis, known := visibility[s.role]
					if !known {
						continue
					}
					data = change.payloadData(vis)
				} else {
					data = change.payloadData(nil)
				}
				payloads[s.role] = data
			}
			t.lastSeq++
			env := &Envelope{
				Topic:   t.name,
				Event:   "postgres_changes",
				Payload: map[string]interface{}{"ids": ids, "data": data},
				Seq:     t.lastSeq,
			}
			if s.sub.Enqueue(env) {
				delivered++
			} else {
				overflowByTopic[cr.topicKey] = append(overflowByTopic[cr.topicKey], cr.ref)
			}
		}
		var kicked []Subscriber
		leavesByTopic := make(map[string][]presenceEntry)
		closedTenant := ""
		for topicKey, refs := range overflowByTopic {
			t, ok := sh.topics[topicKey]
			if !ok {
				continue
			}
			var leaves []presenceEntry
			kicked = append(kicked, h.collapseOverflowLocked(sh, topicKey, t, refs, &leaves)...)
			if len(leaves) > 0 {
				leavesByTopic[t.name] = leaves
			}
			if h.gcTopicLocked(sh, topicKey, t) {
				closedTenant = t.tenantID
			}
		}
		sh.mu.Unlock()

		h.finishKicks(tenantID, kicked)
		for topicName, leaves := range leavesByTopic {
			h.relayLeaves(tenantID, topicName, leaves)
		}
		if closedTenant != "" {
			h.metrics.ChannelClosed(closedTenant)
		}
	}

	h.metrics.RecordMessage(tenantID, "postgres_changes")
	if delivered > 0 {
		h.metrics.RecordDelivery(tenantID, "postgres_changes", delivered)
	}
	return delivered
}

// matchingBindingIDs collects the IDs of bindings matching the change;
// filter mismatch silently drops for that binding only.
func matchingBindingIDs(bindings []ChangeBinding, op, schema, table string, target map[string]interface{}) []int64 {
	var ids []int64
	for _, b := range bindings {
		if b.Schema != schema || b.Table != table {
			continue
		}
		if ev := strings.ToUpper(b.Event); ev != "*" && ev != "" && ev != op {
			continue
		}
		if !b.Filter.Eval(target) {
			continue
		}
		ids = append(ids, b.ID)
	}
	return ids
}

// bindingOps expands a binding event to the concrete operations it
// indexes under.
func bindingOps(event string) []string {
	switch strings.ToUpper(event) {
	case "", "*":
		return []string{"INSERT", "UPDATE", "DELETE"}
	default:
		return []string{strings.ToUpper(event)}
	}
}

func (sh *shard) addBindings(tenantID, topicKey, ref string, bindings []ChangeBinding) {
	for _, b := range bindings {
		for _, op := range bindingOps(b.Event) {
			k := cdcKey{tenant: tenantID, schema: b.Schema, table: b.Table, op: op}
			m, ok := sh.cdc[k]
			if !ok {
				m = make(map[string]cdcRef)
				sh.cdc[k] = m
			}
			m[topicKey+"\x00"+ref] = cdcRef{topicKey: topicKey, ref: ref}
		}
	}
}

func (sh *shard) dropBindings(tenantID, topicKey, ref string, bindings []ChangeBinding) {
	for _, b := range bindings {
		for _, op := range bindingOps(b.Event) {
			k := cdcKey{tenant: tenantID, schema: b.Schema, table: b.Table, op: op}
			if m, ok := sh.cdc[k]; ok {
				delete(m, topicKey+"\x00"+ref)
				if len(m) == 0 {
					delete(sh.cdc, k)
				}
			}
		}
	}
}

func toRemoteMetas(entries []presenceEntry) []RemoteMeta {
	if len(entries) == 0 {
		return nil
	}
	out := make([]RemoteMeta, 0, len(entries))
	for _, e := range entries {
		out = append(out, RemoteMeta{Key: e.key, PhxRef: e.phxRef, Meta: e.meta})
	}
	return out
}

// GetStats returns hub-wide counts for the admin surface.
func (h *Hub) GetStats() map[string]interface{} {
	topics := 0
	private := 0
	subscribers := 0
	presences := 0
	for _, sh := range h.shards {
		sh.mu.Lock()
		topics += len(sh.topics)
		for _, t := range sh.topics {
			if t.private {
				private++
			}
			subscribers += len(t.subs)
			for _, entries := range t.presence.entries {
				presences += len(entries)
			}
		}
		sh.mu.Unlock()
	}
	return map[string]interface{}{
		"shards":         len(h.shards),
		"topics":         topics,
		"private_topics": private,
		"subscribers":    subscribers,
		"presences":      presences,
	}
}
