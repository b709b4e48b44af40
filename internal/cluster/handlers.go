package cluster

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// HandleGossip answers a peer's announcement with this node's own
// info. Mounted behind the cluster HMAC middleware.
func (m *Manager) HandleGossip(w http.ResponseWriter, r *http.Request) {
	var info NodeInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "invalid gossip payload", http.StatusBadRequest)
		return
	}
	if info.NodeID != "" && info.NodeID != m.self.NodeID {
		m.observePeer(info, "")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.selfInfo())
}

// HandleRelay applies a relayed event to local state. Duplicate
// (origin, seq) tags within the dedup window are dropped, so redundant
// delivery paths during membership churn stay harmless.
func (m *Manager) HandleRelay(w http.ResponseWriter, r *http.Request) {
	var env relayEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid relay payload", http.StatusBadRequest)
		return
	}
	if env.OriginNode == "" || env.OriginNode == m.self.NodeID {
		w.WriteHeader(http.StatusOK)
		return
	}

	key := env.OriginNode + "#" + strconv.FormatUint(env.OriginSeq, 36)
	if m.seen.Contains(key) {
		m.metrics.RecordRelayDuplicate()
		w.WriteHeader(http.StatusOK)
		return
	}
	m.seen.Add(key, struct{}{})

	ok := true
	switch env.Kind {
	case relayBroadcast:
		m.hub.BroadcastRemote(env.Tenant, env.Topic, env.Event, env.Payload)
	case relayPresenceDiff:
		m.hub.MergeRemoteDiff(env.Tenant, env.Topic, env.Joins, env.Leaves, env.OriginNode)
	case relayChange:
		if env.Change == nil || m.receiver == nil {
			break
		}
		if err := m.receiver.ApplyChange(r.Context(), env.Tenant, env.Change); err != nil {
			m.logger.WithError(err).WithField("tenant", env.Tenant).Warn("Relayed change not applied")
			ok = false
		}
	default:
		http.Error(w, "unknown relay kind", http.StatusBadRequest)
		return
	}
	m.metrics.RecordRelay("in", ok)
	w.WriteHeader(http.StatusOK)
}

// HandleHandover resolves a pending grace window when the tenant's new
// owner reports its replicator ready. The reply says whether this node
// was actually waiting.
func (m *Manager) HandleHandover(w http.ResponseWriter, r *http.Request) {
	var sig handoverSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "invalid handover payload", http.StatusBadRequest)
		return
	}
	resolved := m.resolveGrace(sig.Tenant, "owner_ready")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(handoverReply{Resolved: resolved})
}

// HandleInvalidate evicts a tenant's cached control-plane state.
func (m *Manager) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var sig invalidateSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "invalid invalidate payload", http.StatusBadRequest)
		return
	}
	if sig.Tenant != "" && m.onInvalidate != nil {
		m.onInvalidate(sig.Tenant)
	}
	w.WriteHeader(http.StatusOK)
}
