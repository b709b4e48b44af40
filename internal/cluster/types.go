package cluster

import (
	"time"

	"github.com/wavecast/wavecast/internal/hub"
)

// Cluster-internal endpoint paths. The server mounts these behind the
// HMAC node-auth middleware.
const (
	GossipPath     = "/cluster/v1/gossip"
	RelayPath      = "/cluster/v1/relay"
	HandoverPath   = "/cluster/v1/handover"
	InvalidatePath = "/cluster/v1/invalidate"
)

// Relay envelope kinds.
const (
	relayBroadcast    = "broadcast"
	relayPresenceDiff = "presence_diff"
	relayChange       = "change"
)

// NodeInfo is the identity a node announces in gossip exchanges. The
// load fields are informational; routing uses only NodeID.
type NodeInfo struct {
	NodeID     string    `json:"node_id"`
	Name       string    `json:"name"`
	Addr       string    `json:"addr"`
	StartedAt  time.Time `json:"started_at"`
	CPUPercent float64   `json:"cpu"`
	MemPercent float64   `json:"mem"`
}

// relayEnvelope carries one cross-node event. OriginNode and OriginSeq
// identify it for receiver-side dedup; the same envelope may arrive
// over several paths when membership is in flux.
type relayEnvelope struct {
	Kind       string           `json:"kind"`
	Tenant     string           `json:"tenant"`
	Topic      string           `json:"topic,omitempty"`
	Event      string           `json:"event,omitempty"`
	Payload    interface{}      `json:"payload,omitempty"`
	Joins      []hub.RemoteMeta `json:"joins,omitempty"`
	Leaves     []hub.RemoteMeta `json:"leaves,omitempty"`
	Change     *hub.Change      `json:"change,omitempty"`
	OriginNode string           `json:"origin_node"`
	OriginSeq  uint64           `json:"origin_seq"`
}

// handoverSignal announces that the sender's replicator for a tenant
// is serving, so the previous owner can stop replicating early.
type handoverSignal struct {
	Tenant string `json:"tenant"`
	NodeID string `json:"node_id"`
}

// handoverReply tells the sender whether the receiver was actually
// waiting on the signal.
type handoverReply struct {
	Resolved bool `json:"resolved"`
}

// invalidateSignal tells peers a tenant's control-plane record changed.
type invalidateSignal struct {
	Tenant string `json:"tenant"`
}
