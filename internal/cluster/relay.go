package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/middleware"
)

// RelayBroadcast forwards a locally published broadcast to every live
// peer. Best effort: a full queue or a dead peer drops the event.
func (m *Manager) RelayBroadcast(tenantID, topic, event string, payload interface{}) {
	m.enqueueAll(relayEnvelope{
		Kind:    relayBroadcast,
		Tenant:  tenantID,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
}

// RelayPresenceDiff forwards a local presence change to every live peer.
func (m *Manager) RelayPresenceDiff(tenantID, topic string, joins, leaves []hub.RemoteMeta) {
	m.enqueueAll(relayEnvelope{
		Kind:   relayPresenceDiff,
		Tenant: tenantID,
		Topic:  topic,
		Joins:  joins,
		Leaves: leaves,
	})
}

// ForwardChange forwards a decoded database change to every live peer.
// Receivers resolve visibility against their own subscribers, so the
// full change travels.
func (m *Manager) ForwardChange(tenantID string, change *hub.Change) {
	m.enqueueAll(relayEnvelope{
		Kind:   relayChange,
		Tenant: tenantID,
		Change: change,
	})
}

// BroadcastInvalidate tells peers a tenant's control-plane record
// changed so they drop cached copies ahead of the TTL.
func (m *Manager) BroadcastInvalidate(externalID string) {
	body, err := json.Marshal(invalidateSignal{Tenant: externalID})
	if err != nil {
		return
	}
	for _, p := range m.livePeers() {
		m.offer(p, relayJob{path: InvalidatePath, body: body})
	}
}

// enqueueAll stamps the envelope with this node's origin tag, marshals
// it once and hands it to every peer's sender.
func (m *Manager) enqueueAll(env relayEnvelope) {
	peers := m.livePeers()
	if len(peers) == 0 {
		return
	}

	env.OriginNode = m.self.NodeID
	env.OriginSeq = m.originSeq.Add(1)
	body, err := json.Marshal(env)
	if err != nil {
		m.logger.WithError(err).WithField("kind", env.Kind).Warn("Relay envelope not serializable")
		return
	}
	for _, p := range peers {
		m.offer(p, relayJob{path: RelayPath, body: body})
	}
}

// enqueueTo targets a single peer, used for presence replay on join.
func (m *Manager) enqueueTo(p *peer, env relayEnvelope) {
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.offer(p, relayJob{path: RelayPath, body: body})
}

func (m *Manager) offer(p *peer, job relayJob) {
	select {
	case p.queue <- job:
	default:
		// Dropping beats blocking the hub's dispatch path.
		m.metrics.RecordRelay("out", false)
		m.logger.WithField("peer", p.id).Debug("Relay queue full, dropping event")
	}
}

func (m *Manager) livePeers() []*peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

func (m *Manager) peerAddr(p *peer) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.addr
}

// runSender drains one peer's queue. Sends go through the peer's
// circuit breaker so a dead peer costs one timeout per cooldown, not
// one per event.
func (m *Manager) runSender(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case job := <-p.queue:
			err := p.breaker.Call(func() error {
				return m.post(m.peerAddr(p)+job.path, job.body)
			})
			if job.path == RelayPath {
				m.metrics.RecordRelay("out", err == nil)
			}
			if err != nil && !errors.Is(err, ErrCircuitOpen) {
				m.logger.WithError(err).WithField("peer", p.id).Debug("Relay send failed")
			}
		}
	}
}

func (m *Manager) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RelayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	middleware.SignClusterRequest(req, m.self.NodeID, m.secret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) postGossip(ctx context.Context, addr string, info NodeInfo) (*NodeInfo, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RelayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+GossipPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	middleware.SignClusterRequest(req, m.self.NodeID, m.secret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	var reply NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (m *Manager) postHandover(ctx context.Context, addr string, sig handoverSignal) (*handoverReply, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RelayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+HandoverPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	middleware.SignClusterRequest(req, m.self.NodeID, m.secret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	var reply handoverReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
