package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/tenant"
)

// maxBodyBytes caps JSON request bodies on the broadcast and admin
// endpoints.
const maxBodyBytes = 1 << 20

var errNoTenant = errors.New("tenant could not be resolved")

// handleWebSocket resolves the tenant for the request and hands the
// connection to the gateway for the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	externalID, err := s.resolveTenant(r)
	if err != nil {
		s.writeTenantError(w, err)
		return
	}
	s.gateway.ServeWS(w, r, externalID)
}

// resolveTenant maps a request to a tenant external ID. The first Host
// label names the tenant; bare hostnames and IP literals carry no
// tenant, so those requests fall back to the apikey header.
func (s *Server) resolveTenant(r *http.Request) (string, error) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		if labels := strings.Split(host, "."); len(labels) >= 2 {
			return labels[0], nil
		}
	}

	apiKey := r.Header.Get("apikey")
	if apiKey == "" {
		return "", errNoTenant
	}
	t, err := s.registry.LookupByAPIKey(r.Context(), apiKey)
	if err != nil {
		return "", err
	}
	return t.ExternalID, nil
}

type broadcastRequest struct {
	Messages []broadcastMessage `json:"messages"`
}

type broadcastMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Private bool            `json:"private"`
}

type broadcastFailure struct {
	Index  int    `json:"index"`
	Topic  string `json:"topic,omitempty"`
	Reason string `json:"reason"`
}

// handleBroadcast publishes a batch of messages on behalf of a backend
// holding the tenant's API key. Messages fan out to local subscribers
// and relay to peer nodes; failures are reported per message.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("apikey")
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	ten, err := s.registry.LookupByAPIKey(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		s.writeTenantError(w, err)
		return
	}

	var req broadcastRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no messages to broadcast")
		return
	}

	node, err := s.supervisor.Ensure(r.Context(), ten.ExternalID)
	if err != nil {
		s.writeTenantError(w, err)
		return
	}

	limiter := s.limits.For(node.Tenant())
	var failures []broadcastFailure
	for i, msg := range req.Messages {
		switch {
		case msg.Topic == "":
			failures = append(failures, broadcastFailure{Index: i, Reason: "topic is required"})
		case msg.Event == "":
			failures = append(failures, broadcastFailure{Index: i, Topic: msg.Topic, Reason: "event is required"})
		case !limiter.Allow(ratelimit.ClassEvents):
			failures = append(failures, broadcastFailure{Index: i, Topic: msg.Topic, Reason: "rate limit exceeded"})
		default:
			s.gateway.Publish(r.Context(), node, msg.Topic, msg.Event, msg.Payload, msg.Private)
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"status": "partial",
			"errors": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthz reports process liveness. It deliberately touches no
// database so a control-plane outage does not fail the probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.cfg.Metrics.Enable && !s.metrics.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"node":           s.cluster.NodeID(),
		"uptime_seconds": s.stats.GetUptime(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"node":           s.cluster.NodeID(),
		"uptime_seconds": s.stats.GetUptime(),
		"tenants":        s.supervisor.GetStats(),
		"sessions":       s.gateway.GetStats(),
		"hub":            s.hub.GetStats(),
		"cluster":        s.cluster.GetStats(),
		"rate_limiters":  s.limits.GetStats(),
		"tenants_cached": s.registry.Len(),
	}
	if host, err := s.stats.GetHostStats(); err == nil {
		out["host"] = host
	}
	if snap, err := s.metrics.GetMetricsSnapshot(); err == nil {
		out["metrics"] = snap
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeTenantError(w http.ResponseWriter, err error) {
	var unavailable *tenant.UnavailableError
	switch {
	case errors.Is(err, errNoTenant):
		writeError(w, http.StatusUnauthorized, "tenant could not be resolved")
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, tenant.ErrTenantSuspended):
		writeError(w, http.StatusForbidden, "tenant suspended")
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, "tenant unavailable")
	default:
		s.logger.WithError(err).Error("Tenant resolution failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
