package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/tenant"
)

// TokenVerifier validates a bearer token against a tenant's JWT
// material. Satisfied by *auth.Verifier.
type TokenVerifier interface {
	Verify(ten *tenant.Tenant, token string) (*auth.Claims, error)
}

// TopicAuthorizer resolves topic access for private channels.
// Satisfied by *authz.Authorizer.
type TopicAuthorizer interface {
	CanRead(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error)
	CanWrite(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error)
}

// Gateway upgrades websocket requests into sessions and owns the live
// session registry. It is the SessionCloser the tenant supervisor
// drains through.
type Gateway struct {
	cfg        config.Config
	supervisor *tenant.Manager
	verifier   TokenVerifier
	authorizer TopicAuthorizer
	limits     *ratelimit.Registry
	hub        *hub.Hub
	sessions   *registry
	metrics    metrics.Manager
	logger     *logrus.Entry
	upgrader   websocket.Upgrader
}

func NewGateway(cfg config.Config, supervisor *tenant.Manager, verifier TokenVerifier, authorizer TopicAuthorizer, limits *ratelimit.Registry, h *hub.Hub, m metrics.Manager, logger *logrus.Entry) *Gateway {
	return &Gateway{
		cfg:        cfg,
		supervisor: supervisor,
		verifier:   verifier,
		authorizer: authorizer,
		limits:     limits,
		hub:        h,
		sessions:   newRegistry(),
		metrics:    m,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin; access control is
			// token-based, not origin-based.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades one websocket request for an already-selected
// tenant. Everything that can be refused cheaply happens before the
// upgrade so the client gets a real HTTP status.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, externalID string) {
	node, err := g.supervisor.Ensure(r.Context(), externalID)
	if err != nil {
		g.writeEnsureError(w, externalID, err)
		return
	}

	var claims *auth.Claims
	if token := bearerToken(r); token != "" {
		claims, err = g.verifier.Verify(node.Tenant(), token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, authReason(err))
			return
		}
	}

	if err := node.AttachSession(); err != nil {
		writeJSONError(w, http.StatusTooManyRequests, "too many concurrent clients")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		node.DetachSession()
		g.logger.WithError(err).WithField("tenant", externalID).Debug("Websocket upgrade failed")
		return
	}

	s := newSession(g, node, conn, uuid.NewString(), claims)
	g.sessions.add(s)
	g.metrics.SessionOpened(externalID)
	s.logger.WithField("remote", r.RemoteAddr).Info("Session opened")
	s.run()
}

// CloseTenantSessions signals every live session of a tenant to close.
// Sessions deregister themselves as their pumps exit.
func (g *Gateway) CloseTenantSessions(externalID, reason string) int {
	return g.sessions.closeTenant(externalID, reason)
}

// Publish dispatches a server-originated broadcast, the HTTP fan-in
// path. Subscribers receive the same frame a client broadcast would
// produce; the sender is anonymous so nobody is excluded. Returns the
// local delivery count.
func (g *Gateway) Publish(ctx context.Context, node *tenant.Node, topic, event string, payload json.RawMessage, private bool) int {
	externalID := node.Tenant().ExternalID
	n := g.hub.Broadcast(externalID, topic, evtBroadcast, broadcastEnvelope(event, payload), "")
	persistBroadcast(ctx, node, topic, event, payload, private, g.logger)
	return n
}

// Sessions returns the live session count.
func (g *Gateway) Sessions() int {
	return g.sessions.len()
}

func (g *Gateway) GetStats() map[string]interface{} {
	return g.sessions.getStats()
}

func (g *Gateway) writeEnsureError(w http.ResponseWriter, externalID string, err error) {
	var unavailable *tenant.UnavailableError
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeJSONError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, tenant.ErrTenantSuspended):
		writeJSONError(w, http.StatusForbidden, "tenant suspended")
	case errors.As(err, &unavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "tenant unavailable")
	default:
		g.logger.WithError(err).WithField("tenant", externalID).Error("Tenant start failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// bearerToken extracts the connect-time JWT: the apikey query
// parameter wins, then the Authorization header. Empty means the
// client will authenticate with an access_token frame.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("apikey"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
