package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/cluster"
	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/middleware"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/realtime"
	"github.com/wavecast/wavecast/internal/tenant"
)

const (
	testJWTSecret = "server-test-secret"
	testAdminKey  = "admin-test-key"
)

// memStore is an in-memory control plane. It backs both the admin API
// (TenantStore) and the registry (tenant.Fetcher), so cache
// invalidation is observable end to end.
type memStore struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newMemStore(seed []*tenant.Tenant) *memStore {
	s := &memStore{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range seed {
		cp := *t
		s.tenants[t.ExternalID] = &cp
	}
	return s
}

func (s *memStore) Create(ctx context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ExternalID]; ok {
		return tenant.ErrTenantExists
	}
	cp := *t
	s.tenants[t.ExternalID] = &cp
	return nil
}

func (s *memStore) GetByExternalID(ctx context.Context, externalID string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[externalID]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) GetByAPIKey(ctx context.Context, apiKey string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.APIKey == apiKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

func (s *memStore) List(ctx context.Context) ([]*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ExternalID]; !ok {
		return tenant.ErrTenantNotFound
	}
	cp := *t
	s.tenants[t.ExternalID] = &cp
	return nil
}

func (s *memStore) Delete(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[externalID]; !ok {
		return tenant.ErrTenantNotFound
	}
	delete(s.tenants, externalID)
	return nil
}

type allowAllAuthz struct{}

func (allowAllAuthz) CanRead(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error) {
	return true, nil
}

func (allowAllAuthz) CanWrite(ctx context.Context, node *tenant.Node, topic string, claims *auth.Claims) (bool, error) {
	return true, nil
}

func testTenant(externalID string) *tenant.Tenant {
	return &tenant.Tenant{
		ID:                   externalID,
		ExternalID:           externalID,
		JWTSecret:            testJWTSecret,
		APIKey:               "key-" + externalID,
		MaxConcurrentClients: 16,
		MaxEventsPerSecond:   1000,
		MaxJoinsPerSecond:    500,
		MaxBytesPerSecond:    5 << 20,
		MaxChannelsPerClient: 100,
	}
}

type serverEnv struct {
	srv      *httptest.Server
	store    *memStore
	registry *tenant.Registry
	sup      *tenant.Manager
	cluster  *cluster.Manager
	cfg      *config.Config
}

func newServerEnv(t *testing.T, tenants []*tenant.Tenant, opts ...func(*config.Config)) *serverEnv {
	t.Helper()

	base := logrus.New()
	base.SetLevel(logrus.PanicLevel)
	logger := base.WithField("component", "test")

	cfg := &config.Config{
		Listen:        "127.0.0.1:0",
		AppName:       "wavecast-test",
		SecretKeyBase: "server-test-secret-base",
		AdminAPIKey:   testAdminKey,
		Session: config.SessionConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxFrameBytes:     1 << 20,
			QueueDepth:        64,
			QueueBytes:        1 << 20,
		},
		Tenant: config.TenantConfig{
			CacheTTL:          time.Minute,
			CacheSize:         16,
			PoolMaxConns:      2,
			IdleShutdownAfter: time.Minute,
			DrainTimeout:      time.Second,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m := metrics.NewManager(cfg.Metrics)
	require.NoError(t, m.Start(context.Background()))
	store := newMemStore(tenants)
	registry := tenant.NewRegistry(store, cfg.Tenant, m, logger)
	sup := tenant.NewManager(*cfg, registry, nil, tenant.OwnAll{}, m, logger)
	t.Cleanup(sup.Shutdown)

	h := hub.New("node-test", 4, m, logger)
	limits := ratelimit.NewRegistry(m, logger)
	gw := realtime.NewGateway(*cfg, sup, auth.NewVerifier(*cfg, m, logger), allowAllAuthz{}, limits, h, m, logger)
	sup.SetSessionCloser(gw)

	cl := cluster.NewManager(*cfg, h, m, logger)
	cl.SetInvalidateListener(func(externalID string) {
		sup.HandleInvalidate(context.Background(), externalID)
	})

	srv, err := New(cfg, Deps{
		Registry:   registry,
		Store:      store,
		Supervisor: sup,
		Gateway:    gw,
		Hub:        h,
		Cluster:    cl,
		Limits:     limits,
		Metrics:    m,
	}, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverEnv{srv: ts, store: store, registry: registry, sup: sup, cluster: cl, cfg: cfg}
}

// doJSON sends a JSON request and decodes the JSON response, if any.
func (e *serverEnv) doJSON(t *testing.T, method, path string, headers map[string]string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func (e *serverEnv) adminJSON(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	return e.doJSON(t, method, path, map[string]string{"Authorization": "Bearer " + testAdminKey}, body)
}

type wsFrame struct {
	Topic   string                 `json:"topic"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
	Ref     string                 `json:"ref"`
	JoinRef string                 `json:"join_ref"`
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
	refs int
}

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *wsConn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket"
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func dialWSExpectStatus(t *testing.T, srv *httptest.Server, header http.Header, status int) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket"
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	if conn != nil {
		conn.Close()
	}
	assert.Equal(t, status, resp.StatusCode)
}

func (c *wsConn) send(topic, event string, payload interface{}) string {
	c.t.Helper()
	c.refs++
	ref := strconv.Itoa(c.refs)
	frame := map[string]interface{}{"topic": topic, "event": event, "payload": payload, "ref": ref}
	if event == "phx_join" {
		frame["join_ref"] = ref
	}
	require.NoError(c.t, c.conn.WriteJSON(frame))
	return ref
}

func (c *wsConn) recvEvent(event string) *wsFrame {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m wsFrame
		require.NoError(c.t, c.conn.ReadJSON(&m))
		if m.Event == event {
			return &m
		}
	}
	c.t.Fatalf("no %s frame received", event)
	return nil
}

func (c *wsConn) join(topic string) {
	c.t.Helper()
	ref := c.send(topic, "phx_join", map[string]interface{}{})
	reply := c.recvEvent("phx_reply")
	require.Equal(c.t, ref, reply.Ref)
	require.Equal(c.t, "ok", reply.Payload["status"])
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, body := env.doJSON(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["node"])
}

func TestWebSocketSubdomainResolution(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	header := http.Header{}
	header.Set("Host", "acme.wavecast.test")
	c := dialWS(t, env.srv, header)
	c.join("lobby")
}

func TestWebSocketAPIKeyFallback(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	// The httptest host is an IP literal, so resolution falls through
	// to the apikey header.
	header := http.Header{}
	header.Set("apikey", "key-acme")
	c := dialWS(t, env.srv, header)

	ref := c.send("phoenix", "heartbeat", map[string]interface{}{})
	reply := c.recvEvent("phx_reply")
	assert.Equal(t, ref, reply.Ref)
	assert.Equal(t, "ok", reply.Payload["status"])
}

func TestWebSocketUnknownTenant(t *testing.T) {
	env := newServerEnv(t, nil)

	header := http.Header{}
	header.Set("Host", "ghost.wavecast.test")
	dialWSExpectStatus(t, env.srv, header, http.StatusNotFound)
}

func TestWebSocketNoTenant(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})
	dialWSExpectStatus(t, env.srv, nil, http.StatusUnauthorized)
}

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	header := http.Header{}
	header.Set("Host", "acme.wavecast.test")
	c := dialWS(t, env.srv, header)
	c.join("room:1")

	resp, body := env.doJSON(t, http.MethodPost, "/api/broadcast",
		map[string]string{"apikey": "key-acme"},
		map[string]interface{}{"messages": []map[string]interface{}{
			{"topic": "room:1", "event": "sale", "payload": map[string]interface{}{"amount": 42}},
		}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	frame := c.recvEvent("broadcast")
	assert.Equal(t, "room:1", frame.Topic)
	assert.Equal(t, "sale", frame.Payload["event"])
	inner, ok := frame.Payload["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), inner["amount"])
}

func TestBroadcastAuth(t *testing.T) {
	suspended := testTenant("frozen")
	suspended.Suspended = true
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme"), suspended})

	message := map[string]interface{}{"messages": []map[string]interface{}{
		{"topic": "room:1", "event": "e"},
	}}

	resp, body := env.doJSON(t, http.MethodPost, "/api/broadcast", nil, message)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing API key", body["error"])

	resp, body = env.doJSON(t, http.MethodPost, "/api/broadcast",
		map[string]string{"apikey": "key-ghost"}, message)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid API key", body["error"])

	resp, body = env.doJSON(t, http.MethodPost, "/api/broadcast",
		map[string]string{"apikey": "key-frozen"}, message)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant suspended", body["error"])
}

func TestBroadcastValidation(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})
	headers := map[string]string{"apikey": "key-acme"}

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/broadcast", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("apikey", "key-acme")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, _ := env.doJSON(t, http.MethodPost, "/api/broadcast", headers,
		map[string]interface{}{"messages": []map[string]interface{}{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)

	resp3, body := env.doJSON(t, http.MethodPost, "/api/broadcast", headers,
		map[string]interface{}{"messages": []map[string]interface{}{
			{"event": "no-topic"},
			{"topic": "room:1"},
			{"topic": "room:1", "event": "ok"},
		}})
	require.Equal(t, http.StatusMultiStatus, resp3.StatusCode)
	assert.Equal(t, "partial", body["status"])

	errs, ok := body["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 2)
	first := errs[0].(map[string]interface{})
	assert.Equal(t, float64(0), first["index"])
	assert.Equal(t, "topic is required", first["reason"])
	second := errs[1].(map[string]interface{})
	assert.Equal(t, float64(1), second["index"])
	assert.Equal(t, "event is required", second["reason"])
}

func TestBroadcastRateLimited(t *testing.T) {
	tn := testTenant("acme")
	tn.MaxEventsPerSecond = 2
	env := newServerEnv(t, []*tenant.Tenant{tn})

	messages := make([]map[string]interface{}, 4)
	for i := range messages {
		messages[i] = map[string]interface{}{"topic": "room:1", "event": "e"}
	}

	resp, body := env.doJSON(t, http.MethodPost, "/api/broadcast",
		map[string]string{"apikey": "key-acme"},
		map[string]interface{}{"messages": messages})
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	errs, ok := body["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, "rate limit exceeded", e.(map[string]interface{})["reason"])
	}
}

func TestAdminAuth(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, _ := env.doJSON(t, http.MethodGet, "/admin/tenants", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.doJSON(t, http.MethodGet, "/admin/tenants",
		map[string]string{"Authorization": "Bearer wrong-key"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.adminJSON(t, http.MethodGet, "/admin/tenants", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	env := newServerEnv(t, nil, func(cfg *config.Config) { cfg.AdminAPIKey = "" })

	resp, _ := env.doJSON(t, http.MethodGet, "/admin/tenants",
		map[string]string{"Authorization": "Bearer " + testAdminKey}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminTenantCRUD(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, body := env.adminJSON(t, http.MethodPost, "/admin/tenants",
		map[string]interface{}{"external_id": "newco", "jwt_secret": "newco-secret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "newco", body["external_id"])
	assert.Equal(t, float64(200), body["max_concurrent_clients"])

	resp, _ = env.adminJSON(t, http.MethodPost, "/admin/tenants",
		map[string]interface{}{"external_id": "newco", "jwt_secret": "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.adminJSON(t, http.MethodGet, "/admin/tenants/newco", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "newco", body["external_id"])

	resp, body = env.adminJSON(t, http.MethodGet, "/admin/tenants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, ok := body["tenants"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)

	resp, body = env.adminJSON(t, http.MethodPatch, "/admin/tenants/newco",
		map[string]interface{}{"max_concurrent_clients": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), body["max_concurrent_clients"])

	stored, err := env.store.GetByExternalID(context.Background(), "newco")
	require.NoError(t, err)
	assert.Equal(t, 7, stored.MaxConcurrentClients)
	assert.Equal(t, "newco-secret", stored.JWTSecret)

	resp, _ = env.adminJSON(t, http.MethodDelete, "/admin/tenants/newco", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.adminJSON(t, http.MethodGet, "/admin/tenants/newco", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminCreateValidation(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, _ := env.adminJSON(t, http.MethodPost, "/admin/tenants",
		map[string]interface{}{"external_id": "Bad_ID", "jwt_secret": "s"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.adminJSON(t, http.MethodPost, "/admin/tenants",
		map[string]interface{}{"external_id": "no-secret"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdminUpdateEvictsCache(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	_, err := env.registry.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, 1, env.registry.Len())

	resp, _ := env.adminJSON(t, http.MethodPatch, "/admin/tenants/acme",
		map[string]interface{}{"max_events_per_second": 9})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, env.registry.Len())

	fresh, err := env.registry.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 9, fresh.MaxEventsPerSecond)
}

func TestAdminReload(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	resp, body := env.adminJSON(t, http.MethodPost, "/admin/tenants/acme/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acme", body["external_id"])

	resp, _ = env.adminJSON(t, http.MethodPost, "/admin/tenants/ghost/reload", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminStats(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	resp, body := env.adminJSON(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["node"])
	assert.Contains(t, body, "tenants")
	assert.Contains(t, body, "hub")
	assert.Contains(t, body, "cluster")
}

func TestClusterGossipEndpoint(t *testing.T) {
	env := newServerEnv(t, nil)

	raw, err := json.Marshal(map[string]string{"node_id": "peer@other", "name": "peer", "addr": "http://other:4000"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+cluster.GossipPath, bytes.NewReader(raw))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, env.srv.URL+cluster.GossipPath, bytes.NewReader(raw))
	require.NoError(t, err)
	middleware.SignClusterRequest(req, "peer@other", env.cfg.SecretKeyBase)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var self map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&self))
	assert.Equal(t, env.cluster.NodeID(), self["node_id"])
}

func TestClusterInvalidateEvictsTenant(t *testing.T) {
	env := newServerEnv(t, []*tenant.Tenant{testTenant("acme")})

	_, err := env.registry.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, 1, env.registry.Len())

	raw, err := json.Marshal(map[string]string{"tenant": "acme"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+cluster.InvalidatePath, bytes.NewReader(raw))
	require.NoError(t, err)
	middleware.SignClusterRequest(req, "peer@other", env.cfg.SecretKeyBase)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, env.registry.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newServerEnv(t, nil, func(cfg *config.Config) {
		cfg.Metrics = config.MetricsConfig{Enable: true, Path: "/metrics"}
	})

	// Generate one observation so the counter vectors render.
	resp, _ := env.doJSON(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "wavecast_http_requests_total")
}
