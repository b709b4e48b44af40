package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavecast/wavecast/internal/config"
)

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Session Metrics
	SessionOpened(tenant string)
	SessionClosed(tenant, reason string)
	RecordFrameIn(tenant string, bytes int)
	RecordFrameOut(tenant string, bytes int)

	// Channel Metrics
	RecordJoin(tenant string, success bool)
	RecordLeave(tenant string)
	ChannelOpened(tenant string)
	ChannelClosed(tenant string)
	RecordPresenceEvent(tenant, kind string)

	// Message Metrics
	RecordMessage(tenant, kind string)
	RecordDelivery(tenant, kind string, subscribers int)
	RecordDrop(tenant, reason string)

	// CDC Metrics
	RecordCDCRecords(tenant string, records, bytes int)
	RecordCDCError(tenant, stage string)
	ObserveCDCPoll(tenant string, duration time.Duration)
	SetCDCLagBytes(tenant string, lag float64)

	// Cluster Metrics
	SetClusterPeers(n int)
	RecordRelay(direction string, success bool)
	RecordRelayDuplicate()
	RecordHandover(role string)

	// Rate Limit Metrics
	RecordRateLimited(tenant, class string)

	// Authentication Metrics
	RecordAuthAttempt(method string, success bool)
	RecordAuthFailure(method, reason string)

	// Cache Metrics
	RecordCacheLookup(cache string, hit bool)

	// Tenant Metrics
	SetTenantsActive(n int)

	// System Metrics
	UpdateSystemMetrics(cpuUsage, memoryUsage float64, goroutines int)

	// Log Metrics
	RecordLogEntry(level string)

	// Export and Health
	GetMetricsHandler() http.Handler
	GetMetricsSnapshot() (map[string]interface{}, error)
	IsHealthy() bool

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	// Configuration
	config MetricsConfig

	// Prometheus registry and metrics
	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Session Metrics
	sessionsConnected *prometheus.GaugeVec
	sessionsTotal     *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	framesInTotal     *prometheus.CounterVec
	framesOutTotal    *prometheus.CounterVec
	bytesInTotal      *prometheus.CounterVec
	bytesOutTotal     *prometheus.CounterVec

	// Channel Metrics
	joinsTotal          *prometheus.CounterVec
	leavesTotal         *prometheus.CounterVec
	channelsOpen        *prometheus.GaugeVec
	presenceEventsTotal *prometheus.CounterVec

	// Message Metrics
	messagesTotal   *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	dropsTotal      *prometheus.CounterVec

	// CDC Metrics
	cdcRecordsTotal *prometheus.CounterVec
	cdcBytesTotal   *prometheus.CounterVec
	cdcErrorsTotal  *prometheus.CounterVec
	cdcPollDuration *prometheus.HistogramVec
	cdcLagBytes     *prometheus.GaugeVec

	// Cluster Metrics
	clusterPeers         prometheus.Gauge
	relaysTotal          *prometheus.CounterVec
	relayDuplicatesTotal prometheus.Counter
	handoversTotal       *prometheus.CounterVec

	// Rate Limit Metrics
	rateLimitedTotal *prometheus.CounterVec

	// Authentication Metrics
	authAttemptsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec

	// Tenant Metrics
	tenantsActive prometheus.Gauge

	// System Metrics
	systemCPUUsage    prometheus.Gauge
	systemMemoryUsage prometheus.Gauge
	systemGoroutines  prometheus.Gauge

	// Log Metrics
	logEntriesTotal *prometheus.CounterVec

	// Lifecycle
	started bool
	mu      sync.RWMutex
}

// MetricsConfig holds configuration for the metrics system
type MetricsConfig struct {
	Enabled   bool          `json:"enabled"`
	Path      string        `json:"path"`
	Namespace string        `json:"namespace"`
	Interval  time.Duration `json:"interval"`
}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	metricsConfig := MetricsConfig{
		Enabled:   cfg.Enable,
		Path:      cfg.Path,
		Namespace: "wavecast",
		Interval:  cfg.Interval,
	}

	if !metricsConfig.Enabled {
		return &noopManager{}
	}

	// Set defaults
	if metricsConfig.Path == "" {
		metricsConfig.Path = "/metrics"
	}
	if metricsConfig.Interval == 0 {
		metricsConfig.Interval = 15 * time.Second
	}

	registry := prometheus.NewRegistry()

	manager := &metricsManager{
		config:   metricsConfig,
		registry: registry,
	}

	manager.initializeMetrics()
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	namespace := m.config.Namespace

	// HTTP Metrics
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session Metrics
	m.sessionsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "connected",
			Help:      "Currently connected websocket sessions",
		},
		[]string{"tenant"},
	)

	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total number of websocket sessions opened",
		},
		[]string{"tenant"},
	)

	m.sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of websocket sessions closed",
		},
		[]string{"tenant", "reason"},
	)

	m.framesInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "frames_in_total",
			Help:      "Total number of inbound websocket frames",
		},
		[]string{"tenant"},
	)

	m.framesOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "frames_out_total",
			Help:      "Total number of outbound websocket frames",
		},
		[]string{"tenant"},
	)

	m.bytesInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "bytes_in_total",
			Help:      "Total inbound websocket payload bytes",
		},
		[]string{"tenant"},
	)

	m.bytesOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "bytes_out_total",
			Help:      "Total outbound websocket payload bytes",
		},
		[]string{"tenant"},
	)

	// Channel Metrics
	m.joinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "joins_total",
			Help:      "Total number of channel join attempts",
		},
		[]string{"tenant", "status"},
	)

	m.leavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "leaves_total",
			Help:      "Total number of channel leaves",
		},
		[]string{"tenant"},
	)

	m.channelsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "open",
			Help:      "Currently open channel subscriptions",
		},
		[]string{"tenant"},
	)

	m.presenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Total number of presence track/untrack events",
		},
		[]string{"tenant", "kind"},
	)

	// Message Metrics
	m.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "total",
			Help:      "Total number of messages accepted for fan-out",
		},
		[]string{"tenant", "kind"},
	)

	m.deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "deliveries_total",
			Help:      "Total number of per-subscriber message deliveries",
		},
		[]string{"tenant", "kind"},
	)

	m.dropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "drops_total",
			Help:      "Total number of messages dropped before delivery",
		},
		[]string{"tenant", "reason"},
	)

	// CDC Metrics
	m.cdcRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "records_total",
			Help:      "Total number of WAL records polled",
		},
		[]string{"tenant"},
	)

	m.cdcBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "bytes_total",
			Help:      "Total WAL record bytes polled",
		},
		[]string{"tenant"},
	)

	m.cdcErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "errors_total",
			Help:      "Total number of replication errors",
		},
		[]string{"tenant", "stage"},
	)

	m.cdcPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "poll_duration_seconds",
			Help:      "Replication slot poll duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	m.cdcLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cdc",
			Name:      "lag_bytes",
			Help:      "Bytes between the slot confirmed LSN and the server WAL position",
		},
		[]string{"tenant"},
	)

	// Cluster Metrics
	m.clusterPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "peers",
			Help:      "Number of known cluster peers including self",
		},
	)

	m.relaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "relays_total",
			Help:      "Total number of cross-node message relays",
		},
		[]string{"direction", "status"},
	)

	m.relayDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "relay_duplicates_total",
			Help:      "Total number of relayed messages dropped as duplicates",
		},
	)

	m.handoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "handovers_total",
			Help:      "Total number of tenant ownership handovers",
		},
		[]string{"role"},
	)

	// Rate Limit Metrics
	m.rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "limited_total",
			Help:      "Total number of rate limited operations",
		},
		[]string{"tenant", "class"},
	)

	// Authentication Metrics
	m.authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"method", "status"},
	)

	m.authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"method", "reason"},
	)

	// Cache Metrics
	m.cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of cache lookups",
		},
		[]string{"cache", "result"},
	)

	// Tenant Metrics
	m.tenantsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenants",
			Name:      "active",
			Help:      "Number of tenants with a running supervisor",
		},
	)

	// System Metrics
	m.systemCPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "cpu_usage_percent",
			Help:      "System CPU usage percentage",
		},
	)

	m.systemMemoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_usage_percent",
			Help:      "System memory usage percentage",
		},
	)

	m.systemGoroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of live goroutines",
		},
	)

	// Log Metrics
	m.logEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "entries_total",
			Help:      "Total number of log entries at warning level or above",
		},
		[]string{"level"},
	)

	// Register all metrics
	m.registerMetrics()
}

// registerMetrics registers all metrics with the Prometheus registry
func (m *metricsManager) registerMetrics() {
	metrics := []prometheus.Collector{
		// HTTP
		m.httpRequestsTotal,
		m.httpRequestDuration,

		// Sessions
		m.sessionsConnected,
		m.sessionsTotal,
		m.sessionsClosed,
		m.framesInTotal,
		m.framesOutTotal,
		m.bytesInTotal,
		m.bytesOutTotal,

		// Channels
		m.joinsTotal,
		m.leavesTotal,
		m.channelsOpen,
		m.presenceEventsTotal,

		// Messages
		m.messagesTotal,
		m.deliveriesTotal,
		m.dropsTotal,

		// CDC
		m.cdcRecordsTotal,
		m.cdcBytesTotal,
		m.cdcErrorsTotal,
		m.cdcPollDuration,
		m.cdcLagBytes,

		// Cluster
		m.clusterPeers,
		m.relaysTotal,
		m.relayDuplicatesTotal,
		m.handoversTotal,

		// Rate limit
		m.rateLimitedTotal,

		// Auth
		m.authAttemptsTotal,
		m.authFailuresTotal,

		// Cache
		m.cacheLookupsTotal,

		// Tenants
		m.tenantsActive,

		// System
		m.systemCPUUsage,
		m.systemMemoryUsage,
		m.systemGoroutines,

		// Log
		m.logEntriesTotal,
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

// HTTP Metrics Implementation

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Session Metrics Implementation

func (m *metricsManager) SessionOpened(tenant string) {
	m.sessionsConnected.WithLabelValues(tenant).Inc()
	m.sessionsTotal.WithLabelValues(tenant).Inc()
}

func (m *metricsManager) SessionClosed(tenant, reason string) {
	m.sessionsConnected.WithLabelValues(tenant).Dec()
	m.sessionsClosed.WithLabelValues(tenant, reason).Inc()
}

func (m *metricsManager) RecordFrameIn(tenant string, bytes int) {
	m.framesInTotal.WithLabelValues(tenant).Inc()
	m.bytesInTotal.WithLabelValues(tenant).Add(float64(bytes))
}

func (m *metricsManager) RecordFrameOut(tenant string, bytes int) {
	m.framesOutTotal.WithLabelValues(tenant).Inc()
	m.bytesOutTotal.WithLabelValues(tenant).Add(float64(bytes))
}

// Channel Metrics Implementation

func (m *metricsManager) RecordJoin(tenant string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.joinsTotal.WithLabelValues(tenant, status).Inc()
}

func (m *metricsManager) RecordLeave(tenant string) {
	m.leavesTotal.WithLabelValues(tenant).Inc()
}

func (m *metricsManager) ChannelOpened(tenant string) {
	m.channelsOpen.WithLabelValues(tenant).Inc()
}

func (m *metricsManager) ChannelClosed(tenant string) {
	m.channelsOpen.WithLabelValues(tenant).Dec()
}

func (m *metricsManager) RecordPresenceEvent(tenant, kind string) {
	m.presenceEventsTotal.WithLabelValues(tenant, kind).Inc()
}

// Message Metrics Implementation

func (m *metricsManager) RecordMessage(tenant, kind string) {
	m.messagesTotal.WithLabelValues(tenant, kind).Inc()
}

func (m *metricsManager) RecordDelivery(tenant, kind string, subscribers int) {
	m.deliveriesTotal.WithLabelValues(tenant, kind).Add(float64(subscribers))
}

func (m *metricsManager) RecordDrop(tenant, reason string) {
	m.dropsTotal.WithLabelValues(tenant, reason).Inc()
}

// CDC Metrics Implementation

func (m *metricsManager) RecordCDCRecords(tenant string, records, bytes int) {
	m.cdcRecordsTotal.WithLabelValues(tenant).Add(float64(records))
	m.cdcBytesTotal.WithLabelValues(tenant).Add(float64(bytes))
}

func (m *metricsManager) RecordCDCError(tenant, stage string) {
	m.cdcErrorsTotal.WithLabelValues(tenant, stage).Inc()
}

func (m *metricsManager) ObserveCDCPoll(tenant string, duration time.Duration) {
	m.cdcPollDuration.WithLabelValues(tenant).Observe(duration.Seconds())
}

func (m *metricsManager) SetCDCLagBytes(tenant string, lag float64) {
	m.cdcLagBytes.WithLabelValues(tenant).Set(lag)
}

// Cluster Metrics Implementation

func (m *metricsManager) SetClusterPeers(n int) {
	m.clusterPeers.Set(float64(n))
}

func (m *metricsManager) RecordRelay(direction string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.relaysTotal.WithLabelValues(direction, status).Inc()
}

func (m *metricsManager) RecordRelayDuplicate() {
	m.relayDuplicatesTotal.Inc()
}

func (m *metricsManager) RecordHandover(role string) {
	m.handoversTotal.WithLabelValues(role).Inc()
}

// Rate Limit Metrics Implementation

func (m *metricsManager) RecordRateLimited(tenant, class string) {
	m.rateLimitedTotal.WithLabelValues(tenant, class).Inc()
}

// Authentication Metrics Implementation

func (m *metricsManager) RecordAuthAttempt(method string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.authAttemptsTotal.WithLabelValues(method, status).Inc()
}

func (m *metricsManager) RecordAuthFailure(method, reason string) {
	m.authFailuresTotal.WithLabelValues(method, reason).Inc()
}

// Cache Metrics Implementation

func (m *metricsManager) RecordCacheLookup(cache string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// Tenant Metrics Implementation

func (m *metricsManager) SetTenantsActive(n int) {
	m.tenantsActive.Set(float64(n))
}

// System Metrics Implementation

func (m *metricsManager) UpdateSystemMetrics(cpuUsage, memoryUsage float64, goroutines int) {
	m.systemCPUUsage.Set(cpuUsage)
	m.systemMemoryUsage.Set(memoryUsage)
	m.systemGoroutines.Set(float64(goroutines))
}

// Log Metrics Implementation

func (m *metricsManager) RecordLogEntry(level string) {
	m.logEntriesTotal.WithLabelValues(level).Inc()
}

// Export and Health Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) GetMetricsSnapshot() (map[string]interface{}, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	snapshot := map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"namespace": m.config.Namespace,
		"families":  len(families),
	}
	return snapshot, nil
}

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// HTTP Middleware Implementation

func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     200,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			m.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", wrapped.statusCode), duration)
		})
	}
}

// Lifecycle Implementation

func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	m.started = true
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("metrics manager not started")
	}

	m.started = false
	return nil
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack keeps WebSocket upgrades working through the middleware chain.
func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) SessionOpened(tenant string)                                           {}
func (n *noopManager) SessionClosed(tenant, reason string)                                   {}
func (n *noopManager) RecordFrameIn(tenant string, bytes int)                                {}
func (n *noopManager) RecordFrameOut(tenant string, bytes int)                               {}
func (n *noopManager) RecordJoin(tenant string, success bool)                                {}
func (n *noopManager) RecordLeave(tenant string)                                             {}
func (n *noopManager) ChannelOpened(tenant string)                                           {}
func (n *noopManager) ChannelClosed(tenant string)                                           {}
func (n *noopManager) RecordPresenceEvent(tenant, kind string)                               {}
func (n *noopManager) RecordMessage(tenant, kind string)                                     {}
func (n *noopManager) RecordDelivery(tenant, kind string, subscribers int)                   {}
func (n *noopManager) RecordDrop(tenant, reason string)                                      {}
func (n *noopManager) RecordCDCRecords(tenant string, records, bytes int)                    {}
func (n *noopManager) RecordCDCError(tenant, stage string)                                   {}
func (n *noopManager) ObserveCDCPoll(tenant string, duration time.Duration)                  {}
func (n *noopManager) SetCDCLagBytes(tenant string, lag float64)                             {}
func (n *noopManager) SetClusterPeers(peers int)                                             {}
func (n *noopManager) RecordRelay(direction string, success bool)                            {}
func (n *noopManager) RecordRelayDuplicate()                                                 {}
func (n *noopManager) RecordHandover(role string)                                            {}
func (n *noopManager) RecordRateLimited(tenant, class string)                                {}
func (n *noopManager) RecordAuthAttempt(method string, success bool)                         {}
func (n *noopManager) RecordAuthFailure(method, reason string)                               {}
func (n *noopManager) RecordCacheLookup(cache string, hit bool)                              {}
func (n *noopManager) SetTenantsActive(tenants int)                                          {}
func (n *noopManager) UpdateSystemMetrics(cpuUsage, memoryUsage float64, goroutines int)     {}
func (n *noopManager) RecordLogEntry(level string)                                           {}
func (n *noopManager) GetMetricsHandler() http.Handler                                       { return http.NotFoundHandler() }
func (n *noopManager) GetMetricsSnapshot() (map[string]interface{}, error) {
	return nil, fmt.Errorf("metrics disabled")
}
func (n *noopManager) IsHealthy() bool { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error                     { return nil }
