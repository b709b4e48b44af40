package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for a wavecast node.
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`

	// Node identity used for peer discovery; the full node id is
	// AppName@host.
	AppName string `mapstructure:"app_name"`

	// SecretKeyBase signs cluster-internal requests and is the default
	// HS256 verification key for tenants without one of their own.
	SecretKeyBase string `mapstructure:"secret_key_base"`

	// AdminAPIKey guards the tenant admin endpoints. Empty disables them.
	AdminAPIKey string `mapstructure:"admin_api_key"`

	// SecureChannels forces topic authorization on every join, even for
	// tenants that allow public channels.
	SecureChannels bool `mapstructure:"secure_channels"`

	// JWTClaimValidators is the raw JWT_CLAIM_VALIDATORS JSON object.
	// Parsed into ClaimValidators during validation; invalid JSON is a
	// fatal configuration error.
	JWTClaimValidators string `mapstructure:"jwt_claim_validators"`

	// ClaimValidators is the parsed form: claim name -> required value.
	ClaimValidators map[string]string `mapstructure:"-"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	ControlDB ControlDBConfig `mapstructure:"control_db"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Tenant    TenantConfig    `mapstructure:"tenant"`
	Session   SessionConfig   `mapstructure:"session"`
	CDC       CDCConfig       `mapstructure:"cdc"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ControlDBConfig points at the control-plane Postgres holding tenant
// records. Tenant dataplane databases are configured per tenant row.
type ControlDBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	MaxConns int32  `mapstructure:"max_conns"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// URL renders a pgx-compatible connection string.
func (c ControlDBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// ClusterConfig controls peer discovery and tenant ownership routing.
type ClusterConfig struct {
	// DNSNodes is the DNS name re-resolved periodically for peer
	// discovery. Empty runs the node standalone.
	DNSNodes string `mapstructure:"dns_nodes"`
	// GossipPort is the port peers expose their cluster API on.
	GossipPort int `mapstructure:"gossip_port"`
	// DiscoverInterval is the cadence of DNS re-resolution.
	DiscoverInterval time.Duration `mapstructure:"discover_interval"`
	// RebalanceGrace bounds how long an old owner keeps replicating a
	// tenant after ownership moves away from it.
	RebalanceGrace time.Duration `mapstructure:"rebalance_grace"`
	// RelayTimeout bounds a single cross-node forward.
	RelayTimeout time.Duration `mapstructure:"relay_timeout"`
	// DedupWindow is how long relayed (origin, seq) tags are remembered.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	// RingReplicas is the virtual-node count per peer on the hash ring.
	RingReplicas int `mapstructure:"ring_replicas"`
}

// TenantConfig bounds per-tenant resources and lifecycle.
type TenantConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CacheSize         int           `mapstructure:"cache_size"`
	PoolMaxConns      int32         `mapstructure:"pool_max_conns"`
	IdleShutdownAfter time.Duration `mapstructure:"idle_shutdown_after"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

// SessionConfig bounds a single websocket session.
type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	QueueBytes        int           `mapstructure:"queue_bytes"`
}

// CDCConfig tunes the per-tenant replication poller.
type CDCConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollMaxRecordBytes int64         `mapstructure:"poll_max_record_bytes"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

// AuthzConfig tunes the topic authorization decision cache.
type AuthzConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// MetricsConfig defines metrics configuration.
type MetricsConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load loads configuration from flags, an optional config file, and the
// environment. The bare process env contract (DB_HOST, SECRET_KEY_BASE,
// ...) is bound explicitly; every key is also reachable as WAVECAST_*.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	bindProcessEnv(v)
	v.SetEnvPrefix("WAVECAST")
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":4000")
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_tls", false)
	v.SetDefault("secure_channels", false)

	// Control database defaults
	v.SetDefault("control_db.host", "localhost")
	v.SetDefault("control_db.port", 5432)
	v.SetDefault("control_db.user", "postgres")
	v.SetDefault("control_db.password", "postgres")
	v.SetDefault("control_db.name", "wavecast")
	v.SetDefault("control_db.max_conns", 10)
	v.SetDefault("control_db.ssl_mode", "disable")

	// Cluster defaults
	v.SetDefault("cluster.gossip_port", 4000)
	v.SetDefault("cluster.discover_interval", 5*time.Second)
	v.SetDefault("cluster.rebalance_grace", 10*time.Second)
	v.SetDefault("cluster.relay_timeout", 3*time.Second)
	v.SetDefault("cluster.dedup_window", 10*time.Second)
	v.SetDefault("cluster.ring_replicas", 20)

	// Tenant lifecycle defaults
	v.SetDefault("tenant.cache_ttl", 60*time.Second)
	v.SetDefault("tenant.cache_size", 2048)
	v.SetDefault("tenant.pool_max_conns", 3)
	v.SetDefault("tenant.idle_shutdown_after", 5*time.Minute)
	v.SetDefault("tenant.drain_timeout", 5*time.Second)

	// Session defaults
	v.SetDefault("session.heartbeat_interval", 30*time.Second)
	v.SetDefault("session.max_frame_bytes", 1<<20)
	v.SetDefault("session.queue_depth", 1000)
	v.SetDefault("session.queue_bytes", 1<<20)

	// CDC poller defaults
	v.SetDefault("cdc.poll_interval", 100*time.Millisecond)
	v.SetDefault("cdc.poll_max_record_bytes", 1<<20)
	v.SetDefault("cdc.backoff_initial", 100*time.Millisecond)
	v.SetDefault("cdc.backoff_max", 30*time.Second)

	// Authorization cache defaults
	v.SetDefault("authz.cache_ttl", 120*time.Second)
	v.SetDefault("authz.cache_size", 8192)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 10*time.Second)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"log-level": "log_level",
		"app-name":  "app_name",
		"tls-cert":  "cert_file",
		"tls-key":   "key_file",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

// bindProcessEnv wires the unprefixed environment variables the node is
// deployed with.
func bindProcessEnv(v *viper.Viper) {
	bindings := map[string]string{
		"control_db.host":      "DB_HOST",
		"control_db.port":      "DB_PORT",
		"control_db.user":      "DB_USER",
		"control_db.password":  "DB_PASSWORD",
		"control_db.name":      "DB_NAME",
		"secret_key_base":      "SECRET_KEY_BASE",
		"app_name":             "APP_NAME",
		"cluster.dns_nodes":    "DNS_NODES",
		"secure_channels":      "SECURE_CHANNELS",
		"jwt_claim_validators": "JWT_CLAIM_VALIDATORS",
		"admin_api_key":        "ADMIN_API_KEY",
	}
	for key, env := range bindings {
		// BindEnv only errors on zero arguments.
		_ = v.BindEnv(key, env)
	}
}

func validate(cfg *Config) error {
	if cfg.SecretKeyBase == "" {
		return fmt.Errorf("secret_key_base is required: set SECRET_KEY_BASE")
	}

	if cfg.AppName == "" {
		cfg.AppName = "wavecast"
	}

	// Validate TLS configuration
	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.JWTClaimValidators != "" {
		validators := map[string]string{}
		if err := json.Unmarshal([]byte(cfg.JWTClaimValidators), &validators); err != nil {
			return fmt.Errorf("JWT_CLAIM_VALIDATORS is not a valid JSON object of string values: %w", err)
		}
		cfg.ClaimValidators = validators
	}

	// A stale tenant record must never outlive a minute, or suspends and
	// key rotations would be ignored for too long.
	if cfg.Tenant.CacheTTL > 60*time.Second {
		return fmt.Errorf("tenant.cache_ttl must not exceed 60s (got %s)", cfg.Tenant.CacheTTL)
	}

	if cfg.Tenant.PoolMaxConns < 1 {
		return fmt.Errorf("tenant.pool_max_conns must be at least 1 (got %d)", cfg.Tenant.PoolMaxConns)
	}

	if cfg.Session.QueueDepth < 1 || cfg.Session.QueueBytes < 1 {
		return fmt.Errorf("session queue limits must be positive")
	}

	return nil
}
