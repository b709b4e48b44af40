package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/authz"
	"github.com/wavecast/wavecast/internal/cdc"
	"github.com/wavecast/wavecast/internal/cluster"
	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/db"
	"github.com/wavecast/wavecast/internal/db/migrations"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/logging"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/realtime"
	"github.com/wavecast/wavecast/internal/server"
	"github.com/wavecast/wavecast/internal/tenant"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitConfig     = 1
	exitControlDB  = 2
	exitSignalBase = 64

	// bootDBWait bounds the control database connection retries at boot.
	bootDBWait = 30 * time.Second
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	var rootCmd = &cobra.Command{
		Use:   "wavecast",
		Short: "Wavecast - Multi-Tenant Realtime Broadcast Server",
		Long: `Wavecast serves WebSocket channels with broadcast fan-out, shared presence
state and Postgres change streaming for many isolated tenants per node.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:          runServer,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":4000", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("app-name", "", "", "Node name used for cluster identity")
	rootCmd.PersistentFlags().StringP("tls-cert", "", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringP("tls-key", "", "", "TLS key file")

	if err := rootCmd.Execute(); err != nil {
		code := exitCode(err)
		if code < exitSignalBase {
			logrus.Error(err)
		}
		os.Exit(code)
	}
}

// exitCode maps an Execute error to the process exit code: 1 for
// configuration errors, 2 for an unreachable control database,
// 64+signal for signal-terminated runs.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitConfig
}

func signalExit(sig os.Signal) *exitError {
	code := exitSignalBase
	if s, ok := sig.(syscall.Signal); ok {
		code += int(s)
	}
	return &exitError{code: code, err: fmt.Errorf("terminated by signal %s", sig)}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Setup(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting Wavecast")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown; the signal is kept for the exit code.
	sigCh := make(chan os.Signal, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		s := <-c
		logrus.WithField("signal", s.String()).Info("Received shutdown signal")
		sigCh <- s
		cancel()
	}()

	m := metrics.NewManager(cfg.Metrics)
	logrus.AddHook(logging.NewCounterHook(m.RecordLogEntry))
	if cfg.Metrics.Enable {
		metrics.NewCollector().StartBackgroundCollection(ctx, m, cfg.Metrics.Interval)
	}

	pool, err := db.Connect(ctx, cfg.ControlDB, bootDBWait, logging.Component("db"))
	if err != nil {
		return &exitError{code: exitControlDB, err: err}
	}
	defer pool.Close()

	migrator := migrations.NewMigrationManager(pool, "schema_version",
		migrations.ControlMigrations(), logging.Component("migrations"))
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("control database migration failed: %w", err)
	}

	store := tenant.NewStore(pool, logging.Component("store"))
	registry := tenant.NewRegistry(store, cfg.Tenant, m, logging.Component("registry"))

	verifier := auth.NewVerifier(*cfg, m, logging.Component("auth"))
	authorizer := authz.NewAuthorizer(cfg.Authz, m, logging.Component("authz"))
	limits := ratelimit.NewRegistry(m, logging.Component("ratelimit"))

	// The hub tags presence entries with the id peers know this node
	// by, so it must match the cluster identity exactly.
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	h := hub.New(cfg.AppName+"@"+hostname, 0, m, logging.Component("hub"))

	cl := cluster.NewManager(*cfg, h, m, logging.Component("cluster"))
	h.SetRelay(cl)

	emitter := cdc.NewEmitter(h, m, logging.Component("cdc"))
	factory := cdc.NewFactory(emitter, cl, cfg.CDC, m, logging.Component("cdc"))

	sup := tenant.NewManager(*cfg, registry, factory.Build, cl, m, logging.Component("supervisor"))
	sup.SetWarmer(authorizer)

	gateway := realtime.NewGateway(*cfg, sup, verifier, authorizer, limits, h, m, logging.Component("gateway"))
	sup.SetSessionCloser(gateway)

	// A tenant record invalidation evicts every cache keyed by that
	// tenant: verified tokens, topic decisions, limiter state and CDC
	// column grants.
	registry.OnInvalidate(func(externalID string) {
		verifier.EvictTenant(externalID)
		authorizer.EvictTenant(externalID)
		limits.Evict(externalID)
		emitter.EvictTenant(externalID)
	})

	cl.SetOwnershipListener(sup.HandleOwnershipChange)
	cl.SetInvalidateListener(func(externalID string) {
		sup.HandleInvalidate(ctx, externalID)
	})
	cl.SetChangeReceiver(&remoteChanges{supervisor: sup, emitter: emitter})

	srv, err := server.New(cfg, server.Deps{
		Registry:   registry,
		Store:      store,
		Supervisor: sup,
		Gateway:    gateway,
		Hub:        h,
		Cluster:    cl,
		Limits:     limits,
		Metrics:    m,
	}, logging.Component("server"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go cl.Run(ctx)
	go sup.RunIdleReaper(ctx)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	// The HTTP listener is down; drain tenant sessions, replicators
	// and dataplane pools.
	sup.Shutdown()
	logrus.Info("Wavecast stopped")

	select {
	case s := <-sigCh:
		return signalExit(s)
	default:
		return nil
	}
}

// remoteChanges applies peer-relayed database changes to local
// subscribers through the emitter. A tenant with no live node here has
// no local subscribers, so its changes drop.
type remoteChanges struct {
	supervisor *tenant.Manager
	emitter    *cdc.Emitter
}

func (rc *remoteChanges) ApplyChange(ctx context.Context, tenantID string, change *hub.Change) error {
	node, ok := rc.supervisor.Get(tenantID)
	if !ok || node.Pool == nil {
		return nil
	}
	_, err := rc.emitter.Emit(ctx, tenantID, node.Pool, change)
	return err
}
