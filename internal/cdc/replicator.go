package cdc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/tenant"
)

const (
	defaultPollMaxChanges = 500
	defaultMaxRecordBytes = 1 << 20
	defaultPollInterval   = 100 * time.Millisecond
	defaultPublication    = "wavecast_changes"
	slotPrefix            = "wavecast_"
	lagSampleInterval     = 10 * time.Second
)

// ErrReplicationLagged reports a slot lost to WAL retention. The
// replicator recreates the slot before returning, so the supervisor
// restart resumes from the new checkpoint with a logged gap.
var ErrReplicationLagged = errors.New("replication lagged: slot recreated, changes before the new checkpoint are lost")

const (
	countPublicationSQL = `SELECT count(*) FROM pg_publication WHERE pubname = $1`
	countSlotSQL        = `SELECT count(*) FROM pg_replication_slots WHERE slot_name = $1`
	createSlotSQL       = `SELECT pg_create_logical_replication_slot($1, 'wal2json')`
	dropSlotSQL         = `SELECT pg_drop_replication_slot($1)`
	advanceSlotSQL      = `SELECT pg_replication_slot_advance($1, $2::pg_lsn)`
	slotLagSQL          = `SELECT COALESCE(pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn), 0)::float8
		FROM pg_replication_slots WHERE slot_name = $1`
	peekChangesSQL = `SELECT lsn::text, data FROM pg_logical_slot_peek_changes($1, NULL, $2,
		'format-version', '2', 'include-timestamp', 'true', 'include-types', 'true')`
)

// ChangeForwarder pushes an owner-decoded change to cluster peers; the
// receiving node runs it through its own Emitter. Nil when standalone.
type ChangeForwarder interface {
	ForwardChange(tenantID string, change *hub.Change)
}

// dbConn is the slice of pgxpool.Pool the poller needs.
type dbConn interface {
	grantQuerier
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Factory builds replicators for tenants carrying a postgres_cdc_rls
// extension. Build satisfies tenant.RunnerFactory.
type Factory struct {
	emitter *Emitter
	forward ChangeForwarder
	cfg     config.CDCConfig
	metrics metrics.Manager
	logger  *logrus.Entry
}

func NewFactory(emitter *Emitter, forward ChangeForwarder, cfg config.CDCConfig, m metrics.Manager, logger *logrus.Entry) *Factory {
	return &Factory{emitter: emitter, forward: forward, cfg: cfg, metrics: m, logger: logger}
}

// Build returns (nil, nil) for tenants without CDC: the supervisor
// runs them without a replicator.
func (f *Factory) Build(t *tenant.Tenant, pool *pgxpool.Pool) (tenant.Runner, error) {
	ext := t.CDCExtension()
	if ext == nil {
		return nil, nil
	}
	settings, err := ext.DecodeCDCSettings()
	if err != nil {
		return nil, err
	}
	return newReplicator(t, settings, pool, f.emitter, f.forward, f.cfg, f.metrics, f.logger), nil
}

// Replicator is the per-tenant WAL poller: peek the slot, decode
// wal2json, dispatch through the Emitter, forward to peers, then
// advance the slot. Advancing last is what makes delivery at least
// once above the checkpoint.
type Replicator struct {
	tenantID    string
	db          dbConn
	emitter     *Emitter
	forward     ChangeForwarder
	cfg         config.CDCConfig
	metrics     metrics.Manager
	logger      *logrus.Entry
	slot        string
	publication string
	pollEvery   time.Duration
	maxBytes    int64
	maxChanges  int32

	ready     chan struct{}
	readyOnce sync.Once
}

func newReplicator(t *tenant.Tenant, settings *tenant.CDCSettings, pool *pgxpool.Pool, emitter *Emitter, forward ChangeForwarder, cfg config.CDCConfig, m metrics.Manager, logger *logrus.Entry) *Replicator {
	r := &Replicator{
		tenantID:    t.ExternalID,
		db:          pool,
		emitter:     emitter,
		forward:     forward,
		cfg:         cfg,
		metrics:     m,
		slot:        settings.SlotName,
		publication: settings.Publication,
		pollEvery:   cfg.PollInterval,
		maxBytes:    cfg.PollMaxRecordBytes,
		maxChanges:  defaultPollMaxChanges,
		ready:       make(chan struct{}),
	}
	if r.slot == "" {
		r.slot = slotNameFor(t.ExternalID)
	}
	if r.publication == "" {
		r.publication = defaultPublication
	}
	if settings.PollIntervalMS > 0 {
		r.pollEvery = time.Duration(settings.PollIntervalMS) * time.Millisecond
	}
	if settings.PollMaxRecordBytes > 0 {
		r.maxBytes = int64(settings.PollMaxRecordBytes)
	}
	if settings.PollMaxChanges > 0 {
		r.maxChanges = int32(settings.PollMaxChanges)
	}
	if r.pollEvery <= 0 {
		r.pollEvery = defaultPollInterval
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxRecordBytes
	}
	r.logger = logger.WithFields(logrus.Fields{
		"tenant": t.ExternalID,
		"slot":   r.slot,
	})
	return r
}

// Ready closes once the publication and slot exist and polling begins.
func (r *Replicator) Ready() <-chan struct{} {
	return r.ready
}

// Run polls until the context is cancelled. Transient poll errors back
// off in place; a lost slot is recreated and surfaced so the
// supervisor restarts the replicator.
func (r *Replicator) Run(ctx context.Context) error {
	if err := r.ensureReplication(ctx); err != nil {
		return fmt.Errorf("preparing replication for %s: %w", r.tenantID, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.WithField("publication", r.publication).Info("Replication started")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.BackoffInitial
	policy.MaxInterval = r.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	idle := time.NewTimer(r.pollEvery)
	defer idle.Stop()
	lagTick := time.NewTicker(lagSampleInterval)
	defer lagTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lagTick.C:
			r.sampleLag(ctx)
			continue
		case <-idle.C:
		}

		n, err := r.pollOnce(ctx)
		switch {
		case err == nil:
			policy.Reset()
			if n > 0 {
				// Drain hot: poll again immediately while behind.
				idle.Reset(0)
			} else {
				idle.Reset(r.pollEvery)
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case isSlotGone(err):
			r.metrics.RecordCDCError(r.tenantID, "replication_lagged")
			r.logger.WithError(err).Error("Replication slot lost, recreating with a gap")
			if recreateErr := r.recreateSlot(ctx); recreateErr != nil {
				r.logger.WithError(recreateErr).Error("Slot recreate failed")
			}
			return ErrReplicationLagged
		default:
			r.metrics.RecordCDCError(r.tenantID, "poll")
			wait := policy.NextBackOff()
			r.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Replication poll failed, backing off")
			idle.Reset(wait)
		}
	}
}

// ensureReplication creates the publication and slot if missing. Both
// creations race with other connections; duplicate_object is fine.
func (r *Replicator) ensureReplication(ctx context.Context) error {
	var publications int
	if err := r.db.QueryRow(ctx, countPublicationSQL, r.publication).Scan(&publications); err != nil {
		return err
	}
	if publications == 0 {
		createSQL := fmt.Sprintf(`CREATE PUBLICATION %s FOR ALL TABLES`, quoteIdent(r.publication))
		if _, err := r.db.Exec(ctx, createSQL); err != nil && !isDuplicateObject(err) {
			return err
		}
		r.logger.WithField("publication", r.publication).Info("Publication created")
	}

	var slots int
	if err := r.db.QueryRow(ctx, countSlotSQL, r.slot).Scan(&slots); err != nil {
		return err
	}
	if slots == 0 {
		if _, err := r.db.Exec(ctx, createSlotSQL, r.slot); err != nil && !isDuplicateObject(err) {
			return err
		}
		r.logger.Info("Replication slot created")
	}
	return nil
}

func (r *Replicator) recreateSlot(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, dropSlotSQL, r.slot); err != nil && !isUndefinedObject(err) {
		return err
	}
	_, err := r.db.Exec(ctx, createSlotSQL, r.slot)
	return err
}

// pollOnce peeks a batch, dispatches it, and advances the slot past
// the last row it consumed. The byte budget truncates a batch; rows
// past the cut stay unacked and are peeked again next cycle.
func (r *Replicator) pollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveCDCPoll(r.tenantID, time.Since(start))
	}()

	rows, err := r.db.Query(ctx, peekChangesSQL, r.slot, r.maxChanges)
	if err != nil {
		return 0, err
	}

	var (
		dec     decoder
		changes []*hub.Change
		lastLSN pglogrepl.LSN
		scanned int
		bytes   int64
	)
	for rows.Next() {
		var lsnText string
		var data []byte
		if err := rows.Scan(&lsnText, &data); err != nil {
			rows.Close()
			return 0, err
		}
		lsn, err := pglogrepl.ParseLSN(lsnText)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("bad lsn %q from slot %s: %w", lsnText, r.slot, err)
		}

		change, err := dec.decode(lsn, data)
		if err != nil {
			r.metrics.RecordCDCError(r.tenantID, "decode")
			r.logger.WithError(err).Warn("Skipping undecodable change")
		} else if change != nil {
			changes = append(changes, change)
		}

		scanned++
		bytes += int64(len(data))
		lastLSN = lsn
		if bytes >= r.maxBytes {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if scanned == 0 {
		return 0, nil
	}

	for _, change := range changes {
		if _, err := r.emitter.Emit(ctx, r.tenantID, r.db, change); err != nil {
			// Nothing is acked; the whole batch is re-peeked.
			return 0, err
		}
		if r.forward != nil {
			r.forward.ForwardChange(r.tenantID, change)
		}
	}

	if _, err := r.db.Exec(ctx, advanceSlotSQL, r.slot, lastLSN.String()); err != nil {
		return 0, err
	}
	r.metrics.RecordCDCRecords(r.tenantID, len(changes), int(bytes))
	return len(changes), nil
}

func (r *Replicator) sampleLag(ctx context.Context) {
	var lag float64
	if err := r.db.QueryRow(ctx, slotLagSQL, r.slot).Scan(&lag); err != nil {
		return
	}
	r.metrics.SetCDCLagBytes(r.tenantID, lag)
}

// slotNameFor derives a valid slot name from a tenant external id.
func slotNameFor(externalID string) string {
	mapped := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			return c
		case c == '-':
			return '_'
		default:
			return -1
		}
	}, strings.ToLower(externalID))
	return slotPrefix + mapped
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

func isUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42704"
}

// isSlotGone detects the two shapes of a dead slot: dropped outright,
// or its WAL aged out of retention.
func isSlotGone(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code == "42704" && strings.Contains(pgErr.Message, "replication slot") {
		return true
	}
	return strings.Contains(pgErr.Message, "has already been removed")
}
