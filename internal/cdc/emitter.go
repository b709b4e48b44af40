package cdc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
)

// ChangeSink is the hub surface the pipeline dispatches into.
type ChangeSink interface {
	CDCRoles(tenantID string, change *hub.Change) []string
	EmitCDC(tenantID string, change *hub.Change, visibility map[string]map[string]bool) int
}

// Emitter resolves per-role column visibility and hands a change to
// the local hub. The owning replicator and the cluster relay receiver
// both go through it, so remote subscribers get the same stripping as
// local ones.
type Emitter struct {
	sink    ChangeSink
	vis     *visibilityCache
	metrics metrics.Manager
	logger  *logrus.Entry
}

func NewEmitter(sink ChangeSink, m metrics.Manager, logger *logrus.Entry) *Emitter {
	return &Emitter{
		sink:    sink,
		vis:     newVisibilityCache(m),
		metrics: m,
		logger:  logger,
	}
}

// Emit delivers a change to matching local subscribers. A visibility
// lookup fault aborts the whole emit so the caller does not advance
// past an undelivered change; a role with no grants is simply withheld.
// db is the tenant's dataplane pool.
func (e *Emitter) Emit(ctx context.Context, tenantID string, db grantQuerier, change *hub.Change) (int, error) {
	roles := e.sink.CDCRoles(tenantID, change)
	if len(roles) == 0 {
		return 0, nil
	}
	if db == nil {
		return 0, errors.New("no dataplane pool to resolve column visibility")
	}

	visibility := make(map[string]map[string]bool, len(roles))
	for _, role := range roles {
		cols, err := e.vis.lookup(ctx, db, tenantID, role, change.Schema, change.Table)
		if err != nil {
			e.metrics.RecordCDCError(tenantID, "visibility")
			return 0, fmt.Errorf("resolving column visibility for role %q on %s.%s: %w", role, change.Schema, change.Table, err)
		}
		if len(cols) == 0 {
			// No SELECT grant anywhere on the table.
			continue
		}
		visibility[role] = cols
	}
	return e.sink.EmitCDC(tenantID, change, visibility), nil
}

// EvictTenant drops the tenant's cached column grants, called when the
// tenant record is invalidated.
func (e *Emitter) EvictTenant(tenantID string) {
	e.vis.evictTenant(tenantID)
}
