package cdc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
)

type fakeRows struct {
	cols []string
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.err == nil && r.idx < len(r.cols) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.cols[r.idx]
	r.idx++
	return nil
}

// fakeGrantDB answers the column-grant query from a static table keyed
// role|schema|table.
type fakeGrantDB struct {
	grants  map[string][]string
	err     error
	queries int
}

func (f *fakeGrantDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	key := fmt.Sprintf("%v|%v|%v", args[2], args[0], args[1])
	return &fakeRows{cols: f.grants[key]}, nil
}

func testMetrics() metrics.Manager {
	return metrics.NewManager(config.MetricsConfig{})
}

func TestVisibilityLookupCaches(t *testing.T) {
	db := &fakeGrantDB{grants: map[string][]string{
		"anon|public|orders": {"id", "status"},
	}}
	v := newVisibilityCache(testMetrics())

	cols, err := v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"id": true, "status": true}, cols)

	_, err = v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, db.queries, "second lookup is served from cache")
}

func TestVisibilityUnknownRoleDenied(t *testing.T) {
	db := &fakeGrantDB{err: &pgconn.PgError{Code: "42704", Message: `role "ghost" does not exist`}}
	v := newVisibilityCache(testMetrics())

	cols, err := v.lookup(context.Background(), db, "acme", "ghost", "public", "orders")
	require.NoError(t, err)
	assert.Empty(t, cols)

	db.err = nil
	cols, err = v.lookup(context.Background(), db, "acme", "ghost", "public", "orders")
	require.NoError(t, err)
	assert.Empty(t, cols, "the denial was cached")
	assert.Equal(t, 1, db.queries)
}

func TestVisibilityInfraErrorNotCached(t *testing.T) {
	db := &fakeGrantDB{err: errors.New("connection refused")}
	v := newVisibilityCache(testMetrics())

	_, err := v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.Error(t, err)

	db.err = nil
	db.grants = map[string][]string{"anon|public|orders": {"id"}}
	cols, err := v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"id": true}, cols)
	assert.Equal(t, 2, db.queries, "errors are retried, not cached")
}

func TestVisibilityEvictTenant(t *testing.T) {
	db := &fakeGrantDB{grants: map[string][]string{"anon|public|orders": {"id"}}}
	v := newVisibilityCache(testMetrics())

	_, err := v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.NoError(t, err)
	v.evictTenant("acme")

	_, err = v.lookup(context.Background(), db, "acme", "anon", "public", "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, db.queries)
}

type fakeSink struct {
	roles      []string
	delivered  int
	calls      int
	visibility map[string]map[string]bool
}

func (s *fakeSink) CDCRoles(string, *hub.Change) []string { return s.roles }

func (s *fakeSink) EmitCDC(_ string, _ *hub.Change, visibility map[string]map[string]bool) int {
	s.calls++
	s.visibility = visibility
	return s.delivered
}

func testEmitter(sink ChangeSink) *Emitter {
	return NewEmitter(sink, testMetrics(), logrus.WithField("component", "test"))
}

func TestEmitNoSubscribersSkipsLookup(t *testing.T) {
	sink := &fakeSink{}
	e := testEmitter(sink)

	n, err := e.Emit(context.Background(), "acme", nil, insertChange())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, sink.calls, "no roles, no dispatch")
}

func TestEmitResolvesVisibilityPerRole(t *testing.T) {
	sink := &fakeSink{roles: []string{"anon", "authenticated"}, delivered: 2}
	db := &fakeGrantDB{grants: map[string][]string{
		"anon|public|orders":          {"id"},
		"authenticated|public|orders": {"id", "amount"},
	}}
	e := testEmitter(sink)

	n, err := e.Emit(context.Background(), "acme", db, insertChange())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, 1, sink.calls)
	assert.Equal(t, map[string]bool{"id": true}, sink.visibility["anon"])
	assert.Equal(t, map[string]bool{"id": true, "amount": true}, sink.visibility["authenticated"])
}

func TestEmitWithholdsUngrantedRole(t *testing.T) {
	sink := &fakeSink{roles: []string{"ghost"}}
	db := &fakeGrantDB{grants: map[string][]string{}}
	e := testEmitter(sink)

	_, err := e.Emit(context.Background(), "acme", db, insertChange())
	require.NoError(t, err)
	require.Equal(t, 1, sink.calls)
	_, present := sink.visibility["ghost"]
	assert.False(t, present, "no grants means withheld, not unstripped")
}

func TestEmitLookupFaultAborts(t *testing.T) {
	sink := &fakeSink{roles: []string{"anon"}}
	db := &fakeGrantDB{err: errors.New("connection reset")}
	e := testEmitter(sink)

	_, err := e.Emit(context.Background(), "acme", db, insertChange())
	require.Error(t, err)
	assert.Zero(t, sink.calls, "nothing dispatched on a visibility fault")

	_, err = e.Emit(context.Background(), "acme", nil, insertChange())
	assert.Error(t, err, "subscribers but no pool is a fault")
}

func insertChange() *hub.Change {
	return &hub.Change{
		Schema:    "public",
		Table:     "orders",
		Operation: "INSERT",
		Columns:   []hub.Column{{Name: "id", Type: "int8"}, {Name: "amount", Type: "numeric"}},
		Record:    map[string]interface{}{"id": float64(1), "amount": float64(10)},
	}
}
