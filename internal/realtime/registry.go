package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// registry indexes live sessions by tenant so supervisor drains can
// reach them. Sessions add themselves at upgrade and remove themselves
// in teardown.
type registry struct {
	mu      sync.Mutex
	tenants map[string]map[string]*Session
}

func newRegistry() *registry {
	return &registry{tenants: make(map[string]map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.tenants[s.tenant]
	if !ok {
		sessions = make(map[string]*Session)
		r.tenants[s.tenant] = sessions
	}
	sessions[s.id] = s
}

func (r *registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.tenants[s.tenant]
	if !ok {
		return
	}
	delete(sessions, s.id)
	if len(sessions) == 0 {
		delete(r.tenants, s.tenant)
	}
}

// closeTenant signals shutdown to every session of the tenant and
// returns how many were signalled. It must not wait: drains time out
// on their own and sessions deregister as their pumps exit.
func (r *registry) closeTenant(externalID, reason string) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.tenants[externalID]))
	for _, s := range r.tenants[externalID] {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	code := closeCodeForReason(reason)
	for _, s := range sessions {
		s.shutdown(code, reason)
	}
	return len(sessions)
}

// closeCodeForReason maps a drain reason to the wire close code. A
// suspension is the only drain the client must not retry immediately.
func closeCodeForReason(reason string) int {
	if reason == "tenant_suspended" {
		return CloseTenantSuspended
	}
	return websocket.CloseGoingAway
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.tenants {
		n += len(sessions)
	}
	return n
}

func (r *registry) getStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	perTenant := make(map[string]int, len(r.tenants))
	total := 0
	for id, sessions := range r.tenants {
		perTenant[id] = len(sessions)
		total += len(sessions)
	}
	return map[string]interface{}{
		"sessions":            total,
		"tenants":             len(r.tenants),
		"sessions_per_tenant": perTenant,
	}
}
