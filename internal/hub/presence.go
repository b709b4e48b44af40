package hub

// Presence is an OR-set over phx_ref: every track mints a fresh ref, so
// adds never conflict and removes are exact. Each node holds the full
// merged state; diffs travel between nodes tagged with their origin so
// a dead peer's entries can be swept.

// RemoteMeta is one presence entry as exchanged between nodes.
type RemoteMeta struct {
	Key    string                 `json:"key"`
	PhxRef string                 `json:"phx_ref"`
	Meta   map[string]interface{} `json:"meta"`
}

// TopicPresence carries a topic's locally-originated presence entries,
// pushed to a peer when it joins the cluster.
type TopicPresence struct {
	Tenant string       `json:"tenant"`
	Topic  string       `json:"topic"`
	Metas  []RemoteMeta `json:"metas"`
}

type presenceEntry struct {
	sessionRef string // owning local session, "" for remote entries
	node       string // origin node
	key        string
	phxRef     string
	meta       map[string]interface{}
}

type presenceState struct {
	entries map[string][]presenceEntry // presence key → entries
}

func newPresenceState() *presenceState {
	return &presenceState{entries: make(map[string][]presenceEntry)}
}

func (p *presenceState) empty() bool {
	return len(p.entries) == 0
}

func (p *presenceState) add(e presenceEntry) {
	p.entries[e.key] = append(p.entries[e.key], e)
}

// removeWhere removes every entry the predicate selects and returns
// the removed entries.
func (p *presenceState) removeWhere(match func(presenceEntry) bool) []presenceEntry {
	var removed []presenceEntry
	for key, entries := range p.entries {
		kept := entries[:0]
		for _, e := range entries {
			if match(e) {
				removed = append(removed, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
	}
	return removed
}

func (p *presenceState) removeSession(sessionRef string) []presenceEntry {
	if sessionRef == "" {
		// Remote entries carry no session ref.
		return nil
	}
	return p.removeWhere(func(e presenceEntry) bool { return e.sessionRef == sessionRef })
}

func (p *presenceState) removeNode(node string) []presenceEntry {
	return p.removeWhere(func(e presenceEntry) bool { return e.node == node })
}

func (p *presenceState) removeRefs(refs map[string]bool) []presenceEntry {
	return p.removeWhere(func(e presenceEntry) bool { return refs[e.phxRef] })
}

func (p *presenceState) hasRef(phxRef string) bool {
	for _, entries := range p.entries {
		for _, e := range entries {
			if e.phxRef == phxRef {
				return true
			}
		}
	}
	return false
}

// localMetas returns the entries this node originated, for the peer
// join sync.
func (p *presenceState) localMetas(node string) []RemoteMeta {
	var out []RemoteMeta
	for key, entries := range p.entries {
		for _, e := range entries {
			if e.node != node {
				continue
			}
			out = append(out, RemoteMeta{Key: key, PhxRef: e.phxRef, Meta: e.meta})
		}
	}
	return out
}

// render produces the wire shape {key: {metas: [{phx_ref, ...meta}]}}.
func renderPresence(entries []presenceEntry) map[string]interface{} {
	grouped := make(map[string][]map[string]interface{})
	for _, e := range entries {
		grouped[e.key] = append(grouped[e.key], renderMeta(e))
	}
	out := make(map[string]interface{}, len(grouped))
	for key, metas := range grouped {
		out[key] = map[string]interface{}{"metas": metas}
	}
	return out
}

func (p *presenceState) renderAll() map[string]interface{} {
	var all []presenceEntry
	for _, entries := range p.entries {
		all = append(all, entries...)
	}
	return renderPresence(all)
}

func renderMeta(e presenceEntry) map[string]interface{} {
	m := make(map[string]interface{}, len(e.meta)+1)
	for k, v := range e.meta {
		m[k] = v
	}
	m["phx_ref"] = e.phxRef
	return m
}

// diffPayload builds the presence_diff wire payload. Empty sides are
// rendered as empty objects, matching what clients expect.
func diffPayload(joins, leaves []presenceEntry) map[string]interface{} {
	return map[string]interface{}{
		"joins":  renderPresence(joins),
		"leaves": renderPresence(leaves),
	}
}
