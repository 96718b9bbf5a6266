package upstream

import (
	"context"
	"sync"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
)

// Pool shares one Connector across sessions for stateless upstreams, keyed
// by (namespace, url) so that two bundles pointing at the same upstream reuse
// a single connection. Credentials are not part of the key: a reused
// connector keeps the credentials of the spec that first dialed it.
type Pool struct {
	mu         sync.Mutex
	connectors map[string]*poolEntry
}

type poolEntry struct {
	connector *Connector
	refs      int
}

// NewPool constructs an empty connector pool.
func NewPool() *Pool {
	return &Pool{connectors: make(map[string]*poolEntry)}
}

func poolKey(spec bundle.UpstreamSpec) string {
	return spec.Namespace + "|" + spec.URL
}

// Acquire returns a shared Connector for spec, creating one if needed, and
// registers onChange as a listener on it — on a cache hit just as much as on
// a fresh dial, so every session that shares a pooled connector (spec §4.7)
// gets its own list-changed notifications (spec §4.5's "register with the
// notification coordinator" applies on every attachUpstream, including the
// pooled-reuse case) rather than only the session that happened to dial
// first. Every successful Acquire must be matched with a Release passing
// back the returned ListenerID. devMode is forwarded to Connect's SSRF
// guard; it only affects the dial of a newly created connector, not one
// already pooled.
func (p *Pool) Acquire(ctx context.Context, spec bundle.UpstreamSpec, onChange NotificationHandler, devMode bool) (*Connector, ListenerID, error) {
	key := poolKey(spec)

	p.mu.Lock()
	if entry, ok := p.connectors[key]; ok {
		entry.refs++
		p.mu.Unlock()
		return entry.connector, entry.connector.AddListener(onChange), nil
	}
	p.mu.Unlock()

	connector, err := Connect(ctx, spec, devMode)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.connectors[key]; ok {
		// Lost the race to another Acquire; keep theirs, discard ours.
		entry.refs++
		_ = connector.Close()
		return entry.connector, entry.connector.AddListener(onChange), nil
	}
	p.connectors[key] = &poolEntry{connector: connector, refs: 1}
	return connector, connector.AddListener(onChange), nil
}

// Release drops one session's reference to the pooled connector for spec,
// unregistering the listener that Acquire attached for it so the connector
// stops calling back into a session that's going away. Per spec §3/§8 ("pool
// invariant"), pooled connectors outlive every session that used them and are
// closed only by CloseAll (process shutdown) or explicit admin eviction (out
// of scope here) — never by Release, regardless of how many references
// remain. refs is kept only as an occupancy count for diagnostics/admin
// tooling, not a closing trigger.
func (p *Pool) Release(spec bundle.UpstreamSpec, listener ListenerID) {
	key := poolKey(spec)

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.connectors[key]
	if !ok {
		return
	}
	entry.connector.RemoveListener(listener)
	if entry.refs > 0 {
		entry.refs--
	}
}

// IsPooled reports whether connector c is currently tracked by the pool,
// implementing the §3/§8 "pool invariant" check (a connector is disconnected
// on session close iff it is not pooled).
func (p *Pool) IsPooled(c *Connector) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.connectors {
		if entry.connector == c {
			return true
		}
	}
	return false
}

// CloseAll closes every pooled connector regardless of reference count. Used
// on gateway shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.connectors
	p.connectors = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		_ = entry.connector.Close()
	}
}
