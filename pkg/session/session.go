// Package session implements the aggregate root that owns one client's view
// of a resolved bundle: its upstream connectors, namespace resolver,
// notification coordinator, resumption-cursor table, and domain events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
	"github.com/jrbemt/mcpbundler-gateway/pkg/notify"
	"github.com/jrbemt/mcpbundler-gateway/pkg/telemetry"
	"github.com/jrbemt/mcpbundler-gateway/pkg/upstream"
)

const (
	// DefaultIdleTimeout is how long a session may sit with no activity
	// before the idle monitor closes it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultUpstreamTimeout bounds every per-request call to an upstream
	// when the caller's context carries no deadline of its own.
	DefaultUpstreamTimeout = 30 * time.Second
	idleCheckInterval      = 60 * time.Second
	domainEventQueueSize   = 32
)

// State is the session lifecycle state.
type State int

const (
	Active State = iota
	Terminated
)

var (
	// ErrTerminated is returned by any mutating or routing operation on a
	// session that has already closed.
	ErrTerminated = errors.New("session: terminated")
	// ErrNamespaceTaken is returned by attachUpstream when the namespace is
	// already owned by another connector on this session.
	ErrNamespaceTaken = errors.New("session: namespace already attached")
)

// DomainEventKind tags the append-only events a session publishes.
type DomainEventKind string

const (
	EventSessionEstablished   DomainEventKind = "SessionEstablished"
	EventSessionTerminated    DomainEventKind = "SessionTerminated"
	EventUpstreamConnected    DomainEventKind = "UpstreamConnected"
	EventUpstreamDisconnected DomainEventKind = "UpstreamDisconnected"
	// EventShutdown is synthetic: emitted once, after the last
	// UpstreamDisconnected event, right before the session is torn down.
	EventShutdown DomainEventKind = "SHUTDOWN"
)

// DomainEvent is one entry in a session's append-only event log.
type DomainEvent struct {
	Kind       DomainEventKind
	OccurredAt time.Time
	Namespace  string
	Reason     string
}

// ListChangedEvent is a debounced, coalesced outbound notification ready to
// forward to the downstream client as notifications/<kind>/list_changed.
type ListChangedEvent struct {
	Kind       upstream.ChangeKind
	Namespaces []string
}

// Config tunes a session's timers and namespace policy; the zero value uses
// the package defaults (no debounce override, "__" separator, never-hash).
type Config struct {
	IdleTimeout     time.Duration
	UpstreamTimeout time.Duration
	Debounce        time.Duration

	// NamespaceSeparator, HashMode and HashThreshold configure the
	// per-session namespace.Resolver every attached upstream shares, per
	// spec §6 "Configuration" (namespace{separator,hash_mode,threshold}).
	NamespaceSeparator string
	HashMode           namespace.HashMode
	HashThreshold      int

	// DevMode relaxes the upstream SSRF guard (spec §4.2 step 1, §6's dev
	// flag) for every connector this session dials.
	DevMode bool
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.Debounce <= 0 {
		c.Debounce = notify.DefaultDebounce
	}
	if c.NamespaceSeparator == "" {
		c.NamespaceSeparator = namespace.DefaultSeparator
	}
	if c.HashMode == "" {
		c.HashMode = namespace.HashNever
	}
	if c.HashThreshold <= 0 {
		c.HashThreshold = namespace.DefaultThreshold
	}
	return c
}

type connectorEntry struct {
	spec       bundle.UpstreamSpec
	connector  *upstream.Connector
	filtered   *upstream.Filtered
	pooled     bool
	listenerID upstream.ListenerID
}

// Session is the per-client aggregate root: one resolved bundle's worth of
// upstream connectors, routed and aggregated behind a single virtual MCP
// server view.
type Session struct {
	id              string
	bundleID        string
	createdAt       time.Time
	idleTimeout     time.Duration
	upstreamTimeout time.Duration
	devMode         bool

	pool        *upstream.Pool
	resolver    *namespace.Resolver
	coordinator *notify.Coordinator
	listChanged chan ListChangedEvent

	mu             sync.Mutex
	state          State
	lastActivityAt time.Time
	connectors     map[string]*connectorEntry
	// namespaceOrder records the order upstreams were attached in, so
	// snapshotConnectors can walk them in that order instead of Go's
	// randomized map iteration order (spec's "concatenated in the
	// session's insertion order of upstreams").
	namespaceOrder []string
	cursors        map[string]string

	eventsMu    sync.Mutex
	subscribers map[DomainEventKind][]chan DomainEvent

	idleCancel context.CancelFunc
}

// New constructs a session for bundle b, attaching every upstream it names.
// Upstreams that fail to connect are logged and excluded rather than
// failing the whole session, matching the aggregation-tolerant behaviour
// the session otherwise applies to per-connector errors.
func New(ctx context.Context, id string, b bundle.Bundle, pool *upstream.Pool, cfg Config) *Session {
	cfg = cfg.withDefaults()
	now := time.Now()

	s := &Session{
		id:              id,
		bundleID:        b.BundleID,
		createdAt:       now,
		idleTimeout:     cfg.IdleTimeout,
		upstreamTimeout: cfg.UpstreamTimeout,
		devMode:         cfg.DevMode,
		pool:            pool,
		resolver:        namespace.New(cfg.NamespaceSeparator, cfg.HashMode, cfg.HashThreshold),
		listChanged:     make(chan ListChangedEvent, domainEventQueueSize),
		state:           Active,
		lastActivityAt:  now,
		connectors:      make(map[string]*connectorEntry),
		cursors:         make(map[string]string),
		subscribers:     make(map[DomainEventKind][]chan DomainEvent),
	}
	s.coordinator = notify.New(cfg.Debounce, s.emitListChanged)

	for _, spec := range b.Upstreams {
		if err := s.attachUpstream(ctx, spec); err != nil {
			log.Errorf("session %s: attach upstream %s: %v", id, spec.Namespace, err)
		}
	}

	s.publish(DomainEvent{Kind: EventSessionEstablished, OccurredAt: now})

	idleCtx, cancel := context.WithCancel(context.Background())
	s.idleCancel = cancel
	go s.idleLoop(idleCtx)

	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// BundleID returns the bundle this session was resolved from.
func (s *Session) BundleID() string { return s.bundleID }

// ListChanged exposes debounced outbound list-changed notifications for the
// gateway server to forward over the client's transport.
func (s *Session) ListChanged() <-chan ListChangedEvent { return s.listChanged }

func (s *Session) emitListChanged(kind upstream.ChangeKind, namespaces []string) {
	select {
	case s.listChanged <- ListChangedEvent{Kind: kind, Namespaces: namespaces}:
	default:
		log.Warnf("session %s: list-changed queue full, dropping %s notification", s.id, kind)
	}
}

func (s *Session) attachUpstream(ctx context.Context, spec bundle.UpstreamSpec) error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if _, exists := s.connectors[spec.Namespace]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNamespaceTaken, spec.Namespace)
	}
	s.mu.Unlock()

	var connector *upstream.Connector
	var listenerID upstream.ListenerID
	var err error
	if spec.Stateless {
		connector, listenerID, err = s.pool.Acquire(ctx, spec, s.coordinator.Handler(), s.devMode)
	} else {
		connector, err = upstream.Connect(ctx, spec, s.devMode)
		if err == nil {
			listenerID = connector.AddListener(s.coordinator.Handler())
		}
	}
	if err != nil {
		return err
	}
	filtered := upstream.NewFiltered(connector, s.id, spec.Namespace, spec.Permissions, s.resolver)

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		s.releaseConnector(spec, connector, listenerID)
		return ErrTerminated
	}
	s.connectors[spec.Namespace] = &connectorEntry{spec: spec, connector: connector, filtered: filtered, pooled: spec.Stateless, listenerID: listenerID}
	s.namespaceOrder = append(s.namespaceOrder, spec.Namespace)
	s.mu.Unlock()

	s.publish(DomainEvent{Kind: EventUpstreamConnected, Namespace: spec.Namespace, OccurredAt: time.Now()})
	telemetry.RecordUpstreamConnected(ctx, spec.Namespace)
	s.touch()
	return nil
}

func (s *Session) releaseConnector(spec bundle.UpstreamSpec, connector *upstream.Connector, listenerID upstream.ListenerID) {
	if spec.Stateless {
		s.pool.Release(spec, listenerID)
		return
	}
	connector.RemoveListener(listenerID)
	_ = connector.Close()
}

func (s *Session) touch() {
	s.mu.Lock()
	now := time.Now()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
	s.mu.Unlock()
}

func (s *Session) getConnector(ns string) (*connectorEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.connectors[ns]
	return e, ok
}

func (s *Session) snapshotConnectors() []*connectorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connectorEntry, 0, len(s.namespaceOrder))
	for _, ns := range s.namespaceOrder {
		if e, ok := s.connectors[ns]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Terminated
}

func (s *Session) withUpstreamTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.upstreamTimeout)
}

func (s *Session) storedCursor(ns, op string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[ns+"|"+op]
}

func (s *Session) storeCursor(ns, op, cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[ns+"|"+op] = cursor
}

const (
	opListTools             = "list_tools"
	opListResources         = "list_resources"
	opListResourceTemplates = "list_resource_templates"
	opListPrompts           = "list_prompts"
)

// ListTools aggregates tools from every connected upstream, in the
// session's insertion order of upstreams. A per-connector failure is logged
// and skipped rather than failing the whole call.
func (s *Session) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	var out []*mcp.Tool
	for _, e := range s.snapshotConnectors() {
		if e.connector.Session() == nil {
			continue
		}
		cctx, cancel := s.withUpstreamTimeout(ctx)
		tools, next, err := e.filtered.ListTools(cctx, s.storedCursor(e.spec.Namespace, opListTools))
		cancel()
		if err != nil {
			log.Warnf("session %s: list tools on %s: %v", s.id, e.spec.Namespace, err)
			continue
		}
		s.storeCursor(e.spec.Namespace, opListTools, next)
		out = append(out, tools...)
	}
	return out, nil
}

// CallTool resolves the namespace from a namespaced tool name and forwards
// the call. It never returns an error for a downstream-meaningful failure:
// upstream errors come back as an error-shaped CallToolResult instead.
func (s *Session) CallTool(ctx context.Context, namespacedName string, arguments any) (*mcp.CallToolResult, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	ns, _, err := s.resolver.ExtractFromName(namespacedName)
	if err != nil {
		return errorResult(err), nil
	}
	e, ok := s.getConnector(ns)
	if !ok || e.connector.Session() == nil {
		return errorResult(fmt.Errorf("upstream %q not connected", ns)), nil
	}

	cctx, cancel := s.withUpstreamTimeout(ctx)
	defer cancel()
	result, err := e.filtered.CallTool(cctx, namespacedName, arguments)
	if err != nil {
		return errorResult(err), nil
	}
	return result, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

// ListResources aggregates resources from every connected upstream.
func (s *Session) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	var out []*mcp.Resource
	for _, e := range s.snapshotConnectors() {
		if e.connector.Session() == nil {
			continue
		}
		cctx, cancel := s.withUpstreamTimeout(ctx)
		resources, next, err := e.filtered.ListResources(cctx, s.storedCursor(e.spec.Namespace, opListResources))
		cancel()
		if err != nil {
			log.Warnf("session %s: list resources on %s: %v", s.id, e.spec.Namespace, err)
			continue
		}
		s.storeCursor(e.spec.Namespace, opListResources, next)
		out = append(out, resources...)
	}
	return out, nil
}

// ListResourceTemplates aggregates resource templates from every connected
// upstream.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	var out []*mcp.ResourceTemplate
	for _, e := range s.snapshotConnectors() {
		if e.connector.Session() == nil {
			continue
		}
		cctx, cancel := s.withUpstreamTimeout(ctx)
		templates, next, err := e.filtered.ListResourceTemplates(cctx, s.storedCursor(e.spec.Namespace, opListResourceTemplates))
		cancel()
		if err != nil {
			log.Warnf("session %s: list resource templates on %s: %v", s.id, e.spec.Namespace, err)
			continue
		}
		s.storeCursor(e.spec.Namespace, opListResourceTemplates, next)
		out = append(out, templates...)
	}
	return out, nil
}

// ReadResource resolves the namespace from a namespaced URI and forwards the
// read. A URI carrying no recognisable namespace returns empty contents
// rather than an error.
func (s *Session) ReadResource(ctx context.Context, namespacedURI string) (*mcp.ReadResourceResult, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	ns, _, ok := s.resolver.ExtractFromURI(namespacedURI)
	if !ok {
		return &mcp.ReadResourceResult{}, nil
	}
	e, found := s.getConnector(ns)
	if !found || e.connector.Session() == nil {
		return &mcp.ReadResourceResult{}, nil
	}

	cctx, cancel := s.withUpstreamTimeout(ctx)
	defer cancel()
	return e.filtered.ReadResource(cctx, namespacedURI)
}

// ListPrompts aggregates prompts from every connected upstream.
func (s *Session) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	var out []*mcp.Prompt
	for _, e := range s.snapshotConnectors() {
		if e.connector.Session() == nil {
			continue
		}
		cctx, cancel := s.withUpstreamTimeout(ctx)
		prompts, next, err := e.filtered.ListPrompts(cctx, s.storedCursor(e.spec.Namespace, opListPrompts))
		cancel()
		if err != nil {
			log.Warnf("session %s: list prompts on %s: %v", s.id, e.spec.Namespace, err)
			continue
		}
		s.storeCursor(e.spec.Namespace, opListPrompts, next)
		out = append(out, prompts...)
	}
	return out, nil
}

// GetPrompt resolves the namespace from a namespaced prompt name and
// forwards the call.
func (s *Session) GetPrompt(ctx context.Context, namespacedName string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	s.touch()

	ns, _, err := s.resolver.ExtractFromName(namespacedName)
	if err != nil {
		return nil, err
	}
	e, ok := s.getConnector(ns)
	if !ok || e.connector.Session() == nil {
		return nil, fmt.Errorf("upstream %q not connected", ns)
	}

	cctx, cancel := s.withUpstreamTimeout(ctx)
	defer cancel()
	return e.filtered.GetPrompt(cctx, namespacedName, arguments)
}

// Subscribe returns a channel of every DomainEvent of the given kind,
// closed once the session finishes tearing down. Pass EventShutdown for a
// single close-signal channel that fires no events of its own value before
// closing except the synthetic SHUTDOWN entry.
func (s *Session) Subscribe(kind DomainEventKind) <-chan DomainEvent {
	ch := make(chan DomainEvent, domainEventQueueSize)
	s.eventsMu.Lock()
	s.subscribers[kind] = append(s.subscribers[kind], ch)
	s.eventsMu.Unlock()
	return ch
}

func (s *Session) publish(ev DomainEvent) {
	s.eventsMu.Lock()
	chans := append([]chan DomainEvent(nil), s.subscribers[ev.Kind]...)
	s.eventsMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			log.Warnf("session %s: domain event queue full for kind %s, dropping", s.id, ev.Kind)
		}
	}
}

func (s *Session) closeAllSubscribers() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	for kind, chans := range s.subscribers {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.subscribers, kind)
	}
}

func (s *Session) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idleFor := time.Since(s.lastActivityAt)
			terminated := s.state == Terminated
			s.mu.Unlock()
			if terminated {
				return
			}
			if idleFor > s.idleTimeout {
				s.Close("idle")
				return
			}
		}
	}
}

// Close marks the session Terminated, stops the idle monitor, detaches the
// notification coordinator, disconnects every non-pooled upstream
// (releasing pooled ones back to the pool instead), clears the namespace
// resolver's reverse table, and publishes UpstreamDisconnected followed by
// SessionTerminated and the synthetic SHUTDOWN event. Safe to call more
// than once; only the first call has effect.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Terminated
	entries := s.connectors
	s.connectors = nil
	s.mu.Unlock()

	if s.idleCancel != nil {
		s.idleCancel()
	}
	s.coordinator.DetachAll()

	for ns, e := range entries {
		s.releaseConnector(e.spec, e.connector, e.listenerID)
		s.publish(DomainEvent{Kind: EventUpstreamDisconnected, Namespace: ns, OccurredAt: time.Now()})
		telemetry.RecordUpstreamDisconnected(context.Background(), ns)
	}

	s.resolver.Clear()

	s.publish(DomainEvent{Kind: EventSessionTerminated, OccurredAt: time.Now(), Reason: reason})
	s.publish(DomainEvent{Kind: EventShutdown, OccurredAt: time.Now()})
	s.closeAllSubscribers()
}
