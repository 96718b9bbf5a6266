// Package upstream manages outbound connections to upstream MCP servers:
// dialing, auth material application, health monitoring with reconnect, and
// notification forwarding.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
)

const (
	keepAliveInterval  = 30 * time.Second
	healthPingTimeout  = 10 * time.Second
	connectTimeout     = 15 * time.Second
	// reconnectMaxAttempts and the initial/max interval below implement
	// spec §4.2's reconnect rule exactly: delay = min(30s, 1s*2^attempts),
	// attempts capped at 5.
	reconnectMaxAttempts  = 5
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

var (
	// ErrDisconnected is returned by operations attempted while the
	// connector has no live session and reconnection hasn't completed yet.
	ErrDisconnected = errors.New("upstream: disconnected")
	// ErrBlockedURL is returned when an upstream URL fails SSRF validation.
	ErrBlockedURL = errors.New("upstream: url not allowed")
)

// ChangeKind identifies which list a ListChanged notification concerns.
type ChangeKind string

const (
	ChangeTools     ChangeKind = "tools"
	ChangeResources ChangeKind = "resources"
	ChangePrompts   ChangeKind = "prompts"
)

// NotificationHandler is invoked whenever the upstream reports a list change.
type NotificationHandler func(namespace string, kind ChangeKind)

// ListenerID identifies one registered NotificationHandler, returned by
// AddListener and consumed by RemoveListener.
type ListenerID uint64

// Connector owns a single live connection to one upstream MCP server. It
// reconnects on health-check failure using an exponential backoff and
// re-applies the same UpstreamSpec on every attempt. A Connector may be
// shared across several sessions when pooled (spec §4.7), so notification
// delivery is a registry of listeners rather than a single fixed callback:
// every session attached to it — including ones that joined via a pooled
// Acquire after the first dial — gets its own list-changed notifications,
// and one session detaching (on Close) never silences the others.
type Connector struct {
	spec bundle.UpstreamSpec

	mu                sync.RWMutex
	session           *mcp.ClientSession
	capabilities      *mcp.ServerCapabilities
	closed            atomic.Bool
	reconnectAttempts atomic.Int32

	cancelHealth context.CancelFunc

	listenersMu    sync.Mutex
	listeners      map[ListenerID]NotificationHandler
	nextListenerID uint64

	toolsCache             *listCache[*mcp.ListToolsResult]
	resourcesCache         *listCache[*mcp.ListResourcesResult]
	resourceTemplatesCache *listCache[*mcp.ListResourceTemplatesResult]
	promptsCache           *listCache[*mcp.ListPromptsResult]
}

// ReconnectAttempts reports the number of dial attempts made since the last
// successful (re)connect, summed over every reconnect round (each round is
// capped at 5 attempts); it resets to 0 on a successful (re)connect.
func (c *Connector) ReconnectAttempts() int { return int(c.reconnectAttempts.Load()) }

// AddListener registers h to receive every future list-changed notification
// this connector reports, returning a token for a later RemoveListener. A nil
// h is a no-op and returns the zero ListenerID.
func (c *Connector) AddListener(h NotificationHandler) ListenerID {
	if h == nil {
		return 0
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListenerID++
	id := ListenerID(c.nextListenerID)
	c.listeners[id] = h
	return id
}

// RemoveListener unregisters a listener previously returned by AddListener.
// The zero ListenerID (never issued by AddListener) is a no-op, so callers
// that skipped registration (a nil handler) can unconditionally call
// RemoveListener on whatever token they were handed.
func (c *Connector) RemoveListener(id ListenerID) {
	if id == 0 {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

// Connect dials an upstream MCP server and, for a stateful spec, starts its
// health-monitoring loop. The returned Connector must be closed when no longer needed. devMode
// relaxes the SSRF guard in validateUpstreamURL to allow private/loopback/
// link-local/".local" upstream targets, per spec §4.2 step 1 and §6's
// "dev flag enabling private-IP upstreams". Callers that want list-changed
// notifications must register with AddListener after Connect returns.
func Connect(ctx context.Context, spec bundle.UpstreamSpec, devMode bool) (*Connector, error) {
	if err := validateUpstreamURL(spec.URL, devMode); err != nil {
		return nil, err
	}

	c := &Connector{
		spec:                   spec,
		listeners:              make(map[ListenerID]NotificationHandler),
		toolsCache:             newListCache[*mcp.ListToolsResult](),
		resourcesCache:         newListCache[*mcp.ListResourcesResult](),
		resourceTemplatesCache: newListCache[*mcp.ListResourceTemplatesResult](),
		promptsCache:           newListCache[*mcp.ListPromptsResult](),
	}

	session, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.session = session
	c.capabilities = session.InitializeResult().Capabilities

	// Health monitor (spec §4.2): stateful upstreams only. Stateless,
	// pool-shared connectors are never health-pinged or auto-reconnected;
	// a dead one simply fails its next call and is replaced on next Acquire.
	if !spec.Stateless {
		healthCtx, cancel := context.WithCancel(context.Background())
		c.cancelHealth = cancel
		go c.healthLoop(healthCtx)
	}

	return c, nil
}

// validateUpstreamURL rejects non-HTTP(S) schemes always, and, outside of
// devMode, rejects loopback/private/link-local addresses and ".local"
// hostnames too: upstream URLs come from operator-configured bundle data,
// not end-user input, but connectors are still the boundary where an SSRF
// into internal infrastructure would land.
func validateUpstreamURL(raw string, devMode bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if devMode {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("%w: %s", ErrBlockedURL, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() || ip.IsMulticast() || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("%w: %s", ErrBlockedURL, host)
		}
	}
	return nil
}

func (c *Connector) dial(ctx context.Context) (*mcp.ClientSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	httpClient := &http.Client{Transport: &authRoundTripper{material: c.spec.Auth, base: http.DefaultTransport}}

	tlsConfig, err := c.spec.Auth.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("upstream %s: tls config: %w", c.spec.Namespace, err)
	}
	if tlsConfig != nil {
		httpClient.Transport = &authRoundTripper{
			material: c.spec.Auth,
			base: &http.Transport{TLSClientConfig: tlsConfig},
		}
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   c.spec.URL,
		HTTPClient: httpClient,
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "mcpbundler-gateway",
		Version: "0.1.0",
	}, &mcp.ClientOptions{
		KeepAlive: keepAliveInterval,
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.notify(ChangeTools)
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			c.notify(ChangePrompts)
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			c.notify(ChangeResources)
		},
	})

	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: connect: %w", c.spec.Namespace, err)
	}
	return session, nil
}

// notify invalidates the matching list cache(s) and forwards the change
// event to every registered listener, per spec §4.2 "Caching of list
// operations" ("On receipt of the matching list_changed, invalidate the
// cache for that kind (resources invalidates both resources and
// resource-templates)") and spec §4.5/§4.7's requirement that every session
// sharing a pooled connector gets its own notifications.
func (c *Connector) notify(kind ChangeKind) {
	switch kind {
	case ChangeTools:
		c.toolsCache.purge()
	case ChangeResources:
		c.resourcesCache.purge()
		c.resourceTemplatesCache.purge()
	case ChangePrompts:
		c.promptsCache.purge()
	}

	c.listenersMu.Lock()
	handlers := make([]NotificationHandler, 0, len(c.listeners))
	for _, h := range c.listeners {
		handlers = append(handlers, h)
	}
	c.listenersMu.Unlock()

	for _, h := range handlers {
		h(c.spec.Namespace, kind)
	}
}

func (c *Connector) capsSnapshot() *mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// supportsTools, supportsResources and supportsPrompts implement the §4.2
// "Capability gate": a nil capabilities record (never observed) degrades to
// "supported"; once capabilities are known, an omitted block means the
// upstream does not support that list and the call returns an empty result.
func (c *Connector) supportsTools() bool {
	caps := c.capsSnapshot()
	return caps == nil || caps.Tools != nil
}

func (c *Connector) supportsResources() bool {
	caps := c.capsSnapshot()
	return caps == nil || caps.Resources != nil
}

func (c *Connector) supportsPrompts() bool {
	caps := c.capsSnapshot()
	return caps == nil || caps.Prompts != nil
}

// ListTools returns the upstream's tool list for cursor, serving from cache
// when available and gating on the tools capability.
func (c *Connector) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	if !c.supportsTools() {
		return &mcp.ListToolsResult{}, nil
	}
	if cached, ok := c.toolsCache.get(cursor); ok {
		return cached, nil
	}
	session := c.Session()
	if session == nil {
		return nil, ErrDisconnected
	}
	result, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	c.toolsCache.set(cursor, result)
	return result, nil
}

// ListResources mirrors ListTools for resources.
func (c *Connector) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	if !c.supportsResources() {
		return &mcp.ListResourcesResult{}, nil
	}
	if cached, ok := c.resourcesCache.get(cursor); ok {
		return cached, nil
	}
	session := c.Session()
	if session == nil {
		return nil, ErrDisconnected
	}
	result, err := session.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	c.resourcesCache.set(cursor, result)
	return result, nil
}

// ListResourceTemplates mirrors ListTools for resource templates, gated on
// the same "resources" capability (§4.2: "resources invalidates both
// resources and resource-templates").
func (c *Connector) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	if !c.supportsResources() {
		return &mcp.ListResourceTemplatesResult{}, nil
	}
	if cached, ok := c.resourceTemplatesCache.get(cursor); ok {
		return cached, nil
	}
	session := c.Session()
	if session == nil {
		return nil, ErrDisconnected
	}
	result, err := session.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	c.resourceTemplatesCache.set(cursor, result)
	return result, nil
}

// ListPrompts mirrors ListTools for prompts.
func (c *Connector) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	if !c.supportsPrompts() {
		return &mcp.ListPromptsResult{}, nil
	}
	if cached, ok := c.promptsCache.get(cursor); ok {
		return cached, nil
	}
	session := c.Session()
	if session == nil {
		return nil, ErrDisconnected
	}
	result, err := session.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	c.promptsCache.set(cursor, result)
	return result, nil
}

// Session returns the live client session, or nil if currently disconnected.
func (c *Connector) Session() *mcp.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Namespace reports the upstream's namespace.
func (c *Connector) Namespace() string { return c.spec.Namespace }

// healthLoop pings the upstream on an interval, and reconnects with
// exponential backoff on failure. Grounded on the health-ping-then-reconnect
// shape used by MCP client managers elsewhere in the ecosystem, replacing
// hand-rolled backoff math with cenkalti/backoff/v5.
func (c *Connector) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session := c.Session()
			if session == nil {
				c.reconnect(ctx)
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
			err := session.Ping(pingCtx, nil)
			cancel()
			if err != nil {
				log.Warnf("upstream %s: ping failed: %v", c.spec.Namespace, err)
				c.markDisconnected()
				c.reconnect(ctx)
			}
		}
	}
}

func (c *Connector) markDisconnected() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// reconnect retries dialing with exponential backoff capped at 5 attempts
// and a 30s max delay, per spec §4.2. After the cap is hit it logs and
// leaves the connector disconnected; the next healthLoop tick finds no
// session and starts another round of attempts.
func (c *Connector) reconnect(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = reconnectInitialDelay
	eb.MaxInterval = reconnectMaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	op := func() (*mcp.ClientSession, error) {
		c.reconnectAttempts.Add(1)
		return c.dial(ctx)
	}
	session, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(reconnectMaxAttempts),
	)
	if err != nil {
		log.Errorf("upstream %s: reconnect failed after %d attempts: %v", c.spec.Namespace, c.reconnectAttempts.Load(), err)
		return
	}
	c.reconnectAttempts.Store(0)
	c.mu.Lock()
	c.session = session
	c.capabilities = session.InitializeResult().Capabilities
	c.mu.Unlock()
	log.Infof("upstream %s: reconnected", c.spec.Namespace)
}

// Close stops health monitoring and disconnects the session.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancelHealth != nil {
		c.cancelHealth()
	}
	session := c.Session()
	if session == nil {
		return nil
	}
	return session.Close()
}

type authRoundTripper struct {
	material auth.Material
	base     http.RoundTripper
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	t.material.ApplyHeaders(req2.Header)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}
