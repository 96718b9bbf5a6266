// Package gatewayserver is the downstream MCP transport adapter: it
// authenticates a bearer token against pkg/bundle, mints a fresh
// pkg/session.Session for the resolved bundle, and exposes that session's
// aggregated tools/resources/prompts as a single virtual MCP server per
// connection. Grounded on the teacher's pkg/gateway package (run.go,
// transport.go, auth.go, reload.go), generalized from one static
// catalog-wide *mcp.Server to one per-bundle server minted per connection.
package gatewayserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/health"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/session"
	"github.com/jrbemt/mcpbundler-gateway/pkg/telemetry"
	"github.com/jrbemt/mcpbundler-gateway/pkg/upstream"
)

// Config tunes the downstream-facing server.
type Config struct {
	Name          string
	Version       string
	SessionConfig session.Config
	// DevMode disables the loopback-only Origin check, for local development
	// behind a reverse proxy or when every caller is already trusted.
	DevMode bool
}

// Server mints one session.Session and one bound *mcp.Server per downstream
// connection, and tracks them for health reporting and graceful shutdown.
type Server struct {
	cfg      Config
	resolver *bundle.Resolver
	pool     *upstream.Pool
	Health   health.State

	devMode atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New builds a Server. resolver turns bearer tokens into Bundles; pool is
// the process-wide upstream connector pool every session's connectors are
// drawn from.
func New(resolver *bundle.Resolver, pool *upstream.Pool, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "mcpbundler-gateway"
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		pool:     pool,
		sessions: make(map[string]*session.Session),
	}
	s.devMode.Store(cfg.DevMode)
	return s
}

// SetDevMode flips the loopback-only Origin check on or off without a
// restart, for config.Watcher-driven hot reload.
func (s *Server) SetDevMode(enabled bool) {
	s.devMode.Store(enabled)
}

// Router builds the HTTP mux: /health plus the SSE and streamable-HTTP MCP
// endpoints, both behind bearer auth and origin security.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler(&s.Health))

	sseHandler := mcp.NewSSEHandler(func(r *http.Request) *mcp.Server {
		return s.newSessionServer(r.Context(), bundleFromContext(r.Context()), "sse")
	}, nil)
	r.Handle("/sse", s.originSecurityHandler(s.bearerAuthMiddleware(sseHandler)))

	streamHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.newSessionServer(r.Context(), bundleFromContext(r.Context()), "streamable-http")
	}, nil)
	r.Handle("/mcp", s.originSecurityHandler(s.bearerAuthMiddleware(streamHandler)))

	return r
}

// newSessionServer resolves into a fresh session.Session, builds a
// *mcp.Server scoped to it, performs the initial tool/resource/prompt
// registration, and wires background forwarding of list-changed events and
// session teardown.
func (s *Server) newSessionServer(ctx context.Context, b *bundle.Bundle, transport string) *mcp.Server {
	id := uuid.NewString()
	sessCfg := s.cfg.SessionConfig
	sessCfg.DevMode = s.devMode.Load()
	sess := session.New(ctx, id, *b, s.pool, sessCfg)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	telemetry.RecordGatewayStart(ctx, transport)
	telemetry.RecordSessionEstablished(ctx)

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    s.cfg.Name,
		Version: s.cfg.Version,
	}, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
		HasPrompts:   true,
		InitializedHandler: func(_ context.Context, req *mcp.InitializedRequest) {
			clientInfo := req.Session.InitializeParams().ClientInfo
			if clientInfo != nil {
				log.Infof("session %s: client initialized %s@%s", id, clientInfo.Name, clientInfo.Version)
			}
		},
	})

	names := &registeredNames{}
	if updated, err := reconcile(ctx, sess, mcpServer, names); err != nil {
		log.Errorf("session %s: initial reconcile: %v", id, err)
	} else {
		names = updated
	}

	go s.forwardListChanged(sess, mcpServer, names)
	go s.cleanupOnTermination(sess)

	return mcpServer
}

// forwardListChanged reconciles the session's registered tools, resources,
// templates and prompts every time an upstream's list changes, until the
// session terminates.
func (s *Server) forwardListChanged(sess *session.Session, mcpServer *mcp.Server, names *registeredNames) {
	ctx := context.Background()
	for range sess.ListChanged() {
		updated, err := reconcile(ctx, sess, mcpServer, names)
		if err != nil {
			log.Errorf("session %s: reconcile on list-changed: %v", sess.ID(), err)
			continue
		}
		names = updated
	}
}

// cleanupOnTermination drains the session's SessionTerminated/SHUTDOWN
// subscriptions and removes it from the tracked session map once it tears
// down, from idle timeout or an explicit Close such as Shutdown's. A
// downstream client disconnecting does not close the session.
func (s *Server) cleanupOnTermination(sess *session.Session) {
	terminated := sess.Subscribe(session.EventSessionTerminated)
	shutdown := sess.Subscribe(session.EventShutdown)

	reason := "terminated"
	if ev, ok := <-terminated; ok && ev.Reason != "" {
		reason = ev.Reason
	}
	for range shutdown {
	}
	telemetry.RecordSessionTerminated(context.Background(), reason)

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Shutdown marks the server unhealthy and closes every tracked session,
// matching the graceful-shutdown SHUTDOWN-subscriber contract spec §12.3
// describes.
func (s *Server) Shutdown(_ context.Context) {
	s.Health.SetDraining()

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close("shutdown")
	}
}

// SessionCount reports the number of currently tracked sessions, used by the
// serve command's shutdown logging.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
