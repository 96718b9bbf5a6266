package gatewayserver

import (
	"context"
	"net/http"
	"net/url"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/health"
)

// StartStdio serves a single bundle over stdio. A stdio client has no HTTP
// headers to carry a bearer token, so the bundle is resolved once, up
// front, from the supplied token (typically MCPBUNDLER_TOKEN), matching the
// single-process, single-identity shape of the teacher's stdio transport.
func (s *Server) StartStdio(ctx context.Context, token string) error {
	b, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		return err
	}
	mcpServer := s.newSessionServer(ctx, b, "stdio")
	return mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func healthHandler(state *health.State) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if state.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// isAllowedOrigin reports whether origin is a loopback address. Non-loopback
// origins are rejected unless the gateway is explicitly run in dev mode.
func isAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// originSecurityHandler validates the Origin header to prevent DNS
// rebinding attacks against the SSE/streamable-HTTP listeners. Grounded on
// the teacher's originSecurityHandler in pkg/gateway/transport.go; the
// DOCKER_MCP_IN_CONTAINER bypass there becomes a DevMode flag here.
func (s *Server) originSecurityHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.devMode.Load() {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin != "" && !isAllowedOrigin(origin) {
			http.Error(w, "Forbidden: Invalid Origin header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
