package gatewayserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/telemetry"
)

type contextKey int

const bundleContextKey contextKey = iota

// bundleFromContext returns the Bundle a prior call to bearerAuthMiddleware
// resolved for this request. Panics if called on a request the middleware
// never ran on, which would be a wiring bug rather than a runtime condition.
func bundleFromContext(ctx context.Context) *bundle.Bundle {
	b, _ := ctx.Value(bundleContextKey).(*bundle.Bundle)
	if b == nil {
		panic("gatewayserver: bundleFromContext called without bearerAuthMiddleware")
	}
	return b
}

// bearerAuthMiddleware extracts the bearer token, resolves it to a Bundle,
// and stores the Bundle on the request context for downstream handlers.
// Resolution errors map to a response status the way spec §4.1 describes:
// invalid/unknown token to 401, missing bundle to 404, decryption failure
// to 500. Generalizes the teacher's single-static-token
// authenticationMiddleware in pkg/gateway/auth.go to per-request bundle
// resolution.
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpbundler-gateway"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		b, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			outcome := "error"
			switch {
			case errors.Is(err, bundle.ErrInvalidToken):
				outcome = "invalid_token"
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcpbundler-gateway"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			case errors.Is(err, bundle.ErrBundleNotFound):
				outcome = "bundle_not_found"
				http.Error(w, "Not Found", http.StatusNotFound)
			case errors.Is(err, bundle.ErrDecryptionFailed):
				outcome = "decryption_failed"
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			default:
				log.Errorf("gatewayserver: resolve token: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			telemetry.RecordBundleResolution(r.Context(), outcome)
			return
		}
		telemetry.RecordBundleResolution(r.Context(), "ok")

		ctx := context.WithValue(r.Context(), bundleContextKey, b)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
