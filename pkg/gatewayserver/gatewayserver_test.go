package gatewayserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffStringSlices(t *testing.T) {
	additions, removals := diffStringSlices([]string{"a", "b"}, []string{"b", "c"})
	assert.ElementsMatch(t, []string{"c"}, additions)
	assert.ElementsMatch(t, []string{"a"}, removals)
}

func TestDiffStringSlicesNoChange(t *testing.T) {
	additions, removals := diffStringSlices([]string{"a"}, []string{"a"})
	assert.Empty(t, additions)
	assert.Empty(t, removals)
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sse", nil)
	r.Header.Set("Authorization", "Bearer mcpb_abc123")
	assert.Equal(t, "mcpb_abc123", extractBearerToken(r))
}

func TestExtractBearerTokenMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sse", nil)
	assert.Empty(t, extractBearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, extractBearerToken(r))
}

func TestIsAllowedOrigin(t *testing.T) {
	assert.True(t, isAllowedOrigin("http://localhost:5173"))
	assert.True(t, isAllowedOrigin("https://127.0.0.1:8080"))
	assert.False(t, isAllowedOrigin("https://evil.example.com"))
	assert.False(t, isAllowedOrigin("not-a-url"))
}

func TestBundleFromContextPanicsWithoutMiddleware(t *testing.T) {
	assert.Panics(t, func() {
		bundleFromContext(httptest.NewRequest(http.MethodGet, "/sse", nil).Context())
	})
}
