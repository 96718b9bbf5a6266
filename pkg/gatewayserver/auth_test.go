package gatewayserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
)

type fakeStore struct {
	tokensByHash map[string]*bundle.TokenRecord
	bundles      map[string]*bundle.BundleRecord
}

func (s *fakeStore) FindTokenByHash(_ context.Context, hash string) (*bundle.TokenRecord, error) {
	rec, ok := s.tokensByHash[hash]
	if !ok {
		return nil, bundle.ErrTokenNotFound
	}
	return rec, nil
}

func (s *fakeStore) LoadBundle(_ context.Context, bundleID string) (*bundle.BundleRecord, error) {
	rec, ok := s.bundles[bundleID]
	if !ok {
		return nil, bundle.ErrTokenNotFound
	}
	return rec, nil
}

func (s *fakeStore) ListMemberships(context.Context, string) ([]bundle.MembershipRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetMCP(context.Context, string) (*bundle.MCPRecord, error) {
	return nil, bundle.ErrTokenNotFound
}

func (s *fakeStore) GetUserCredential(context.Context, string, string) (*bundle.CredentialRecord, bool, error) {
	return nil, false, nil
}

func (s *fakeStore) ListAllMCPs(context.Context) ([]bundle.MCPRecord, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	store := &fakeStore{
		tokensByHash: map[string]*bundle.TokenRecord{},
		bundles:      map[string]*bundle.BundleRecord{},
	}
	resolver := bundle.New(store, bundle.WildcardConfig{}, "test-secret")
	return New(resolver, nil, Config{}), store
}

func TestBearerAuthMiddlewareMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.bearerAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthMiddlewareInvalidToken(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.bearerAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer mcpb_unknown")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthMiddlewareValidToken(t *testing.T) {
	s, store := newTestServer(t)
	store.bundles["bundle-1"] = &bundle.BundleRecord{ID: "bundle-1", Name: "test bundle"}
	store.tokensByHash[bundle.TokenHash("mcpb_valid")] = &bundle.TokenRecord{ID: "token-1", BundleID: "bundle-1"}

	var gotBundle *bundle.Bundle
	handler := s.bearerAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBundle = bundleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer mcpb_valid")
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotBundle)
	assert.Equal(t, "bundle-1", gotBundle.BundleID)
}
