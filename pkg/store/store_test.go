package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
	"github.com/jrbemt/mcpbundler-gateway/pkg/secretcrypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(WithDatabaseFile(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTripResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	userID, err := s.CreateAPIUser(ctx, "alice")
	require.NoError(t, err)

	mcpID, err := s.CreateMCP(ctx, "github", "https://github.internal/mcp", false, auth.StrategyMaster)
	require.NoError(t, err)

	key := secretcrypto.Key("test-secret")
	enc, err := secretcrypto.Encrypt(key, []byte("ghp_xxx"))
	require.NoError(t, err)
	require.NoError(t, s.SetMasterCredential(ctx, mcpID, auth.KindBearer, map[string]string{"token": enc}))

	bundleID, err := s.CreateBundle(ctx, "Engineering")
	require.NoError(t, err)
	require.NoError(t, s.AddMembership(ctx, bundleID, mcpID, permission.List{"search_issues"}, nil, nil))

	tokenID, err := s.IssueToken(ctx, bundleID, bundle.TokenHash("tok-abc"), userID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	resolver := bundle.New(s, bundle.WildcardConfig{}, "test-secret")
	b, err := resolver.Resolve(ctx, "tok-abc")
	require.NoError(t, err)
	require.Len(t, b.Upstreams, 1)
	require.Equal(t, "github", b.Upstreams[0].Namespace)
	require.Equal(t, auth.KindBearer, b.Upstreams[0].Auth.Kind)
	require.Equal(t, "ghp_xxx", b.Upstreams[0].Auth.Bearer.Token)
	require.Equal(t, permission.List{"search_issues"}, b.Upstreams[0].Permissions.Tools)
}

func TestStoreUserSetCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	userID, err := s.CreateAPIUser(ctx, "bob")
	require.NoError(t, err)
	mcpID, err := s.CreateMCP(ctx, "notion", "https://notion.internal/mcp", false, auth.StrategyUserSet)
	require.NoError(t, err)
	bundleID, err := s.CreateBundle(ctx, "Personal")
	require.NoError(t, err)
	require.NoError(t, s.AddMembership(ctx, bundleID, mcpID, nil, nil, nil))

	tokenID, err := s.IssueToken(ctx, bundleID, bundle.TokenHash("tok-xyz"), userID, nil)
	require.NoError(t, err)

	key := secretcrypto.Key("test-secret")
	enc, err := secretcrypto.Encrypt(key, []byte("secret-value"))
	require.NoError(t, err)
	require.NoError(t, s.SetUserCredential(ctx, tokenID, mcpID, auth.KindAPIKey, map[string]string{
		"headerName": "X-Api-Key",
		"value":      enc,
	}))

	resolver := bundle.New(s, bundle.WildcardConfig{}, "test-secret")
	b, err := resolver.Resolve(ctx, "tok-xyz")
	require.NoError(t, err)
	require.Len(t, b.Upstreams, 1)
	require.Equal(t, "secret-value", b.Upstreams[0].Auth.APIKey.Value)
}

func TestStoreRevokedTokenRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	userID, err := s.CreateAPIUser(ctx, "carol")
	require.NoError(t, err)
	mcpID, err := s.CreateMCP(ctx, "files", "https://files.internal/mcp", false, auth.StrategyNone)
	require.NoError(t, err)
	bundleID, err := s.CreateBundle(ctx, "Ops")
	require.NoError(t, err)
	require.NoError(t, s.AddMembership(ctx, bundleID, mcpID, nil, nil, nil))

	tokenID, err := s.IssueToken(ctx, bundleID, bundle.TokenHash("tok-revoked"), userID, nil)
	require.NoError(t, err)
	require.NoError(t, s.RevokeToken(ctx, tokenID))

	resolver := bundle.New(s, bundle.WildcardConfig{}, "test-secret")
	_, err = resolver.Resolve(ctx, "tok-revoked")
	require.ErrorIs(t, err, bundle.ErrInvalidToken)
}
