package bundle

import (
	"context"
	"errors"
)

// ErrTokenNotFound is returned by Store.FindTokenByHash when no row matches.
var ErrTokenNotFound = errors.New("bundle: token not found")

// Store is the persistence interface the resolver depends on. pkg/store
// provides one concrete implementation; any other backing store can satisfy
// this interface.
type Store interface {
	// FindTokenByHash looks up a token by its SHA-256 hex hash. Returns
	// ErrTokenNotFound if absent.
	FindTokenByHash(ctx context.Context, tokenHash string) (*TokenRecord, error)

	// LoadBundle loads a bundle row by id.
	LoadBundle(ctx context.Context, bundleID string) (*BundleRecord, error)

	// ListMemberships loads every upstream membership for a bundle.
	ListMemberships(ctx context.Context, bundleID string) ([]MembershipRecord, error)

	// GetMCP loads a single upstream-MCP row by id.
	GetMCP(ctx context.Context, mcpID string) (*MCPRecord, error)

	// GetUserCredential looks up a credential bound to (tokenID, mcpID) for
	// USER_SET upstreams. ok is false when none exists — not an error.
	GetUserCredential(ctx context.Context, tokenID, mcpID string) (cred *CredentialRecord, ok bool, err error)

	// ListAllMCPs returns every registered upstream-MCP row, used only for
	// wildcard-token resolution.
	ListAllMCPs(ctx context.Context) ([]MCPRecord, error)
}
