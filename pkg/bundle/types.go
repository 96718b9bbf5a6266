// Package bundle resolves an opaque bearer token to the set of upstream MCP
// servers a client is authorized to see.
package bundle

import (
	"time"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
)

// UpstreamSpec describes one upstream MCP server within a resolved Bundle.
type UpstreamSpec struct {
	Namespace    string
	URL          string
	Stateless    bool
	AuthStrategy auth.Strategy
	Auth         auth.Material
	Permissions  permission.Set
}

// Bundle is an immutable per-resolution snapshot: constructed once by
// Resolve and consumed once by session construction.
type Bundle struct {
	BundleID  string
	Name      string
	Upstreams []UpstreamSpec
}

// CredentialRecord is the at-rest shape of a decrypted (or still-encrypted,
// depending on where it sits in the pipeline) credential: a Kind tag plus the
// named fields that Kind needs. Field values are ciphertext
// ("ivHex:authTagHex:cipherHex") until Resolver.decryptCredential runs.
type CredentialRecord struct {
	Kind   auth.Kind
	Fields map[string]string
}

// TokenRecord is the persisted row a bundle token hashes to.
type TokenRecord struct {
	ID        string
	BundleID  string
	CreatedBy string
	RevokedAt *time.Time
	ExpiresAt *time.Time
}

// BundleRecord is the persisted bundle row, before memberships are attached.
type BundleRecord struct {
	ID   string
	Name string
}

// MembershipRecord is one bundle<->mcp row, carrying the per-upstream
// allow-lists (nil = absent/allow-all, non-nil-empty = deny-all).
type MembershipRecord struct {
	MCPID            string
	AllowedTools     permission.List
	AllowedResources permission.List
	AllowedPrompts   permission.List
}

// MCPRecord is the persisted upstream-MCP row.
type MCPRecord struct {
	ID               string
	Namespace        string
	URL              string
	Stateless        bool
	AuthStrategy     auth.Strategy
	MasterCredential *CredentialRecord // nil unless AuthStrategy == MASTER and one is configured
}
