package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
)

// The management REST API that would normally front these writes is out of
// scope; this file gives the test suite a minimal admin surface over the same
// schema bundle.Store reads from. No CLI command calls these functions.

// CreateAPIUser inserts a row, returning its generated id.
func (s *Store) CreateAPIUser(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	const query = `INSERT INTO api_users (id, name, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, id, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("store: create api user: %w", err)
	}
	return id, nil
}

// CreateMCP registers an upstream MCP server.
func (s *Store) CreateMCP(ctx context.Context, namespace, url string, stateless bool, strategy auth.Strategy) (string, error) {
	id := uuid.NewString()
	const query = `INSERT INTO mcps (id, namespace, url, stateless, auth_strategy) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, id, namespace, url, stateless, string(strategy))
	if err != nil {
		return "", fmt.Errorf("store: create mcp: %w", err)
	}
	return id, nil
}

// SetMasterCredential attaches (or replaces) the MASTER credential for an
// MCP. fields must already be at-rest-encrypted where the field is secret.
func (s *Store) SetMasterCredential(ctx context.Context, mcpID string, kind auth.Kind, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: marshal credential fields: %w", err)
	}
	const query = `INSERT INTO mcp_master_credentials (mcp_id, kind, fields_json) VALUES (?, ?, ?)
		ON CONFLICT(mcp_id) DO UPDATE SET kind = excluded.kind, fields_json = excluded.fields_json`
	if _, err := s.db.ExecContext(ctx, query, mcpID, string(kind), string(payload)); err != nil {
		return fmt.Errorf("store: set master credential: %w", err)
	}
	return nil
}

// CreateBundle inserts a bundle row.
func (s *Store) CreateBundle(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	const query = `INSERT INTO bundles (id, name) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, name); err != nil {
		return "", fmt.Errorf("store: create bundle: %w", err)
	}
	return id, nil
}

func encodeList(list permission.List) (any, error) {
	if list == nil {
		return nil, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("store: marshal permission list: %w", err)
	}
	return string(b), nil
}

// AddMembership attaches an MCP to a bundle with its per-kind allow-lists.
// A nil list means allow-all; an empty non-nil list means deny-all.
func (s *Store) AddMembership(ctx context.Context, bundleID, mcpID string, tools, resources, prompts permission.List) error {
	toolsJSON, err := encodeList(tools)
	if err != nil {
		return err
	}
	resourcesJSON, err := encodeList(resources)
	if err != nil {
		return err
	}
	promptsJSON, err := encodeList(prompts)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	const query = `INSERT INTO bundle_memberships
		(id, bundle_id, mcp_id, allowed_tools_json, allowed_resources_json, allowed_prompts_json)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, id, bundleID, mcpID, toolsJSON, resourcesJSON, promptsJSON)
	if err != nil {
		return fmt.Errorf("store: add membership: %w", err)
	}
	return nil
}

// IssueToken creates a bundle token row for an already-hashed token and
// returns its id. expiresAt may be nil for a non-expiring token.
func (s *Store) IssueToken(ctx context.Context, bundleID, tokenHash, createdByUserID string, expiresAt *time.Time) (string, error) {
	id := uuid.NewString()
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UTC().Format(time.RFC3339)
	}
	const query = `INSERT INTO tokens (id, bundle_id, token_hash, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, id, bundleID, tokenHash, createdByUserID, time.Now().UTC().Format(time.RFC3339), expires)
	if err != nil {
		return "", fmt.Errorf("store: issue token: %w", err)
	}
	return id, nil
}

// RevokeToken marks a token revoked as of now.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	const query = `UPDATE tokens SET revoked_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339), tokenID)
	if err != nil {
		return fmt.Errorf("store: revoke token: %w", err)
	}
	return nil
}

// SetUserCredential attaches (or replaces) a USER_SET credential bound to a
// specific token for a specific MCP. fields must already be at-rest-encrypted
// where the field is secret.
func (s *Store) SetUserCredential(ctx context.Context, tokenID, mcpID string, kind auth.Kind, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: marshal credential fields: %w", err)
	}
	id := uuid.NewString()
	const query = `INSERT INTO token_credentials (id, token_id, mcp_id, kind, fields_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id, mcp_id) DO UPDATE SET kind = excluded.kind, fields_json = excluded.fields_json`
	if _, err := s.db.ExecContext(ctx, query, id, tokenID, mcpID, string(kind), string(payload)); err != nil {
		return fmt.Errorf("store: set user credential: %w", err)
	}
	return nil
}
