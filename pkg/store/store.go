package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/bundle"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
)

var _ bundle.Store = (*Store)(nil)

type tokenRow struct {
	ID        string         `db:"id"`
	BundleID  string         `db:"bundle_id"`
	CreatedBy string         `db:"created_by"`
	RevokedAt sql.NullString `db:"revoked_at"`
	ExpiresAt sql.NullString `db:"expires_at"`
}

func (r tokenRow) toRecord() (*bundle.TokenRecord, error) {
	rec := &bundle.TokenRecord{ID: r.ID, BundleID: r.BundleID, CreatedBy: r.CreatedBy}
	if r.RevokedAt.Valid {
		t, err := time.Parse(time.RFC3339, r.RevokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse revoked_at: %w", err)
		}
		rec.RevokedAt = &t
	}
	if r.ExpiresAt.Valid {
		t, err := time.Parse(time.RFC3339, r.ExpiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// FindTokenByHash implements bundle.Store.
func (s *Store) FindTokenByHash(ctx context.Context, tokenHash string) (*bundle.TokenRecord, error) {
	const query = `SELECT id, bundle_id, created_by, revoked_at, expires_at FROM tokens WHERE token_hash = ?`
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bundle.ErrTokenNotFound
		}
		return nil, fmt.Errorf("store: find token: %w", err)
	}
	return row.toRecord()
}

// LoadBundle implements bundle.Store.
func (s *Store) LoadBundle(ctx context.Context, bundleID string) (*bundle.BundleRecord, error) {
	const query = `SELECT id, name FROM bundles WHERE id = ?`
	var rec bundle.BundleRecord
	if err := s.db.GetContext(ctx, &rec, query, bundleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bundle.ErrTokenNotFound
		}
		return nil, fmt.Errorf("store: load bundle: %w", err)
	}
	return &rec, nil
}

type membershipRow struct {
	MCPID            string         `db:"mcp_id"`
	AllowedToolsJSON sql.NullString `db:"allowed_tools_json"`
	AllowedResJSON   sql.NullString `db:"allowed_resources_json"`
	AllowedPromJSON  sql.NullString `db:"allowed_prompts_json"`
}

func decodeList(col sql.NullString) (permission.List, error) {
	if !col.Valid {
		return nil, nil
	}
	var list permission.List
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		return nil, fmt.Errorf("store: decode permission list: %w", err)
	}
	if list == nil {
		list = permission.List{}
	}
	return list, nil
}

// ListMemberships implements bundle.Store.
func (s *Store) ListMemberships(ctx context.Context, bundleID string) ([]bundle.MembershipRecord, error) {
	const query = `SELECT mcp_id, allowed_tools_json, allowed_resources_json, allowed_prompts_json
		FROM bundle_memberships WHERE bundle_id = ?`
	var rows []membershipRow
	if err := s.db.SelectContext(ctx, &rows, query, bundleID); err != nil {
		return nil, fmt.Errorf("store: list memberships: %w", err)
	}

	out := make([]bundle.MembershipRecord, 0, len(rows))
	for _, row := range rows {
		tools, err := decodeList(row.AllowedToolsJSON)
		if err != nil {
			return nil, err
		}
		resources, err := decodeList(row.AllowedResJSON)
		if err != nil {
			return nil, err
		}
		prompts, err := decodeList(row.AllowedPromJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, bundle.MembershipRecord{
			MCPID:            row.MCPID,
			AllowedTools:     tools,
			AllowedResources: resources,
			AllowedPrompts:   prompts,
		})
	}
	return out, nil
}

type mcpRow struct {
	ID           string `db:"id"`
	Namespace    string `db:"namespace"`
	URL          string `db:"url"`
	Stateless    bool   `db:"stateless"`
	AuthStrategy string `db:"auth_strategy"`
}

type credentialRow struct {
	Kind       string `db:"kind"`
	FieldsJSON string `db:"fields_json"`
}

func (r credentialRow) toRecord() (*bundle.CredentialRecord, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("store: decode credential fields: %w", err)
	}
	return &bundle.CredentialRecord{Kind: auth.Kind(r.Kind), Fields: fields}, nil
}

func (s *Store) loadMCP(ctx context.Context, mcpID string) (*bundle.MCPRecord, error) {
	const query = `SELECT id, namespace, url, stateless, auth_strategy FROM mcps WHERE id = ?`
	var row mcpRow
	if err := s.db.GetContext(ctx, &row, query, mcpID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bundle.ErrTokenNotFound
		}
		return nil, fmt.Errorf("store: load mcp: %w", err)
	}

	rec := &bundle.MCPRecord{
		ID:           row.ID,
		Namespace:    row.Namespace,
		URL:          row.URL,
		Stateless:    row.Stateless,
		AuthStrategy: auth.Strategy(row.AuthStrategy),
	}

	if rec.AuthStrategy == auth.StrategyMaster {
		const credQuery = `SELECT kind, fields_json FROM mcp_master_credentials WHERE mcp_id = ?`
		var credRow credentialRow
		err := s.db.GetContext(ctx, &credRow, credQuery, mcpID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No master credential configured; resolver falls back to none.
		case err != nil:
			return nil, fmt.Errorf("store: load master credential: %w", err)
		default:
			cred, err := credRow.toRecord()
			if err != nil {
				return nil, err
			}
			rec.MasterCredential = cred
		}
	}

	return rec, nil
}

// GetMCP implements bundle.Store.
func (s *Store) GetMCP(ctx context.Context, mcpID string) (*bundle.MCPRecord, error) {
	return s.loadMCP(ctx, mcpID)
}

// GetUserCredential implements bundle.Store.
func (s *Store) GetUserCredential(ctx context.Context, tokenID, mcpID string) (*bundle.CredentialRecord, bool, error) {
	const query = `SELECT kind, fields_json FROM token_credentials WHERE token_id = ? AND mcp_id = ?`
	var row credentialRow
	err := s.db.GetContext(ctx, &row, query, tokenID, mcpID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get user credential: %w", err)
	}
	cred, err := row.toRecord()
	if err != nil {
		return nil, false, err
	}
	return cred, true, nil
}

// ListAllMCPs implements bundle.Store.
func (s *Store) ListAllMCPs(ctx context.Context) ([]bundle.MCPRecord, error) {
	const query = `SELECT id FROM mcps`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("store: list mcps: %w", err)
	}

	out := make([]bundle.MCPRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadMCP(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
