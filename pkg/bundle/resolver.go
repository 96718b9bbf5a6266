package bundle

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrbemt/mcpbundler-gateway/pkg/auth"
	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
	"github.com/jrbemt/mcpbundler-gateway/pkg/secretcrypto"
)

// Errors surfaced by Resolve, mapped by the gateway server to a response
// status (401/404/500 respectively).
var (
	ErrInvalidToken     = errors.New("bundle: invalid token")
	ErrBundleNotFound   = errors.New("bundle: bundle not found")
	ErrDecryptionFailed = errors.New("bundle: decryption failed")
)

const wildcardBundleID = "wildcard"

// WildcardConfig enables a single debug/bootstrap token that resolves to
// every registered upstream, bypassing the store lookup entirely.
type WildcardConfig struct {
	Enabled bool
	Token   string
}

// Resolver turns a bearer token into the Bundle a client is authorized to
// see: hash the token, load its bundle and memberships, and materialize each
// membership's credential according to its auth strategy.
type Resolver struct {
	store Store
	key   [32]byte
	now   func() time.Time

	wildcardMu sync.RWMutex
	wildcard   WildcardConfig
}

// New builds a Resolver. secret is the process-wide encryption secret; its
// SHA-256 is the AES key used to decrypt stored credential fields.
func New(store Store, wildcard WildcardConfig, secret string) *Resolver {
	return &Resolver{
		store:    store,
		wildcard: wildcard,
		key:      secretcrypto.Key(secret),
		now:      time.Now,
	}
}

// Resolve turns a bearer token into a Bundle, or one of the Err* sentinels
// above if the token is invalid, unknown, revoked, or expired.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Bundle, error) {
	wildcard := r.Wildcard()
	if wildcard.Enabled && wildcard.Token != "" && constantTimeEqual(token, wildcard.Token) {
		return r.resolveWildcard(ctx)
	}
	return r.resolveToken(ctx, token)
}

// Wildcard returns the resolver's current wildcard-token configuration.
func (r *Resolver) Wildcard() WildcardConfig {
	r.wildcardMu.RLock()
	defer r.wildcardMu.RUnlock()
	return r.wildcard
}

// SetWildcard replaces the resolver's wildcard-token configuration, for
// config.Watcher-driven hot reload of spec §4.1's debug/bootstrap token.
func (r *Resolver) SetWildcard(cfg WildcardConfig) {
	r.wildcardMu.Lock()
	defer r.wildcardMu.Unlock()
	r.wildcard = cfg
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (r *Resolver) resolveWildcard(ctx context.Context) (*Bundle, error) {
	mcps, err := r.store.ListAllMCPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: list mcps for wildcard: %w", err)
	}

	var upstreams []UpstreamSpec
	for _, mcp := range mcps {
		switch mcp.AuthStrategy {
		case auth.StrategyUserSet:
			log.Infof("wildcard token: skipping upstream %q (USER_SET auth strategy)", mcp.Namespace)
			continue
		case auth.StrategyMaster:
			if mcp.MasterCredential == nil {
				log.Infof("wildcard token: skipping upstream %q (no master credential configured)", mcp.Namespace)
				continue
			}
		}

		material, err := r.materializeMaster(mcp)
		if err != nil {
			log.Errorf("wildcard token: %v", err)
			continue
		}

		upstreams = append(upstreams, UpstreamSpec{
			Namespace:    mcp.Namespace,
			URL:          mcp.URL,
			Stateless:    mcp.Stateless,
			AuthStrategy: mcp.AuthStrategy,
			Auth:         material,
			Permissions:  permissionsAllowAll(),
		})
	}

	return &Bundle{
		BundleID:  wildcardBundleID,
		Name:      "Wildcard Access - All MCPs",
		Upstreams: upstreams,
	}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string) (*Bundle, error) {
	hash := TokenHash(token)
	record, err := r.store.FindTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			log.Warnf("invalid token presented (prefix %s)", tokenPrefix(token))
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("bundle: find token: %w", err)
	}

	now := r.now()
	if record.RevokedAt != nil && !record.RevokedAt.After(now) {
		return nil, ErrInvalidToken
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(now) {
		return nil, ErrInvalidToken
	}

	bundleRecord, err := r.store.LoadBundle(ctx, record.BundleID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("bundle: load bundle: %w", err)
	}
	if bundleRecord == nil {
		return nil, ErrBundleNotFound
	}

	memberships, err := r.store.ListMemberships(ctx, bundleRecord.ID)
	if err != nil {
		return nil, fmt.Errorf("bundle: list memberships: %w", err)
	}

	var upstreams []UpstreamSpec
	for _, membership := range memberships {
		spec, include, err := r.materializeMembership(ctx, record, membership)
		if err != nil {
			log.Errorf("bundle %s: materializing upstream %s: %v", bundleRecord.ID, membership.MCPID, err)
			continue
		}
		if !include {
			continue
		}
		upstreams = append(upstreams, spec)
	}

	return &Bundle{
		BundleID:  bundleRecord.ID,
		Name:      bundleRecord.Name,
		Upstreams: upstreams,
	}, nil
}

func (r *Resolver) materializeMembership(ctx context.Context, token *TokenRecord, membership MembershipRecord) (UpstreamSpec, bool, error) {
	mcp, err := r.store.GetMCP(ctx, membership.MCPID)
	if err != nil {
		return UpstreamSpec{}, false, fmt.Errorf("get mcp: %w", err)
	}
	if err := namespace.ValidateNamespace(mcp.Namespace); err != nil {
		return UpstreamSpec{}, false, err
	}

	spec := UpstreamSpec{
		Namespace:    mcp.Namespace,
		URL:          mcp.URL,
		Stateless:    mcp.Stateless,
		AuthStrategy: mcp.AuthStrategy,
		Permissions: permission.Set{
			Tools:     membership.AllowedTools,
			Resources: membership.AllowedResources,
			Prompts:   membership.AllowedPrompts,
		},
	}

	switch mcp.AuthStrategy {
	case auth.StrategyNone, "":
		spec.Auth = auth.None()
		return spec, true, nil

	case auth.StrategyMaster:
		material, err := r.materializeMaster(*mcp)
		if err != nil {
			log.Errorf("decrypting master credential for %s: %v", mcp.Namespace, err)
			spec.Auth = auth.None()
			return spec, true, nil
		}
		spec.Auth = material
		return spec, true, nil

	case auth.StrategyUserSet:
		cred, ok, err := r.store.GetUserCredential(ctx, token.ID, mcp.ID)
		if err != nil {
			return UpstreamSpec{}, false, fmt.Errorf("get user credential: %w", err)
		}
		if !ok {
			// No credential bound for this token: exclude the upstream
			// rather than connecting unauthenticated.
			return UpstreamSpec{}, false, nil
		}
		material, err := r.decryptCredential(*cred)
		if err != nil {
			return UpstreamSpec{}, false, fmt.Errorf("decrypt user credential: %w", err)
		}
		spec.Auth = material
		return spec, true, nil

	default:
		return UpstreamSpec{}, false, fmt.Errorf("unknown auth strategy %q", mcp.AuthStrategy)
	}
}

func (r *Resolver) materializeMaster(mcp MCPRecord) (auth.Material, error) {
	if mcp.MasterCredential == nil {
		return auth.None(), nil
	}
	return r.decryptCredential(*mcp.MasterCredential)
}

// decryptCredential turns a CredentialRecord (ciphertext fields) into an
// auth.Material (plaintext fields) according to its Kind tag.
func (r *Resolver) decryptCredential(cred CredentialRecord) (auth.Material, error) {
	plain := make(map[string]string, len(cred.Fields))
	for name, value := range cred.Fields {
		if !secretcrypto.LooksEncrypted(value) {
			// Non-secret companion fields (e.g. an apiKey header name) are
			// stored in the clear.
			plain[name] = value
			continue
		}
		decoded, err := secretcrypto.Decrypt(r.key, value)
		if err != nil {
			return auth.Material{}, fmt.Errorf("%w: field %q: %v", ErrDecryptionFailed, name, err)
		}
		plain[name] = string(decoded)
	}

	switch cred.Kind {
	case auth.KindBearer:
		return auth.NewBearer(plain["token"]), nil
	case auth.KindBasic:
		return auth.NewBasic(plain["user"], plain["pass"]), nil
	case auth.KindAPIKey:
		return auth.NewAPIKey(plain["headerName"], plain["value"]), nil
	case auth.KindOAuth2:
		var expiresAt *int64
		if v, ok := plain["expiresAt"]; ok && v != "" {
			var parsed int64
			if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
				expiresAt = &parsed
			}
		}
		return auth.NewOAuth2(plain["accessToken"], plain["refreshToken"], expiresAt), nil
	case auth.KindMTLS:
		return auth.NewMTLS(plain["clientCert"], plain["clientKey"], plain["caBundle"]), nil
	default:
		return auth.None(), nil
	}
}

// TokenHash computes the SHA-256 hex hash a bundle token is stored and
// looked up by. Tokens are never persisted or logged in plaintext.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokenPrefix returns a short, log-safe prefix of a token.
func tokenPrefix(token string) string {
	const n = 8
	if len(token) <= n {
		return token[:0]
	}
	return token[:n] + "…"
}

func permissionsAllowAll() permission.Set {
	return permission.Set{}
}
