// Package auth models the per-upstream credential as a discriminated sum
// rather than an untyped map. The bundle resolver decrypts directly into a
// Material; nothing downstream ever inspects a bare map[string]string for
// credentials.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
)

// Strategy is how an UpstreamSpec's credential is meant to be resolved.
type Strategy string

const (
	StrategyNone    Strategy = "NONE"
	StrategyMaster  Strategy = "MASTER"
	StrategyUserSet Strategy = "USER_SET"
)

// Kind tags which variant a Material holds. Absence of auth and
// Kind == KindNone are always the same thing — there is exactly one
// representation for "no credential".
type Kind string

const (
	KindNone   Kind = "none"
	KindBearer Kind = "bearer"
	KindBasic  Kind = "basic"
	KindAPIKey Kind = "apiKey"
	KindOAuth2 Kind = "oauth2"
	KindMTLS   Kind = "mtls"
)

// Bearer is a plain bearer token credential.
type Bearer struct {
	Token string
}

// Basic is HTTP basic auth.
type Basic struct {
	User string
	Pass string
}

// APIKey is a named-header API key.
type APIKey struct {
	HeaderName string
	Value      string
}

// OAuth2 holds an already-issued access token; the web flow that produced it
// happens elsewhere and is out of scope here.
type OAuth2 struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *int64 // unix seconds, optional
}

// MTLS is a client certificate/key pair with an optional custom CA bundle.
type MTLS struct {
	ClientCert string // PEM
	ClientKey  string // PEM
	CABundle   string // PEM, optional
}

// Material is the tagged union of every credential shape an upstream can
// carry. At most one of the pointer fields is non-nil, matching Kind; for
// KindNone all of them are nil.
type Material struct {
	Kind   Kind
	Bearer *Bearer
	Basic  *Basic
	APIKey *APIKey
	OAuth2 *OAuth2
	MTLS   *MTLS
}

// None is the single representation of "no credential material".
func None() Material { return Material{Kind: KindNone} }

func NewBearer(token string) Material {
	return Material{Kind: KindBearer, Bearer: &Bearer{Token: token}}
}

func NewBasic(user, pass string) Material {
	return Material{Kind: KindBasic, Basic: &Basic{User: user, Pass: pass}}
}

func NewAPIKey(headerName, value string) Material {
	return Material{Kind: KindAPIKey, APIKey: &APIKey{HeaderName: headerName, Value: value}}
}

func NewOAuth2(accessToken, refreshToken string, expiresAt *int64) Material {
	return Material{Kind: KindOAuth2, OAuth2: &OAuth2{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}}
}

func NewMTLS(clientCert, clientKey, caBundle string) Material {
	return Material{Kind: KindMTLS, MTLS: &MTLS{ClientCert: clientCert, ClientKey: clientKey, CABundle: caBundle}}
}

// ApplyHeaders sets whatever HTTP headers this credential implies. mTLS
// credentials contribute nothing here — see TLSConfig.
func (m Material) ApplyHeaders(h http.Header) {
	switch m.Kind {
	case KindBearer:
		h.Set("Authorization", "Bearer "+m.Bearer.Token)
	case KindBasic:
		h.Set("Authorization", basicAuthHeader(m.Basic.User, m.Basic.Pass))
	case KindAPIKey:
		h.Set(m.APIKey.HeaderName, m.APIKey.Value)
	case KindOAuth2:
		h.Set("Authorization", "Bearer "+m.OAuth2.AccessToken)
	}
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// TLSConfig builds a *tls.Config for mTLS credentials, or nil for every other
// kind.
func (m Material) TLSConfig() (*tls.Config, error) {
	if m.Kind != KindMTLS {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(m.MTLS.ClientCert), []byte(m.MTLS.ClientKey))
	if err != nil {
		return nil, fmt.Errorf("auth: parse mtls keypair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if m.MTLS.CABundle != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(m.MTLS.CABundle)) {
			return nil, fmt.Errorf("auth: failed to parse ca bundle")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
