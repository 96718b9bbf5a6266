package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyHeaders(t *testing.T) {
	cases := []struct {
		name   string
		m      Material
		header string
		want   string
	}{
		{"bearer", NewBearer("tok123"), "Authorization", "Bearer tok123"},
		{"apiKey", NewAPIKey("X-Api-Key", "secret"), "X-Api-Key", "secret"},
		{"oauth2", NewOAuth2("access", "refresh", nil), "Authorization", "Bearer access"},
		{"basic", NewBasic("user", "pass"), "Authorization", "Basic dXNlcjpwYXNz"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := make(http.Header)
			c.m.ApplyHeaders(h)
			assert.Equal(t, c.want, h.Get(c.header))
		})
	}
}

func TestNoneAppliesNoHeaders(t *testing.T) {
	h := make(http.Header)
	None().ApplyHeaders(h)
	assert.Empty(t, h)
}

func TestTLSConfigOnlyForMTLS(t *testing.T) {
	cfg, err := NewBearer("x").TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
