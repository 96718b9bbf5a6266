package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
server:
  host: 0.0.0.0
  port: 8080
  name: mcpbundler-gateway
  version: "0.1.0"
secret: test-secret
namespace:
  hash_mode: threshold
  hash_threshold: 48
`

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, namespace.HashThreshold, cfg.HashMode())
	assert.Equal(t, 48, cfg.Namespace.HashThreshold)
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  host: 0.0.0.0\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadWildcardRequiresValue(t *testing.T) {
	body := `
server:
  host: 0.0.0.0
  port: 8080
  name: gw
  version: "0.1.0"
secret: s
wildcard_token:
  allow: true
`
	path := writeConfig(t, t.TempDir(), body)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestHashModeDefaultsToNever(t *testing.T) {
	var cfg Config
	assert.Equal(t, namespace.HashNever, cfg.HashMode())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	w, err := Watch(path)
	require.NoError(t, err)
	defer w.Stop()

	updated := validYAML + "dev_mode: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-w.Updates():
		assert.True(t, cfg.DevMode)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
