// ABOUTME: Tests for configuration loading, env expansion, and duration parsing
// ABOUTME: Uses temp files to exercise the full Load path

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "/tmp/gateway.db"

registry:
  path: "/tmp/registry.yaml"

backends:
  timeout: "5s"
  retry_base_delay: "250ms"
  retry_attempts: 2

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/gateway.db", cfg.Database.Path)
	assert.Equal(t, "/tmp/registry.yaml", cfg.Registry.Path)
	assert.Equal(t, 5*time.Second, cfg.Backends.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Backends.RetryBaseDelay)
	assert.Equal(t, 2, cfg.Backends.RetryAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/gateway.db"
registry:
  path: "/tmp/registry.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBackendTimeout, cfg.Backends.Timeout)
	assert.Equal(t, DefaultRetryBaseDelay, cfg.Backends.RetryBaseDelay)
	assert.Equal(t, DefaultRetryAttempts, cfg.Backends.RetryAttempts)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_DB", "/var/lib/gateway.db")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${TEST_GATEWAY_DB}"
registry:
  path: "/tmp/registry.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gateway.db", cfg.Database.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/gateway.db"
registry:
  path: "/tmp/registry.yaml"
backends:
  timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "/tmp/gateway.db"
registry:
  path: "/tmp/registry.yaml"
`,
			wantErr: "server.http_addr is required",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
registry:
  path: "/tmp/registry.yaml"
`,
			wantErr: "database.path is required",
		},
		{
			name: "missing registry path",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/gateway.db"
`,
			wantErr: "registry.path is required",
		},
		{
			name: "negative retry attempts",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/gateway.db"
registry:
  path: "/tmp/registry.yaml"
backends:
  retry_attempts: -1
`,
			wantErr: "retry_attempts must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
