// ABOUTME: Tests for provider registry loading and validation
// ABOUTME: Covers auth kind defaults, env expansion, and load-time rejection

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeRegistry(t, `
servers:
  alpha:
    protocol: "http"
    rpc_endpoint: "http://alpha.local/mcp"
    auth_type: "bearer"
  beta:
    rpc_endpoint: "http://beta.local/mcp"
    auth_type: "api_key"
    api_key_header_name: "X-Beta-Key"
    extra_headers:
      X-Client: "mux-gateway"
    persist_response_headers:
      - "Mcp-Session-Id"
`)

	r, err := Load(path)
	require.NoError(t, err)

	alpha, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", alpha.Name)
	assert.Equal(t, "http://alpha.local/mcp", alpha.RPCEndpoint)
	assert.Equal(t, AuthBearer, alpha.AuthType)

	beta, err := r.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, AuthAPIKey, beta.AuthType)
	assert.Equal(t, "X-Beta-Key", beta.APIKeyHeaderName)
	assert.Equal(t, "mux-gateway", beta.ExtraHeaders["X-Client"])
	assert.Equal(t, []string{"Mcp-Session-Id"}, beta.PersistResponseHeaders)

	// protocol defaults to http when absent
	assert.Equal(t, "http", beta.Protocol)
}

func TestLoadDefaults(t *testing.T) {
	path := writeRegistry(t, `
servers:
  plain:
    rpc_endpoint: "http://plain.local/mcp"
  keyed:
    rpc_endpoint: "http://keyed.local/mcp"
    auth_type: "api_key"
`)

	r, err := Load(path)
	require.NoError(t, err)

	plain, err := r.Get("plain")
	require.NoError(t, err)
	assert.Equal(t, AuthNone, plain.AuthType)

	keyed, err := r.Get("keyed")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIKeyHeader, keyed.APIKeyHeaderName)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ALPHA_ENDPOINT", "http://alpha.internal:9000/mcp")

	path := writeRegistry(t, `
servers:
  alpha:
    rpc_endpoint: "${TEST_ALPHA_ENDPOINT}"
`)

	r, err := Load(path)
	require.NoError(t, err)

	alpha, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "http://alpha.internal:9000/mcp", alpha.RPCEndpoint)
}

func TestLoadRejectsInvalidProviders(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing endpoint",
			content: `
servers:
  broken:
    auth_type: "bearer"
`,
			wantErr: "rpc_endpoint is required",
		},
		{
			name: "unsupported protocol",
			content: `
servers:
  broken:
    protocol: "grpc"
    rpc_endpoint: "http://broken.local/mcp"
`,
			wantErr: "unsupported protocol",
		},
		{
			name: "unsupported auth type",
			content: `
servers:
  broken:
    rpc_endpoint: "http://broken.local/mcp"
    auth_type: "oauth2"
`,
			wantErr: "unsupported auth_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeRegistry(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "broken")
		})
	}
}

func TestGetUnknownProvider(t *testing.T) {
	path := writeRegistry(t, `
servers:
  alpha:
    rpc_endpoint: "http://alpha.local/mcp"
`)

	r, err := Load(path)
	require.NoError(t, err)

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("nope"))
}

func TestNamesSorted(t *testing.T) {
	path := writeRegistry(t, `
servers:
  zulu:
    rpc_endpoint: "http://zulu.local/mcp"
  alpha:
    rpc_endpoint: "http://alpha.local/mcp"
  mike:
    rpc_endpoint: "http://mike.local/mcp"
`)

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, r.Names())
}
