// ABOUTME: Tests for the single-backend HTTP call primitive
// ABOUTME: Uses httptest servers to verify auth, id correlation, SSE, and header capture

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/registry"
	"github.com/2389/mux-gateway/internal/rpc"
)

func testClient() *Client {
	return NewClient(Config{
		Timeout:        2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
}

func testRequest() *rpc.Request {
	return &rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(`"caller-1"`),
		Method:  "tools/list",
	}
}

// echoHandler replies with a success response echoing the wire request id.
func echoHandler(result string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}
}

func TestCallRestoresCallerID(t *testing.T) {
	var wireID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		wireID = string(req.ID)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}`, req.ID)
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL, AuthType: registry.AuthNone}

	res, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.NoError(t, err)

	// Wire id was a substitute, not the caller id; the response carries the
	// caller id again.
	assert.NotEqual(t, `"caller-1"`, wireID)
	assert.NotEmpty(t, wireID)
	assert.JSONEq(t, `"caller-1"`, string(res.Response.ID))
}

func TestCallBearerAuth(t *testing.T) {
	var gotAuth, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Static")
		echoHandler(`{}`)(w, r)
	}))
	defer srv.Close()

	p := &registry.Provider{
		Name:         "alpha",
		RPCEndpoint:  srv.URL,
		AuthType:     registry.AuthBearer,
		ExtraHeaders: map[string]string{"X-Static": "yes"},
	}

	_, err := testClient().Call(context.Background(), p, authbind.Credential{"token": "tok-9"}, testRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-9", gotAuth)
	assert.Equal(t, "yes", gotExtra)
}

func TestCallMissingCredentialNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		echoHandler(`{}`)(w, r)
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL, AuthType: registry.AuthBearer}

	_, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, authbind.ErrMissingCredential)
	assert.Equal(t, 0, calls, "auth failures must not reach the backend")
}

func TestCallPinnedHeaders(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("Mcp-Session-Id")
		echoHandler(`{}`)(w, r)
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL}

	_, err := testClient().Call(context.Background(), p, nil, testRequest(),
		map[string]string{"Mcp-Session-Id": "backend-sess-7"})
	require.NoError(t, err)
	assert.Equal(t, "backend-sess-7", gotSession)
}

func TestCallCapturesPersistHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session-Id", "backend-sess-7")
		w.Header().Set("X-Other", "ignored")
		echoHandler(`{}`)(w, r)
	}))
	defer srv.Close()

	p := &registry.Provider{
		Name:                   "alpha",
		RPCEndpoint:            srv.URL,
		PersistResponseHeaders: []string{"Mcp-Session-Id"},
	}

	res, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Mcp-Session-Id": "backend-sess-7"}, res.Headers)
}

func TestCallNoCaptureWithoutBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session-Id", "backend-sess-7")
		echoHandler(`{}`)(w, r)
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL}

	res, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Headers)
}

func TestCallSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"tools\":[]}}\n\n", req.ID)
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL}

	res, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(res.Response.Result))
}

func TestCallMalformedBody(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "not json at all")
	}))
	defer srv.Close()

	p := &registry.Provider{Name: "alpha", RPCEndpoint: srv.URL}

	_, err := testClient().Call(context.Background(), p, nil, testRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, 1, calls, "unparseable payloads are terminal")
}

func TestParseSSEData(t *testing.T) {
	t.Run("single event", func(t *testing.T) {
		data, err := parseSSEData([]byte("event: message\ndata: {\"ok\":true}\n\n"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(data))
	})

	t.Run("no data line", func(t *testing.T) {
		_, err := parseSSEData([]byte("event: message\n\n"))
		assert.Error(t, err)
	})
}
