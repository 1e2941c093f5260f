// ABOUTME: Performs one JSON-RPC call to one backend provider over HTTP.
// ABOUTME: Applies auth decoration, retry policy, SSE body parsing, and id correlation.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/registry"
	"github.com/2389/mux-gateway/internal/rpc"
)

// MaxResponseBodySize is the maximum backend response body we will read (4MB).
const MaxResponseBodySize = 4 << 20

// CallResult carries the parsed backend response plus any response headers
// the provider binding asked to persist for the rest of the session.
type CallResult struct {
	Response *rpc.Response
	// Headers holds the captured persist_response_headers values, keyed by
	// canonical header name. Empty when the binding captures nothing.
	Headers map[string]string
}

// Config contains configuration options for the Client.
type Config struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Logger         *slog.Logger

	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// Client is the single-backend call primitive. It knows nothing about
// sessions, public names, or merging.
type Client struct {
	httpClient *http.Client
	retry      *RetryPolicy
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a backend client with the given configuration.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: httpClient,
		retry:      NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay, logger),
		timeout:    timeout,
		logger:     logger,
	}
}

// Call performs one JSON-RPC call to the given provider.
//
// The caller's request id never crosses the wire: a fresh correlation id is
// substituted on the way out and the caller's id is restored on the response.
// extraHeaders are session-pinned headers captured from earlier responses.
func (c *Client) Call(ctx context.Context, p *registry.Provider, cred authbind.Credential, req *rpc.Request, extraHeaders map[string]string) (*CallResult, error) {
	wireID := uuid.New().String()
	wireReq := *req
	wireReq.JSONRPC = rpc.Version
	wireReq.ID = json.RawMessage(`"` + wireID + `"`)

	body, err := json.Marshal(&wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	res, err := c.retry.Execute(ctx, p.Name, func() (*CallResult, error) {
		return c.doCall(ctx, p, cred, body, extraHeaders)
	})
	if err != nil {
		return nil, err
	}

	// Restore the caller's id. Backends echo the wire id; anything else is
	// logged and overwritten so correlation never leaks upstream.
	if got := strings.Trim(string(res.Response.ID), `"`); got != wireID {
		c.logger.Warn("backend echoed unexpected response id",
			"provider", p.Name,
			"wire_id", wireID,
			"got", got,
		)
	}
	res.Response.ID = req.ID
	if res.Response.JSONRPC == "" {
		res.Response.JSONRPC = rpc.Version
	}

	return res, nil
}

// doCall performs a single HTTP attempt.
func (c *Client) doCall(ctx context.Context, p *registry.Provider, cred authbind.Credential, body []byte, extraHeaders map[string]string) (*CallResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.RPCEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	if err := authbind.Decorate(p, cred, httpReq.Header); err != nil {
		return nil, err
	}
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Body:       truncate(string(respBody), 200),
		}
	}

	payload := respBody
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		payload, err = parseSSEData(respBody)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	var resp rpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return &CallResult{
		Response: &resp,
		Headers:  captureHeaders(p, httpResp.Header),
	}, nil
}

// captureHeaders extracts the binding's persist_response_headers values.
func captureHeaders(p *registry.Provider, h http.Header) map[string]string {
	if len(p.PersistResponseHeaders) == 0 {
		return nil
	}
	captured := make(map[string]string)
	for _, name := range p.PersistResponseHeaders {
		if v := h.Get(name); v != "" {
			captured[http.CanonicalHeaderKey(name)] = v
		}
	}
	if len(captured) == 0 {
		return nil
	}
	return captured
}

// parseSSEData extracts the JSON payload from a single-event SSE body of
// the form "event: message\ndata: {...}".
func parseSSEData(body []byte) ([]byte, error) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(after)), nil
		}
	}
	return nil, fmt.Errorf("no data line in event stream body")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
