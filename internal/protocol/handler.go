// ABOUTME: JSON-RPC request validation and method dispatch for the per-session endpoint.
// ABOUTME: Stateless per call; every request is resolved against current session store contents.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/backend"
	"github.com/2389/mux-gateway/internal/mux"
	"github.com/2389/mux-gateway/internal/rpc"
	"github.com/2389/mux-gateway/internal/session"
)

// Config contains configuration options for the Handler.
type Config struct {
	Sessions    *session.Store
	Multiplexer *mux.Multiplexer
	Logger      *slog.Logger
}

// Handler accepts one JSON-RPC request, validates its shape, and delegates
// to the multiplexer. It retains no state across requests.
type Handler struct {
	sessions *session.Store
	mux      *mux.Multiplexer
	logger   *slog.Logger
}

// NewHandler creates a protocol handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Multiplexer == nil {
		return nil, errors.New("multiplexer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		sessions: cfg.Sessions,
		mux:      cfg.Multiplexer,
		logger:   logger.With("component", "protocol"),
	}, nil
}

// Handle processes one raw JSON-RPC message for the given session.
// A nil response with nil error means the message was a notification and
// needs no response body.
func (h *Handler) Handle(ctx context.Context, sessionID string, body []byte) (*rpc.Response, error) {
	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return rpc.NewErrorResponse(idFromRaw(body), rpc.CodeParseError, "invalid JSON", nil), nil
	}

	if req.JSONRPC != "" && req.JSONRPC != rpc.Version {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidRequest, "invalid JSON-RPC version", nil), nil
	}
	if req.Method == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidRequest, "missing 'method' in request", nil), nil
	}

	// Notifications are accepted and produce no response.
	if req.IsNotification() {
		if strings.HasPrefix(req.Method, "notifications/") {
			h.logger.Debug("accepted notification", "method", req.Method, "session_id", sessionID)
		} else {
			h.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil, nil
	}

	binding, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeUnknownSession,
			fmt.Sprintf("unknown session %s", sessionID), nil), nil
	}

	h.logger.Debug("handling request",
		"method", req.Method,
		"session_id", sessionID,
	)

	switch req.Method {
	case "initialize":
		return h.handleInitialize(ctx, binding, &req), nil
	case "tools/list":
		return h.handleToolsList(ctx, binding, &req), nil
	case "tools/call":
		return h.handleToolsCall(ctx, binding, &req), nil
	default:
		return rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported by the gateway", req.Method), nil), nil
	}
}

func (h *Handler) handleInitialize(ctx context.Context, b *session.Binding, req *rpc.Request) *rpc.Response {
	merged, err := h.mux.Initialize(ctx, b, req)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}

	resp, err := rpc.NewResponse(req.ID, merged)
	if err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, "encoding merged result", nil)
	}
	return resp
}

func (h *Handler) handleToolsList(ctx context.Context, b *session.Binding, req *rpc.Request) *rpc.Response {
	merged, err := h.mux.ListTools(ctx, b, req)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}

	resp, err := rpc.NewResponse(req.ID, merged)
	if err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, "encoding merged result", nil)
	}
	return resp
}

func (h *Handler) handleToolsCall(ctx context.Context, b *session.Binding, req *rpc.Request) *rpc.Response {
	var params struct {
		Name string `json:"name"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "malformed params", nil)
		}
	}
	if params.Name == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "missing tool 'name' in params", nil)
	}

	resp, err := h.mux.Dispatch(ctx, b, params.Name, req)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}
	// Backend result or protocol-level error passes through verbatim.
	return resp
}

// errorResponse maps a classified gateway error to its stable JSON-RPC code.
func (h *Handler) errorResponse(id json.RawMessage, err error) *rpc.Response {
	switch {
	case errors.Is(err, mux.ErrUnknownCapability):
		return rpc.NewErrorResponse(id, rpc.CodeInvalidParams,
			fmt.Sprintf("%v; tool may not exist or session may need reinitialization", err), nil)

	case errors.Is(err, mux.ErrAllBackendsUnavailable):
		return rpc.NewErrorResponse(id, rpc.CodeAllBackendsUnavailable, err.Error(), nil)

	case errors.Is(err, mux.ErrProviderNotBound):
		return rpc.NewErrorResponse(id, rpc.CodeProviderUnavailable, err.Error(), nil)

	case errors.Is(err, authbind.ErrMissingCredential):
		return rpc.NewErrorResponse(id, rpc.CodeInvalidParams, err.Error(), nil)

	case errors.Is(err, backend.ErrInvalidPayload):
		return rpc.NewErrorResponse(id, rpc.CodeInvalidBackendPayload, err.Error(), nil)

	case errors.Is(err, backend.ErrBackendUnavailable):
		if isTimeout(err) {
			return rpc.NewErrorResponse(id, rpc.CodeBackendTimeout, err.Error(), nil)
		}
		return rpc.NewErrorResponse(id, rpc.CodeBackendError, err.Error(), nil)

	default:
		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			return rpc.NewErrorResponse(id, rpc.CodeBackendError, err.Error(),
				map[string]any{"detail": httpErr.Body})
		}
		h.logger.Error("unclassified error", "error", err)
		return rpc.NewErrorResponse(id, rpc.CodeInternalError, "internal gateway error", nil)
	}
}

// isTimeout reports whether the failure chain bottoms out in a deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// idFromRaw best-effort extracts a request id from an unparseable message so
// the error response can echo it.
func idFromRaw(body []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe.ID
}
