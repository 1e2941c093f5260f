// ABOUTME: HTTP API handlers for session lifecycle and the per-session JSON-RPC endpoint.
// ABOUTME: Provides POST /create-session, POST /session/{id}/mcp, and session info routes.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/registry"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// CreateSessionRequest is the JSON request body for POST /create-session.
type CreateSessionRequest struct {
	Servers     []string                       `json:"servers"`
	Credentials map[string]authbind.Credential `json:"credentials"`
}

// CreateSessionResponse is the JSON response for POST /create-session.
type CreateSessionResponse struct {
	SessionID   string `json:"session_id"`
	MCPEndpoint string `json:"mcp_endpoint"`
	Status      string `json:"status"`
}

// SessionInfoResponse is the JSON response for GET /sessions/{id}.
type SessionInfoResponse struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Servers   []string `json:"servers"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// handleCreateSession handles POST /create-session requests.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodySize)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Servers) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "servers is required")
		return
	}
	if req.Credentials == nil {
		req.Credentials = make(map[string]authbind.Credential)
	}

	binding, err := g.store.Create(r.Context(), req.Servers, req.Credentials)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("session creation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	g.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:   binding.ID,
		MCPEndpoint: fmt.Sprintf("/session/%s/mcp", binding.ID),
		Status:      "created",
	})
}

// handleSessionEndpoint handles POST /session/{id}/mcp requests: one
// JSON-RPC request in, one JSON-RPC response out. Notifications get an
// empty 202 per the Streamable HTTP convention.
func (g *Gateway) handleSessionEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := parseSessionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	resp, err := g.handler.Handle(r.Context(), sessionID, body)
	if err != nil {
		g.logger.Error("protocol handler failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal gateway error")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleSessionInfo handles GET and DELETE on /sessions/{id}.
func (g *Gateway) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		binding, err := g.store.Get(r.Context(), sessionID)
		if err != nil {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.writeJSON(w, http.StatusOK, SessionInfoResponse{
			ID:        binding.ID,
			State:     binding.State,
			Servers:   binding.Providers,
			CreatedAt: binding.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: binding.UpdatedAt.UTC().Format(time.RFC3339),
		})

	case http.MethodDelete:
		if err := g.store.Delete(r.Context(), sessionID); err != nil {
			g.logger.Error("session deletion failed", "session_id", sessionID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to delete session")
			return
		}
		g.mux.DropSession(sessionID)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleHealth returns 200 OK if the registry is loaded and the store answers.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(g.registry.Names()),
		"sessions":  g.store.Len(),
	})
}

// parseSessionPath extracts the session id from /session/{id}/mcp.
func parseSessionPath(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/session/")
	if rest == path {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "mcp" {
		return "", false
	}
	return parts[0], true
}

// writeJSON serializes v to the response with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("writing JSON response failed", "error", err)
	}
}

// sendJSONError writes a JSON error body with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
