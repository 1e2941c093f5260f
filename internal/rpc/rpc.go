// ABOUTME: JSON-RPC 2.0 envelope types shared by the protocol handler and backend client.
// ABOUTME: Defines request/response shapes and the gateway's error code space.

package rpc

import "encoding/json"

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response.
// Result is kept raw so backend payloads pass through unmodified.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway-specific error codes
const (
	CodeUnknownSession         = -32000
	CodeProviderUnavailable    = -32001
	CodeBackendTimeout         = -32002
	CodeBackendError           = -32003
	CodeInvalidBackendPayload  = -32004
	CodeAllBackendsUnavailable = -32010
)

// NewResponse builds a success response for the given request id.
// The result is marshaled immediately so an unserializable value fails here,
// not while writing the HTTP response.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
// A nil id is serialized as JSON null per JSON-RPC 2.0.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}
