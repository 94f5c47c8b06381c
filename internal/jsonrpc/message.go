package jsonrpc

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/dgellow/quire-mcp/internal/log"
)

const Version = "2.0"

// MethodInitialize opens a new MCP session
const MethodInitialize = "initialize"

// Response is a JSON-RPC 2.0 response. ID is serialised as null when unknown.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

func NewErrorResponse(id any, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsInitializeRequest reports whether body is a single initialize request.
// Batches never open a session.
func IsInitializeRequest(body []byte) bool {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return false
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Method == MethodInitialize
}

// statusFor picks the HTTP status used when an error is written without an explicit one
func statusFor(code int) int {
	switch code {
	case InternalError:
		return http.StatusInternalServerError
	case SessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// WriteError writes a JSON-RPC error response, choosing the HTTP status from the code
func WriteError(w http.ResponseWriter, id any, code int, message string) {
	WriteErrorWithStatus(w, id, code, message, statusFor(code))
}

// WriteErrorWithStatus writes a JSON-RPC error response with an explicit HTTP status
func WriteErrorWithStatus(w http.ResponseWriter, id any, code int, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewErrorResponse(id, NewError(code, message))); err != nil {
		log.LogError("Failed to encode JSON-RPC error: %v", err)
	}
}
