package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	jsonwriter "github.com/dgellow/quire-mcp/internal/json"
	"github.com/dgellow/quire-mcp/internal/jsonrpc"
	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/session"
)

// HeaderSessionID correlates requests with an MCP session
const HeaderSessionID = "Mcp-Session-Id"

const maxMessageBody = 4 << 20

// SessionStore is the part of the session manager the MCP endpoint needs
type SessionStore interface {
	Create(ctx context.Context) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Remove(id string) bool
}

// MCPHandler routes /mcp requests to the transport of their session. A session
// is created by an initialize POST without a session id; every other request
// must name a live session.
type MCPHandler struct {
	sessions SessionStore
}

// NewMCPHandler creates the MCP endpoint handler
func NewMCPHandler(sessions SessionStore) *MCPHandler {
	return &MCPHandler{sessions: sessions}
}

func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet, http.MethodDelete:
		h.forward(w, r, r.Header.Get(HeaderSessionID))
	default:
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (h *MCPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBody))
	if err != nil {
		jsonrpc.WriteError(w, nil, jsonrpc.ParseError, "Failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID != "" {
		h.forward(w, r, sessionID)
		return
	}

	if !jsonrpc.IsInitializeRequest(body) {
		jsonrpc.WriteError(w, nil, jsonrpc.InvalidRequest, "Bad Request: No valid session ID provided")
		return
	}

	s, err := h.sessions.Create(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrShuttingDown) {
			jsonrpc.WriteErrorWithStatus(w, nil, jsonrpc.InternalError, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		log.LogErrorWithFields("mcp", "Failed to create session", map[string]any{
			"error": err.Error(),
		})
		jsonrpc.WriteError(w, nil, jsonrpc.InternalError, "Failed to create session")
		return
	}

	log.LogDebugWithFields("mcp", "Initializing session", map[string]any{
		"sessionID": s.ID(),
	})
	rw := wrapResponseWriter(w)
	s.ServeHTTP(rw, r)

	// The client never learns the id of a rejected initialize
	if rw.Status() >= http.StatusMultipleChoices {
		log.LogDebugWithFields("mcp", "Initialize rejected by transport", map[string]any{
			"sessionID": s.ID(),
			"status":    rw.Status(),
		})
		h.sessions.Remove(s.ID())
	}
}

func (h *MCPHandler) forward(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		jsonrpc.WriteError(w, nil, jsonrpc.InvalidRequest, "Bad Request: Mcp-Session-Id header is required")
		return
	}

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		log.LogDebugWithFields("mcp", "Unknown session", map[string]any{
			"sessionID": sessionID,
			"method":    r.Method,
		})
		jsonrpc.WriteError(w, nil, jsonrpc.SessionNotFound, "Session not found")
		return
	}
	s.ServeHTTP(w, r)
}
