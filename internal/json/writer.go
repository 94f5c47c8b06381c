package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/quire-mcp/internal/log"
)

// ErrorResponse is the body of every non-OAuth JSON error this service writes
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	if err := WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message}); err != nil {
		http.Error(w, code+": "+message, statusCode)
	}
}

// BearerChallenge describes a WWW-Authenticate Bearer challenge (RFC 6750 section 3, RFC 9728 section 5.1)
type BearerChallenge struct {
	Error            string
	ErrorDescription string
	ResourceMetadata string
}

func (c BearerChallenge) String() string {
	var params []string
	if c.Error != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeQuotedString(c.Error)))
	}
	if c.ErrorDescription != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuotedString(c.ErrorDescription)))
	}
	if c.ResourceMetadata != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotedString(c.ResourceMetadata)))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// WriteBearerUnauthorized writes a 401 with a Bearer challenge and an OAuth-shaped body
func WriteBearerUnauthorized(w http.ResponseWriter, challenge BearerChallenge) {
	w.Header().Set("WWW-Authenticate", challenge.String())
	code := challenge.Error
	if code == "" {
		code = "unauthorized"
	}
	body := map[string]string{"error": code}
	if challenge.ErrorDescription != "" {
		body["error_description"] = challenge.ErrorDescription
	}
	if err := WriteResponse(w, http.StatusUnauthorized, body); err != nil {
		http.Error(w, code, http.StatusUnauthorized)
	}
}

// escapeQuotedString escapes backslash and double-quote for an RFC 9110 quoted-string
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteMethodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
}
