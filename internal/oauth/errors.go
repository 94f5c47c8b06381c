package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/quire-mcp/internal/log"
)

type ErrorCode string

const (
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrAccessDenied            ErrorCode = "access_denied"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrServerError             ErrorCode = "server_error"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrInvalidToken            ErrorCode = "invalid_token"
	ErrInvalidClientMetadata   ErrorCode = "invalid_client_metadata"
	ErrInvalidRedirectURI      ErrorCode = "invalid_redirect_uri"
)

// OAuthError is an RFC 6749 error response. Cause is kept for logs and never serialised.
type OAuthError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	Cause       error     `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

func (e *OAuthError) Unwrap() error {
	return e.Cause
}

func NewOAuthError(code ErrorCode, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// WrapOAuthError attaches the internal failure behind a generic client-facing error
func WrapOAuthError(code ErrorCode, description string, cause error) *OAuthError {
	return &OAuthError{Code: code, Description: description, Cause: cause}
}

// UpstreamErrorKind separates Quire refusing a request from Quire being unreachable
type UpstreamErrorKind int

const (
	// UpstreamRejected is an explicit 4xx answer from the Quire token endpoint
	UpstreamRejected UpstreamErrorKind = iota
	// UpstreamUnavailable covers network failures, timeouts and 5xx answers
	UpstreamUnavailable
)

func (k UpstreamErrorKind) String() string {
	if k == UpstreamUnavailable {
		return "unavailable"
	}
	return "rejected"
}

// UpstreamError is a failed call to the Quire OAuth endpoints
type UpstreamError struct {
	Kind       UpstreamErrorKind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("quire %s %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("quire %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call later may succeed
func (e *UpstreamError) Retryable() bool {
	return e.Kind == UpstreamUnavailable
}

// StatusCode maps an error returned by the proxy to the HTTP status of the response
func StatusCode(err error) int {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		return http.StatusInternalServerError
	}
	switch oauthErr.Code {
	case ErrInvalidClient, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrServerError:
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) && upstreamErr.Retryable() {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AsOAuthError converts any error into the response body shape, hiding unexpected failures
func AsOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return WrapOAuthError(ErrServerError, "Internal server error", err)
}

// WriteAuthorizeError redirects an authorization error back to a trusted redirect URI.
// Without one the error is answered directly as JSON.
func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI string, state string, oauthErr *OAuthError) {
	if redirectURI == "" {
		WriteTokenError(w, StatusCode(oauthErr), oauthErr)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		WriteTokenError(w, http.StatusBadRequest, oauthErr)
		return
	}

	q := u.Query()
	q.Set("error", string(oauthErr.Code))
	if oauthErr.Description != "" {
		q.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

func WriteTokenError(w http.ResponseWriter, status int, oauthErr *OAuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized && oauthErr.Code == ErrInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="quire-mcp"`)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}

// WriteError answers with the status StatusCode assigns to err
func WriteError(w http.ResponseWriter, err error) {
	WriteTokenError(w, StatusCode(err), AsOAuthError(err))
}
