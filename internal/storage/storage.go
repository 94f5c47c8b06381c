package storage

import (
	"context"
	"errors"
	"time"
)

// Lifetimes of the four credential families held by a TokenStore
const (
	PendingRequestTTL = 10 * time.Minute
	AuthCodeTTL       = 10 * time.Minute
	AccessTokenTTL    = time.Hour
	RefreshTokenTTL   = 30 * 24 * time.Hour
)

// Expired, consumed and unknown entries are indistinguishable to callers.
var (
	ErrPendingRequestNotFound = errors.New("pending authorization request not found")
	ErrAuthCodeNotFound       = errors.New("authorization code not found")
	ErrAccessTokenNotFound    = errors.New("access token not found")
	ErrRefreshTokenNotFound   = errors.New("refresh token not found")
)

// CodeChallengeMethod is the PKCE transformation a client declared at /authorize
type CodeChallengeMethod string

const (
	CodeChallengeS256  CodeChallengeMethod = "S256"
	CodeChallengePlain CodeChallengeMethod = "plain"
)

// PendingAuthRequest is a client authorization request parked while the user
// consents at Quire. Keyed by the state the proxy sends upstream.
type PendingAuthRequest struct {
	ClientID            string
	CodeChallenge       string
	CodeChallengeMethod CodeChallengeMethod
	RedirectURI         string
	Scope               string
	ClientState         string // the client's own state, echoed back on the final redirect
	CreatedAt           time.Time
}

// AuthCode is a local authorization code wrapping freshly exchanged upstream tokens.
// GrantID names the consent it came from and is carried by every token derived from it.
type AuthCode struct {
	GrantID              string
	ClientID             string
	CodeChallenge        string
	CodeChallengeMethod  CodeChallengeMethod
	RedirectURI          string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	Scope                string
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// AccessToken is a local bearer token mapped to the upstream access token it stands for
type AccessToken struct {
	GrantID              string
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	ClientID             string
	Scope                string
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// RefreshToken is a local refresh token mapped to an upstream refresh token
type RefreshToken struct {
	GrantID              string
	UpstreamRefreshToken string
	ClientID             string
	Scope                string
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// IssuedAccessToken is the result of storing an access token
type IssuedAccessToken struct {
	Token     string
	ExpiresIn int // seconds
}

// TokenStore is the authority over every credential the proxy issues. Every read
// re-checks expiry, so Cleanup only reclaims memory and never enforces validity.
//
// Store methods stamp CreatedAt/ExpiresAt themselves; values supplied by the
// caller are ignored.
type TokenStore interface {
	StorePendingRequest(ctx context.Context, req PendingAuthRequest) (string, error)
	// ConsumePendingRequest atomically removes and returns the request
	ConsumePendingRequest(ctx context.Context, state string) (*PendingAuthRequest, error)

	StoreAuthCode(ctx context.Context, code AuthCode) (string, error)
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)
	// ConsumeAuthCode atomically removes and returns the code
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error)

	StoreAccessToken(ctx context.Context, token AccessToken) (IssuedAccessToken, error)
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, token string) bool

	StoreRefreshToken(ctx context.Context, token RefreshToken) (string, error)
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) bool

	// Cleanup drops every expired entry and returns how many were removed
	Cleanup(ctx context.Context) (int, error)
}
