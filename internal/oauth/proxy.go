package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/storage"
	"github.com/dgellow/quire-mcp/internal/urlutil"
)

// AuthInfo describes a verified local access token. UpstreamToken is the Quire
// credential tool handlers use to call the Quire API.
type AuthInfo struct {
	Token         string
	ClientID      string
	Scopes        []string
	ExpiresAt     time.Time
	UpstreamToken string
}

// PKCEChallenge is the challenge recorded for an authorization code
type PKCEChallenge struct {
	Challenge string
	Method    storage.CodeChallengeMethod
}

// AuthorizationProxy issues local credentials that stand in for Quire tokens.
// Clients authorize against this server, the proxy authorizes against Quire with
// its own registration, and every local token maps back to the upstream token.
type AuthorizationProxy struct {
	store      storage.TokenStore
	upstream   Upstream
	tokenCache storage.UpstreamTokenCache
	refreshes  singleflight.Group
}

type ProxyOption func(*AuthorizationProxy)

// WithUpstreamTokenCache persists upstream tokens on a best-effort basis
func WithUpstreamTokenCache(cache storage.UpstreamTokenCache) ProxyOption {
	return func(p *AuthorizationProxy) {
		p.tokenCache = cache
	}
}

func NewAuthorizationProxy(store storage.TokenStore, upstream Upstream, opts ...ProxyOption) *AuthorizationProxy {
	p := &AuthorizationProxy{
		store:      store,
		upstream:   upstream,
		tokenCache: storage.NopUpstreamTokenCache{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authorize parks the client's request and returns the Quire authorization URL to
// redirect the user to. The client's PKCE challenge and state stay local; Quire
// only ever sees the proxy's own state.
func (p *AuthorizationProxy) Authorize(ctx context.Context, client fosite.Client, params AuthorizeParams) (string, error) {
	if err := ValidateRedirectURI(client, params.RedirectURI); err != nil {
		return "", err
	}

	state, err := p.store.StorePendingRequest(ctx, storage.PendingAuthRequest{
		ClientID:            client.GetID(),
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		ClientState:         params.State,
	})
	if err != nil {
		return "", WrapOAuthError(ErrServerError, "Failed to start authorization", err)
	}

	log.LogInfoWithFields("oauth", "Redirecting to Quire for authorization", map[string]any{
		"client_id": client.GetID(),
		"state":     log.Redact(state),
	})
	return p.upstream.AuthCodeURL(state, params.Scope), nil
}

// CompleteAuthorization handles Quire's redirect back to the proxy. It returns the
// URL on the client's redirect URI carrying a fresh local code.
//
// The pending request is consumed before the upstream call, so a duplicate
// callback racing this one finds nothing.
func (p *AuthorizationProxy) CompleteAuthorization(ctx context.Context, code, state string) (string, error) {
	pending, err := p.store.ConsumePendingRequest(ctx, state)
	if err != nil {
		return "", NewOAuthError(ErrInvalidRequest, "Invalid or expired state")
	}

	upstreamToken, err := p.upstream.Exchange(ctx, code)
	if err != nil {
		log.LogErrorWithFields("oauth", "Quire code exchange failed", map[string]any{
			"client_id": pending.ClientID,
			"error":     err.Error(),
		})
		return "", WrapOAuthError(ErrServerError, "Failed to exchange authorization code with Quire", err)
	}

	grantID := uuid.NewString()
	localCode, err := p.store.StoreAuthCode(ctx, storage.AuthCode{
		GrantID:              grantID,
		ClientID:             pending.ClientID,
		CodeChallenge:        pending.CodeChallenge,
		CodeChallengeMethod:  pending.CodeChallengeMethod,
		RedirectURI:          pending.RedirectURI,
		UpstreamAccessToken:  upstreamToken.AccessToken,
		UpstreamRefreshToken: upstreamToken.RefreshToken,
		Scope:                pending.Scope,
	})
	if err != nil {
		return "", WrapOAuthError(ErrServerError, "Failed to issue authorization code", err)
	}

	p.saveUpstreamToken(ctx, grantID, pending.ClientID, upstreamToken)

	clientState := pending.ClientState
	if clientState == "" {
		clientState = state
	}
	redirect, err := urlutil.WithQuery(pending.RedirectURI, url.Values{
		"code":  {localCode},
		"state": {clientState},
	})
	if err != nil {
		return "", WrapOAuthError(ErrServerError, "Invalid redirect_uri", err)
	}

	log.LogInfoWithFields("oauth", "Authorization completed", map[string]any{
		"client_id": pending.ClientID,
		"code":      log.Redact(localCode),
	})
	return redirect, nil
}

// ChallengeForAuthorizationCode returns the PKCE challenge recorded for code
// without consuming it, so a failed verification does not burn the code.
func (p *AuthorizationProxy) ChallengeForAuthorizationCode(ctx context.Context, client fosite.Client, code string) (PKCEChallenge, error) {
	entry, err := p.store.GetAuthCode(ctx, code)
	if err != nil {
		return PKCEChallenge{}, NewOAuthError(ErrInvalidGrant, "Invalid authorization code")
	}
	return PKCEChallenge{Challenge: entry.CodeChallenge, Method: entry.CodeChallengeMethod}, nil
}

// ExchangeAuthorizationCode redeems a local code for local tokens. The code is
// consumed first, so any failure after lookup still burns it.
func (p *AuthorizationProxy) ExchangeAuthorizationCode(ctx context.Context, client fosite.Client, code, verifier, redirectURI string) (*TokenPair, error) {
	entry, err := p.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		return nil, NewOAuthError(ErrInvalidGrant, "Invalid or expired authorization code")
	}
	if entry.ClientID != client.GetID() {
		log.LogWarnWithFields("oauth", "Authorization code presented by another client", map[string]any{
			"client_id": client.GetID(),
			"issued_to": entry.ClientID,
		})
		return nil, NewOAuthError(ErrInvalidGrant, "Authorization code was not issued to this client")
	}
	if redirectURI != "" && redirectURI != entry.RedirectURI {
		return nil, NewOAuthError(ErrInvalidGrant, "redirect_uri mismatch")
	}
	if verifier != "" && entry.CodeChallenge != "" && !VerifyPKCE(verifier, entry.CodeChallenge, entry.CodeChallengeMethod) {
		return nil, NewOAuthError(ErrInvalidGrant, "PKCE verification failed")
	}

	pair, err := p.issueTokens(ctx, entry.GrantID, client.GetID(), entry.Scope, entry.UpstreamAccessToken, entry.UpstreamRefreshToken)
	if err != nil {
		return nil, err
	}

	log.LogInfoWithFields("oauth", "Exchanged authorization code", map[string]any{
		"client_id":     client.GetID(),
		"refresh_token": pair.RefreshToken != "",
	})
	return pair, nil
}

// ExchangeRefreshToken trades a local refresh token for new local tokens backed by
// a refreshed Quire token. Each local refresh token works once. Concurrent calls
// for the same token share one upstream refresh and receive the same result.
func (p *AuthorizationProxy) ExchangeRefreshToken(ctx context.Context, client fosite.Client, refreshToken string) (*TokenPair, error) {
	entry, err := p.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, NewOAuthError(ErrInvalidGrant, "Invalid refresh token")
	}
	if entry.ClientID != client.GetID() {
		return nil, NewOAuthError(ErrInvalidGrant, "Refresh token was not issued to this client")
	}

	result, err, shared := p.refreshes.Do(refreshToken, func() (any, error) {
		// Detached so one caller's cancellation does not fail the callers sharing this refresh
		return p.refresh(context.WithoutCancel(ctx), refreshToken, entry)
	})
	if err != nil {
		return nil, err
	}

	pair := *result.(*TokenPair)
	if shared {
		log.LogDebugWithFields("oauth", "Shared in-flight refresh", map[string]any{
			"client_id": entry.ClientID,
		})
	}
	return &pair, nil
}

func (p *AuthorizationProxy) refresh(ctx context.Context, refreshToken string, entry *storage.RefreshToken) (*TokenPair, error) {
	// A refresh that completed between lookup and here has already revoked the token
	if _, err := p.store.GetRefreshToken(ctx, refreshToken); err != nil {
		return nil, NewOAuthError(ErrInvalidGrant, "Invalid refresh token")
	}

	upstreamToken, err := p.upstream.Refresh(ctx, entry.UpstreamRefreshToken)
	if err != nil {
		log.LogErrorWithFields("oauth", "Quire token refresh failed", map[string]any{
			"client_id": entry.ClientID,
			"error":     err.Error(),
		})
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) && upstreamErr.Retryable() {
			return nil, WrapOAuthError(ErrServerError, "Quire token refresh failed", err)
		}
		return nil, WrapOAuthError(ErrInvalidGrant, "Quire token refresh failed", err)
	}

	// Empty when Quire sent no refresh token; an echoed, non-rotating one is kept
	newUpstreamRefresh := upstreamToken.RefreshToken

	pair, err := p.issueTokens(ctx, entry.GrantID, entry.ClientID, entry.Scope, upstreamToken.AccessToken, newUpstreamRefresh)
	if err != nil {
		return nil, err
	}
	p.store.RevokeRefreshToken(ctx, refreshToken)

	p.saveUpstreamToken(ctx, entry.GrantID, entry.ClientID, upstreamToken)

	log.LogInfoWithFields("oauth", "Refreshed tokens", map[string]any{
		"client_id":     entry.ClientID,
		"refresh_token": pair.RefreshToken != "",
	})
	return pair, nil
}

// issueTokens mints a local access token and, only when an upstream refresh token
// exists, a local refresh token
func (p *AuthorizationProxy) issueTokens(ctx context.Context, grantID, clientID, scope, upstreamAccess, upstreamRefresh string) (*TokenPair, error) {
	issued, err := p.store.StoreAccessToken(ctx, storage.AccessToken{
		GrantID:              grantID,
		UpstreamAccessToken:  upstreamAccess,
		UpstreamRefreshToken: upstreamRefresh,
		ClientID:             clientID,
		Scope:                scope,
	})
	if err != nil {
		return nil, WrapOAuthError(ErrServerError, "Failed to issue access token", err)
	}

	pair := &TokenPair{
		AccessToken: issued.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   issued.ExpiresIn,
		Scope:       scope,
	}
	if upstreamRefresh == "" {
		return pair, nil
	}

	refresh, err := p.store.StoreRefreshToken(ctx, storage.RefreshToken{
		GrantID:              grantID,
		UpstreamRefreshToken: upstreamRefresh,
		ClientID:             clientID,
		Scope:                scope,
	})
	if err != nil {
		p.store.RevokeAccessToken(ctx, issued.Token)
		return nil, WrapOAuthError(ErrServerError, "Failed to issue refresh token", err)
	}
	pair.RefreshToken = refresh
	return pair, nil
}

// VerifyAccessToken resolves a bearer token presented to the MCP endpoint
func (p *AuthorizationProxy) VerifyAccessToken(ctx context.Context, token string) (*AuthInfo, error) {
	entry, err := p.store.GetAccessToken(ctx, token)
	if err != nil {
		return nil, NewOAuthError(ErrInvalidToken, "Invalid or expired token")
	}
	scopes := strings.Fields(entry.Scope)
	if scopes == nil {
		scopes = []string{}
	}
	return &AuthInfo{
		Token:         token,
		ClientID:      entry.ClientID,
		Scopes:        scopes,
		ExpiresAt:     entry.ExpiresAt,
		UpstreamToken: entry.UpstreamAccessToken,
	}, nil
}

// RevokeToken implements RFC 7009 semantics: unknown tokens and tokens issued to
// another client are left alone without error. With no hint both stores are tried.
func (p *AuthorizationProxy) RevokeToken(ctx context.Context, client fosite.Client, token, tokenTypeHint string) bool {
	var revoked bool
	switch tokenTypeHint {
	case "refresh_token":
		revoked = p.revokeRefresh(ctx, client, token)
	case "":
		revoked = p.revokeAccess(ctx, client, token)
		revoked = p.revokeRefresh(ctx, client, token) || revoked
	default:
		revoked = p.revokeAccess(ctx, client, token)
	}

	log.LogInfoWithFields("oauth", "Token revocation", map[string]any{
		"client_id": client.GetID(),
		"hint":      tokenTypeHint,
		"revoked":   revoked,
	})
	return revoked
}

func (p *AuthorizationProxy) revokeAccess(ctx context.Context, client fosite.Client, token string) bool {
	entry, err := p.store.GetAccessToken(ctx, token)
	if err != nil || entry.ClientID != client.GetID() {
		return false
	}
	return p.store.RevokeAccessToken(ctx, token)
}

func (p *AuthorizationProxy) revokeRefresh(ctx context.Context, client fosite.Client, token string) bool {
	entry, err := p.store.GetRefreshToken(ctx, token)
	if err != nil || entry.ClientID != client.GetID() {
		return false
	}
	return p.store.RevokeRefreshToken(ctx, token)
}

// saveUpstreamToken is best effort: a failing cache never fails the exchange
func (p *AuthorizationProxy) saveUpstreamToken(ctx context.Context, grantID, clientID string, token *oauth2.Token) {
	err := p.tokenCache.SaveUpstreamToken(ctx, storage.UpstreamToken{
		GrantID:      grantID,
		ClientID:     clientID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	})
	if err != nil {
		log.LogWarnWithFields("oauth", "Failed to persist upstream token", map[string]any{
			"grant_id":  grantID,
			"client_id": clientID,
			"error":     err.Error(),
		})
	}
}
