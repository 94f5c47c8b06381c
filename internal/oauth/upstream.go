package oauth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/dgellow/quire-mcp/internal/ioutil"
	"github.com/dgellow/quire-mcp/internal/log"
)

// Upstream is the OAuth provider the proxy fronts. Clients never talk to it directly.
type Upstream interface {
	// AuthCodeURL is where the user is sent to consent, carrying the proxy's own state
	AuthCodeURL(state string, scope string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// UpstreamConfig holds the proxy's own registration at Quire
type UpstreamConfig struct {
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	CallbackURL      string
	Scopes           []string
	HTTPClient       *http.Client
}

var _ Upstream = (*QuireUpstream)(nil)

// QuireUpstream talks to the Quire OAuth endpoints through golang.org/x/oauth2
type QuireUpstream struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func NewQuireUpstream(cfg UpstreamConfig) *QuireUpstream {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &QuireUpstream{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURL,
				TokenURL: cfg.TokenURL,
				// Quire reads client credentials from the form body
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.CallbackURL,
			Scopes:      cfg.Scopes,
		},
		httpClient: httpClient,
	}
}

// AuthCodeURL uses the configured scopes unless the client asked for specific ones
func (u *QuireUpstream) AuthCodeURL(state string, scope string) string {
	if scope == "" {
		return u.config.AuthCodeURL(state)
	}
	return u.config.AuthCodeURL(state, oauth2.SetAuthURLParam("scope", scope))
}

func (u *QuireUpstream) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := u.config.Exchange(u.clientContext(ctx), code)
	if err != nil {
		return nil, classifyUpstreamError("code exchange", err)
	}
	log.LogDebugWithFields("upstream", "Exchanged authorization code with Quire", map[string]any{
		"has_refresh_token": token.RefreshToken != "",
		"expiry":            token.Expiry,
	})
	return token, nil
}

// Refresh forces a refresh_token grant. The returned token has an empty
// RefreshToken when Quire's response carried none.
func (u *QuireUpstream) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token is never valid, so the source always hits the token endpoint
	source := u.config.TokenSource(u.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyUpstreamError("token refresh", err)
	}
	// x/oauth2 copies the sent refresh token forward; the raw field says what Quire answered
	sent, _ := token.Extra("refresh_token").(string)
	token.RefreshToken = sent
	log.LogDebugWithFields("upstream", "Refreshed Quire token", map[string]any{
		"has_refresh_token": sent != "",
		"rotated":           sent != "" && sent != refreshToken,
		"expiry":            token.Expiry,
	})
	return token, nil
}

func (u *QuireUpstream) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
}

// classifyUpstreamError splits explicit 4xx rejections from everything that may
// succeed on retry: transport failures, timeouts and 5xx answers.
func classifyUpstreamError(op string, err error) *UpstreamError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		kind := UpstreamRejected
		if status >= 500 {
			kind = UpstreamUnavailable
		}
		return &UpstreamError{
			Kind:       kind,
			Op:         op,
			StatusCode: status,
			Body:       ioutil.ReadLimited(bytes.NewReader(retrieveErr.Body), ioutil.ErrorBodyLimit),
			Err:        err,
		}
	}
	return &UpstreamError{Kind: UpstreamUnavailable, Op: op, Err: err}
}
