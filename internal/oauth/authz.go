package oauth

import (
	"net/http"
	"slices"

	"github.com/ory/fosite"

	"github.com/dgellow/quire-mcp/internal/storage"
)

// AuthorizeParams is a validated /authorize request
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod storage.CodeChallengeMethod
}

// ValidateRedirectURI requires an exact match against a registered redirect URI
func ValidateRedirectURI(client fosite.Client, redirectURI string) error {
	if redirectURI == "" || !slices.Contains(client.GetRedirectURIs(), redirectURI) {
		return NewOAuthError(ErrInvalidRequest, "Invalid redirect_uri")
	}
	return nil
}

// ValidateAuthorizeRequest checks an /authorize query for client. An omitted
// redirect_uri resolves to the client's only registered one.
//
// Errors about the redirect URI itself come back with nil params and must not be
// redirected. Any later error comes back with params carrying the trusted
// redirect URI and client state so it can be sent to the client.
func ValidateAuthorizeRequest(r *http.Request, client fosite.Client) (*AuthorizeParams, error) {
	q := r.URL.Query()

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		registered := client.GetRedirectURIs()
		if len(registered) != 1 {
			return nil, NewOAuthError(ErrInvalidRequest, "redirect_uri is required")
		}
		redirectURI = registered[0]
	}
	if err := ValidateRedirectURI(client, redirectURI); err != nil {
		return nil, err
	}

	params := &AuthorizeParams{
		ClientID:      client.GetID(),
		RedirectURI:   redirectURI,
		State:         q.Get("state"),
		Scope:         q.Get("scope"),
		CodeChallenge: q.Get("code_challenge"),
	}

	if q.Get("response_type") != "code" {
		return params, NewOAuthError(ErrUnsupportedResponseType, "only response_type=code is supported")
	}
	if params.CodeChallenge == "" {
		return params, NewOAuthError(ErrInvalidRequest, "code_challenge is required")
	}
	method, err := ParseChallengeMethod(q.Get("code_challenge_method"))
	if err != nil {
		return params, NewOAuthError(ErrInvalidRequest, err.Error())
	}
	params.CodeChallengeMethod = method

	return params, nil
}
