package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/storage"
)

// ClientCredentials extracts client_id and client_secret from HTTP Basic auth
// (client_secret_basic) or the parsed form body (client_secret_post).
func ClientCredentials(r *http.Request) (clientID, secret string) {
	if id, pw, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1 form-encodes both values before Basic encoding
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		if unescaped, err := url.QueryUnescape(pw); err == nil {
			pw = unescaped
		}
		return id, pw
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

// AuthenticateClient resolves the calling client at the token and revocation
// endpoints. Public clients only need a known client_id. The request form must
// already be parsed.
func AuthenticateClient(ctx context.Context, registry storage.ClientRegistry, r *http.Request) (*storage.Client, error) {
	clientID, secret := ClientCredentials(r)
	if clientID == "" {
		return nil, NewOAuthError(ErrInvalidClient, "Missing client_id")
	}

	client, err := registry.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			return nil, NewOAuthError(ErrInvalidClient, "Unknown client")
		}
		return nil, WrapOAuthError(ErrServerError, "Client lookup failed", err)
	}

	if client.IsPublic() {
		return client, nil
	}
	if secret == "" || !crypto.CompareClientSecret(client.SecretHash, secret) {
		log.LogWarnWithFields("oauth", "Client authentication failed", map[string]any{
			"client_id": clientID,
		})
		return nil, NewOAuthError(ErrInvalidClient, "Invalid client credentials")
	}
	return client, nil
}
