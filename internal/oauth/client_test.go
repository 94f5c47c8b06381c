package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/quire-mcp/internal/storage"
)

func tokenRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, r.ParseForm())
	return r
}

func TestAuthenticateClient(t *testing.T) {
	ctx := context.Background()
	registry := storage.NewMemoryClientRegistry()

	public, err := registry.RegisterClient(ctx, storage.Client{RedirectURIs: []string{"https://a.example.com/cb"}})
	require.NoError(t, err)

	parsed, secret, err := ParseClientRegistration(ClientRegistrationRequest{
		RedirectURIs:            []string{"https://b.example.com/cb"},
		TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
	})
	require.NoError(t, err)
	confidential, err := registry.RegisterClient(ctx, parsed)
	require.NoError(t, err)

	t.Run("public client by id", func(t *testing.T) {
		client, err := AuthenticateClient(ctx, registry, tokenRequest(t, url.Values{"client_id": {public.ID}}))
		require.NoError(t, err)
		assert.Equal(t, public.ID, client.ID)
	})

	t.Run("confidential client via form", func(t *testing.T) {
		r := tokenRequest(t, url.Values{"client_id": {confidential.ID}, "client_secret": {secret}})
		client, err := AuthenticateClient(ctx, registry, r)
		require.NoError(t, err)
		assert.Equal(t, confidential.ID, client.ID)
	})

	t.Run("confidential client via basic auth", func(t *testing.T) {
		r := tokenRequest(t, url.Values{})
		r.SetBasicAuth(url.QueryEscape(confidential.ID), url.QueryEscape(secret))
		client, err := AuthenticateClient(ctx, registry, r)
		require.NoError(t, err)
		assert.Equal(t, confidential.ID, client.ID)
	})

	failures := []struct {
		name string
		form url.Values
		desc string
	}{
		{"missing client id", url.Values{}, "Missing client_id"},
		{"unknown client", url.Values{"client_id": {"nope"}}, "Unknown client"},
		{"wrong secret", url.Values{"client_id": {confidential.ID}, "client_secret": {"guess"}}, "Invalid client credentials"},
		{"missing secret", url.Values{"client_id": {confidential.ID}}, "Invalid client credentials"},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AuthenticateClient(ctx, registry, tokenRequest(t, tt.form))
			requireOAuthError(t, err, ErrInvalidClient, tt.desc)
			assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
		})
	}
}
