package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/quire-mcp/internal/oauth"
	"github.com/dgellow/quire-mcp/internal/storage"
)

const (
	testIssuer   = "https://mcp.example.com"
	testRedirect = "https://app.example.com/cb"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// fakeQuire is Quire's token endpoint: codes starting with "bad" are rejected,
// "down" answers 503
type fakeQuire struct {
	srv       *httptest.Server
	exchanges atomic.Int32
	refreshes atomic.Int32
}

func newFakeQuire(t *testing.T) *fakeQuire {
	t.Helper()
	f := &fakeQuire{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "quire-client", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			f.exchanges.Add(1)
			code := r.PostForm.Get("code")
			switch {
			case strings.HasPrefix(code, "bad"):
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			case code == "down":
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"quire-at-` + code + `","refresh_token":"quire-rt-` + code + `","token_type":"bearer","expires_in":3600}`))
		case "refresh_token":
			n := f.refreshes.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"quire-at-refreshed","refresh_token":"quire-rt-` + string(rune('0'+n)) + `","token_type":"bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type authEnv struct {
	handlers *AuthHandlers
	proxy    *oauth.AuthorizationProxy
	clients  *storage.MemoryClientRegistry
	quire    *fakeQuire
	mux      *http.ServeMux
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	quire := newFakeQuire(t)
	upstream := oauth.NewQuireUpstream(oauth.UpstreamConfig{
		ClientID:         "quire-client",
		ClientSecret:     "quire-secret",
		AuthorizationURL: "https://quire.example.com/oauth",
		TokenURL:         quire.srv.URL + "/oauth/token",
		CallbackURL:      testIssuer + "/oauth/callback",
	})
	proxy := oauth.NewAuthorizationProxy(storage.NewMemoryTokenStore(), upstream)
	clients := storage.NewMemoryClientRegistry()
	h := NewAuthHandlers(proxy, clients, testIssuer, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.WellKnownHandler)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadataHandler)
	mux.HandleFunc("/authorize", h.AuthorizeHandler)
	mux.HandleFunc("/oauth/callback", h.CallbackHandler)
	mux.HandleFunc("/token", h.TokenHandler)
	mux.HandleFunc("/register", h.RegisterHandler)
	mux.HandleFunc("/revoke", h.RevokeHandler)

	return &authEnv{handlers: h, proxy: proxy, clients: clients, quire: quire, mux: mux}
}

func (e *authEnv) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

func (e *authEnv) register(t *testing.T, body string) oauth.ClientRegistrationResponse {
	t.Helper()
	w := e.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp oauth.ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (e *authEnv) registerPublic(t *testing.T) string {
	t.Helper()
	return e.register(t, `{"redirect_uris":["`+testRedirect+`"],"client_name":"Test Client"}`).ClientID
}

func authorizeQuery(clientID string, extra url.Values) string {
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"response_type":         {"code"},
		"code_challenge":        {oauth.S256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return "/authorize?" + q.Encode()
}

// authorize runs /authorize and the Quire callback and returns the local code
func (e *authEnv) authorize(t *testing.T, clientID, quireCode string) string {
	t.Helper()
	w := e.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, nil), nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	upstreamURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := upstreamURL.Query().Get("state")
	require.NotEmpty(t, state)

	w = e.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code="+quireCode+"&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	back, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return back.Query().Get("code")
}

func tokenRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeOAuthError(t *testing.T, w *httptest.ResponseRecorder) oauth.OAuthError {
	t.Helper()
	var body oauth.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWellKnownMetadata(t *testing.T) {
	env := newAuthEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var metadata map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metadata))
	assert.Equal(t, testIssuer, metadata["issuer"])
	assert.Equal(t, testIssuer+"/token", metadata["token_endpoint"])
	assert.Equal(t, testIssuer+"/revoke", metadata["revocation_endpoint"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metadata))
	assert.Equal(t, testIssuer+"/mcp", metadata["resource"])
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)

	w := env.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, nil), nil))
	require.Equal(t, http.StatusFound, w.Code)
	upstreamURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "quire.example.com", upstreamURL.Host)
	assert.Equal(t, "quire-client", upstreamURL.Query().Get("client_id"))
	assert.Equal(t, testIssuer+"/oauth/callback", upstreamURL.Query().Get("redirect_uri"))
	assert.NotEqual(t, "client-state", upstreamURL.Query().Get("state"), "client state never reaches Quire")
	assert.Empty(t, upstreamURL.Query().Get("code_challenge"), "PKCE challenge never reaches Quire")

	w = env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=quire-code&state="+url.QueryEscape(upstreamURL.Query().Get("state")), nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	back, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", back.Host)
	assert.Equal(t, "client-state", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {testVerifier},
		"redirect_uri":  {testRedirect},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var pair oauth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 3600, pair.ExpiresIn)
	assert.NotEmpty(t, pair.RefreshToken)

	info, err := env.proxy.VerifyAccessToken(t.Context(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "quire-at-quire-code", info.UpstreamToken)
	assert.Equal(t, clientID, info.ClientID)
}

func TestAuthorizeRejectsWithoutRedirect(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing client", "/authorize?response_type=code", "Missing client_id"},
		{"unknown client", authorizeQuery("nope", nil), "Unknown client"},
		{"unregistered redirect", authorizeQuery(clientID, url.Values{"redirect_uri": {"https://evil.example.com/cb"}}), "Invalid redirect_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, w.Header().Get("Location"))
			body := decodeOAuthError(t, w)
			assert.Equal(t, oauth.ErrInvalidRequest, body.Code)
			assert.Equal(t, tt.want, body.Description)
		})
	}
}

func TestAuthorizeRedirectsLaterErrors(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)

	w := env.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, url.Values{"code_challenge": {""}}), nil))
	require.Equal(t, http.StatusFound, w.Code)
	back, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", back.Host)
	assert.Equal(t, "invalid_request", back.Query().Get("error"))
	assert.Equal(t, "client-state", back.Query().Get("state"))

	w = env.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, url.Values{"response_type": {"token"}}), nil))
	require.Equal(t, http.StatusFound, w.Code)
	back, err = url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "unsupported_response_type", back.Query().Get("error"))
}

func TestCallbackErrors(t *testing.T) {
	env := newAuthEnv(t)

	t.Run("upstream error is escaped", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&error_description="+url.QueryEscape(`<script>alert(1)</script>`), nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "access_denied")
		assert.NotContains(t, w.Body.String(), "<script>")
		assert.Contains(t, w.Body.String(), "&lt;script&gt;")
	})

	t.Run("missing parameters", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Missing code or state")
	})

	t.Run("unknown state", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=forged", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired state")
		assert.Equal(t, int32(0), env.quire.exchanges.Load())
	})

	t.Run("upstream rejection issues no code", func(t *testing.T) {
		clientID := env.registerPublic(t)
		w := env.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, nil), nil))
		upstreamURL, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)

		w = env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=bad-code&state="+url.QueryEscape(upstreamURL.Query().Get("state")), nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, w.Header().Get("Location"))
		assert.Contains(t, w.Body.String(), "server_error")
	})

	t.Run("unreachable quire is 503", func(t *testing.T) {
		clientID := env.registerPublic(t)
		w := env.do(httptest.NewRequest(http.MethodGet, authorizeQuery(clientID, nil), nil))
		upstreamURL, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)

		w = env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=down&state="+url.QueryEscape(upstreamURL.Query().Get("state")), nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestTokenPKCE(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)
	code := env.authorize(t, clientID, "quire-code")

	w := env.do(tokenRequest(url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {clientID},
		"code":       {code},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "code_verifier is required", decodeOAuthError(t, w).Description)

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {"wrong-verifier"},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeOAuthError(t, w)
	assert.Equal(t, oauth.ErrInvalidGrant, body.Code)
	assert.Equal(t, "PKCE verification failed", body.Description)

	// the failed verification did not burn the code
	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid authorization code", decodeOAuthError(t, w).Description)
}

func TestTokenClientChecks(t *testing.T) {
	env := newAuthEnv(t)
	clientA := env.registerPublic(t)
	clientB := env.registerPublic(t)
	code := env.authorize(t, clientA, "quire-code")

	w := env.do(tokenRequest(url.Values{"grant_type": {"authorization_code"}, "code": {code}}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, oauth.ErrInvalidClient, decodeOAuthError(t, w).Code)

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientB},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Authorization code was not issued to this client", decodeOAuthError(t, w).Description)

	w = env.do(tokenRequest(url.Values{"grant_type": {"password"}, "client_id": {clientA}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.ErrUnsupportedGrantType, decodeOAuthError(t, w).Code)
}

func TestConfidentialClient(t *testing.T) {
	env := newAuthEnv(t)
	reg := env.register(t, `{"redirect_uris":["`+testRedirect+`"],"token_endpoint_auth_method":"client_secret_post"}`)
	require.NotEmpty(t, reg.ClientSecret)
	code := env.authorize(t, reg.ClientID, "quire-code")

	w := env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {reg.ClientID},
		"client_secret": {"wrong"},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="quire-mcp"`, w.Header().Get("WWW-Authenticate"))

	r := tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {testVerifier},
	})
	r.SetBasicAuth(reg.ClientID, reg.ClientSecret)
	w = env.do(r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRefreshGrant(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)
	code := env.authorize(t, clientID, "quire-code")

	w := env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	var first oauth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {first.RefreshToken},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second oauth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	info, err := env.proxy.VerifyAccessToken(t.Context(), second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "quire-at-refreshed", info.UpstreamToken)

	w = env.do(tokenRequest(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {first.RefreshToken},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid refresh token", decodeOAuthError(t, w).Description)
	assert.Equal(t, int32(1), env.quire.refreshes.Load())
}

func TestRegisterValidation(t *testing.T) {
	env := newAuthEnv(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.ErrInvalidClientMetadata, decodeOAuthError(t, w).Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"redirect_uris":["javascript:alert(1)"]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.ErrInvalidRedirectURI, decodeOAuthError(t, w).Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/register", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	reg := env.register(t, `{"redirect_uris":["`+testRedirect+`"],"client_name":"Inspector"}`)
	assert.Equal(t, "Inspector", reg.ClientName)
	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, "none", reg.TokenEndpointAuthMethod)
}

func TestRevoke(t *testing.T) {
	env := newAuthEnv(t)
	clientID := env.registerPublic(t)
	otherID := env.registerPublic(t)
	code := env.authorize(t, clientID, "quire-code")

	w := env.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {testVerifier},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	var pair oauth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	revoke := func(form url.Values) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return env.do(r)
	}

	w = revoke(url.Values{"client_id": {otherID}, "token": {pair.AccessToken}})
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := env.proxy.VerifyAccessToken(t.Context(), pair.AccessToken)
	require.NoError(t, err, "another client cannot revoke the token")

	w = revoke(url.Values{"client_id": {clientID}, "token": {pair.AccessToken}, "token_type_hint": {"access_token"}})
	assert.Equal(t, http.StatusOK, w.Code)
	_, err = env.proxy.VerifyAccessToken(t.Context(), pair.AccessToken)
	assert.Error(t, err)

	w = revoke(url.Values{"client_id": {clientID}, "token": {"unknown"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = revoke(url.Values{"client_id": {clientID}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
