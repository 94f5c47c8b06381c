package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ory/fosite"

	jsonwriter "github.com/dgellow/quire-mcp/internal/json"
	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/oauth"
	"github.com/dgellow/quire-mcp/internal/storage"
)

const maxRegistrationBody = 64 << 10

// AuthHandlers serves the OAuth endpoints clients talk to. Quire is only ever
// reached through the authorization proxy.
type AuthHandlers struct {
	proxy   *oauth.AuthorizationProxy
	clients storage.ClientRegistry
	issuer  string
	scopes  []string
}

// NewAuthHandlers creates the OAuth handlers for the server rooted at issuer
func NewAuthHandlers(proxy *oauth.AuthorizationProxy, clients storage.ClientRegistry, issuer string, scopes []string) *AuthHandlers {
	return &AuthHandlers{
		proxy:   proxy,
		clients: clients,
		issuer:  issuer,
		scopes:  scopes,
	}
}

// WellKnownHandler serves OAuth 2.0 Authorization Server Metadata (RFC 8414)
func (h *AuthHandlers) WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	metadata, err := oauth.AuthorizationServerMetadata(h.issuer, h.scopes)
	if err != nil {
		log.LogError("Failed to build authorization server metadata: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	_ = jsonwriter.Write(w, metadata)
}

// ProtectedResourceMetadataHandler serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
// for the MCP endpoint
func (h *AuthHandlers) ProtectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	metadata, err := oauth.ProtectedResourceMetadata(h.issuer, "/mcp", h.scopes)
	if err != nil {
		log.LogError("Failed to build protected resource metadata: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	_ = jsonwriter.Write(w, metadata)
}

// lookupClient resolves a client id from a request that cannot be redirected
// back yet: every failure is answered as JSON
func (h *AuthHandlers) lookupClient(w http.ResponseWriter, r *http.Request, clientID string) (*storage.Client, bool) {
	if clientID == "" {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "Missing client_id"))
		return nil, false
	}
	client, err := h.clients.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "Unknown client"))
			return nil, false
		}
		log.LogErrorWithFields("oauth", "Client lookup failed", map[string]any{
			"client_id": clientID,
			"error":     err.Error(),
		})
		oauth.WriteError(w, err)
		return nil, false
	}
	return client, true
}

// AuthorizeHandler handles OAuth 2.0 authorization requests by parking them and
// sending the user to Quire
func (h *AuthHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}

	client, ok := h.lookupClient(w, r, r.URL.Query().Get("client_id"))
	if !ok {
		return
	}
	fc := client.ToFositeClient()

	params, err := oauth.ValidateAuthorizeRequest(r, fc)
	if err != nil {
		log.LogWarnWithFields("oauth", "Rejected authorization request", map[string]any{
			"client_id": client.ID,
			"error":     err.Error(),
		})
		if params == nil {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.AsOAuthError(err))
			return
		}
		oauth.WriteAuthorizeError(w, r, params.RedirectURI, params.State, oauth.AsOAuthError(err))
		return
	}

	authURL, err := h.proxy.Authorize(r.Context(), fc, *params)
	if err != nil {
		oauth.WriteAuthorizeError(w, r, params.RedirectURI, params.State, oauth.AsOAuthError(err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler receives Quire's redirect after the user consented, swaps the
// Quire code for tokens and sends the user back to the client with a local code
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		log.LogWarnWithFields("oauth", "Quire returned an authorization error", map[string]any{
			"error":             upstreamErr,
			"error_description": q.Get("error_description"),
		})
		renderCallbackError(w, http.StatusBadRequest, upstreamErr, q.Get("error_description"))
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		renderCallbackError(w, http.StatusBadRequest, string(oauth.ErrInvalidRequest), "Missing code or state")
		return
	}

	redirect, err := h.proxy.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		renderCallbackError(w, oauth.StatusCode(err), string(oauthErr.Code), oauthErr.Description)
		return
	}
	renderCallbackRedirect(w, redirect)
}

// TokenHandler handles OAuth 2.0 token requests for the authorization_code and
// refresh_token grants
func (h *AuthHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "Malformed request body"))
		return
	}

	ctx := r.Context()
	client, err := oauth.AuthenticateClient(ctx, h.clients, r)
	if err != nil {
		oauth.WriteError(w, err)
		return
	}
	fc := client.ToFositeClient()

	grantType := r.PostForm.Get("grant_type")
	if grantType == "" {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "grant_type is required"))
		return
	}
	if !fc.GetGrantTypes().Has(grantType) {
		if grantType != "authorization_code" && grantType != "refresh_token" {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrUnsupportedGrantType, "Unsupported grant_type"))
			return
		}
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrUnauthorizedClient, "Client is not registered for this grant_type"))
		return
	}

	var pair *oauth.TokenPair
	switch grantType {
	case "authorization_code":
		pair, err = h.exchangeCode(r, fc)
	case "refresh_token":
		refreshToken := r.PostForm.Get("refresh_token")
		if refreshToken == "" {
			err = oauth.NewOAuthError(oauth.ErrInvalidRequest, "refresh_token is required")
			break
		}
		pair, err = h.proxy.ExchangeRefreshToken(ctx, fc, refreshToken)
	default:
		err = oauth.NewOAuthError(oauth.ErrUnsupportedGrantType, "Unsupported grant_type")
	}
	if err != nil {
		log.LogWarnWithFields("oauth", "Token request failed", map[string]any{
			"client_id":  client.ID,
			"grant_type": grantType,
			"error":      err.Error(),
		})
		oauth.WriteError(w, err)
		return
	}
	oauth.WriteTokenResponse(w, pair)
}

// exchangeCode verifies PKCE against the stored challenge before the code is
// consumed, so a wrong verifier leaves the code redeemable
func (h *AuthHandlers) exchangeCode(r *http.Request, client fosite.Client) (*oauth.TokenPair, error) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidRequest, "code is required")
	}
	if verifier == "" {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidRequest, "code_verifier is required")
	}

	challenge, err := h.proxy.ChallengeForAuthorizationCode(r.Context(), client, code)
	if err != nil {
		return nil, err
	}
	if !oauth.VerifyPKCE(verifier, challenge.Challenge, challenge.Method) {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidGrant, "PKCE verification failed")
	}

	return h.proxy.ExchangeAuthorizationCode(r.Context(), client, code, verifier, r.PostForm.Get("redirect_uri"))
}

// RegisterHandler handles dynamic client registration (RFC 7591)
func (h *AuthHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req oauth.ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidClientMetadata, "Invalid request body"))
		return
	}

	client, secret, err := oauth.ParseClientRegistration(req)
	if err != nil {
		log.LogWarnWithFields("registry", "Rejected client registration", map[string]any{
			"client_name": req.ClientName,
			"error":       err.Error(),
		})
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.AsOAuthError(err))
		return
	}

	registered, err := h.clients.RegisterClient(r.Context(), client)
	if err != nil {
		log.LogError("Failed to register client: %v", err)
		oauth.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, oauth.BuildClientRegistrationResponse(registered, secret))
}

// RevokeHandler handles token revocation (RFC 7009). Unknown tokens, and tokens
// belonging to another client, are answered with 200 like any other.
func (h *AuthHandlers) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "Malformed request body"))
		return
	}

	client, err := oauth.AuthenticateClient(r.Context(), h.clients, r)
	if err != nil {
		oauth.WriteError(w, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "token is required"))
		return
	}

	h.proxy.RevokeToken(r.Context(), client.ToFositeClient(), token, r.PostForm.Get("token_type_hint"))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
