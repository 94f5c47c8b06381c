package oauth

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/envutil"
	"github.com/dgellow/quire-mcp/internal/storage"
)

var (
	supportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	supportedResponseTypes = []string{"code"}
	supportedAuthMethods   = []string{storage.AuthMethodNone, storage.AuthMethodClientSecretPost, storage.AuthMethodClientSecretBasic}
)

// ClientRegistrationRequest is the RFC 7591 client metadata accepted at /register
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
}

// ParseClientRegistration validates registration metadata and builds the client to
// store. Confidential clients get a generated secret which is returned once and
// only its bcrypt hash is kept.
func ParseClientRegistration(req ClientRegistrationRequest) (storage.Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return storage.Client{}, "", NewOAuthError(ErrInvalidRedirectURI, "no valid redirect URIs provided")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRegisteredRedirectURI(uri); err != nil {
			return storage.Client{}, "", NewOAuthError(ErrInvalidRedirectURI, err.Error())
		}
	}

	for _, gt := range req.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return storage.Client{}, "", NewOAuthError(ErrInvalidClientMetadata, fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}
	for _, rt := range req.ResponseTypes {
		if !slices.Contains(supportedResponseTypes, rt) {
			return storage.Client{}, "", NewOAuthError(ErrInvalidClientMetadata, fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = storage.AuthMethodNone
	}
	if !slices.Contains(supportedAuthMethods, method) {
		return storage.Client{}, "", NewOAuthError(ErrInvalidClientMetadata, fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}

	client := storage.Client{
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              slices.Clone(req.GrantTypes),
		ResponseTypes:           slices.Clone(req.ResponseTypes),
		Scopes:                  strings.Fields(req.Scope),
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		Contacts:                slices.Clone(req.Contacts),
		TokenEndpointAuthMethod: method,
	}

	if method == storage.AuthMethodNone {
		return client, "", nil
	}

	secret, err := crypto.GenerateSecureToken()
	if err != nil {
		return storage.Client{}, "", fmt.Errorf("generating client secret: %w", err)
	}
	hashed, err := crypto.HashClientSecret(secret)
	if err != nil {
		return storage.Client{}, "", fmt.Errorf("hashing client secret: %w", err)
	}
	client.SecretHash = hashed
	return client, secret, nil
}

// validateRegisteredRedirectURI accepts https, loopback http and reverse-domain
// private-use schemes for native apps (RFC 8252 section 7.1). Any http host is
// allowed in development.
func validateRegisteredRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("redirect_uri %q is not an absolute URI", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if envutil.IsDev() || isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri %q must use https", raw)
	default:
		if !strings.Contains(u.Scheme, ".") {
			return fmt.Errorf("redirect_uri scheme %q is not allowed; private-use schemes must be reverse domain names", u.Scheme)
		}
		return nil
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
