package oauth

import (
	"strings"

	"github.com/dgellow/quire-mcp/internal/storage"
	"github.com/dgellow/quire-mcp/internal/urlutil"
)

// AuthorizationServerMetadata builds OAuth 2.0 Authorization Server Metadata per RFC 8414
// https://datatracker.ietf.org/doc/html/rfc8414
func AuthorizationServerMetadata(issuer string, scopes []string) (map[string]any, error) {
	endpoints := map[string]string{}
	for key, name := range map[string]string{
		"authorization_endpoint": "authorize",
		"token_endpoint":         "token",
		"registration_endpoint":  "register",
		"revocation_endpoint":    "revoke",
	} {
		endpoint, err := urlutil.JoinPath(issuer, name)
		if err != nil {
			return nil, err
		}
		endpoints[key] = endpoint
	}

	metadata := map[string]any{
		"issuer":                                issuer,
		"response_types_supported":              supportedResponseTypes,
		"grant_types_supported":                 supportedGrantTypes,
		"code_challenge_methods_supported":      []string{string(storage.CodeChallengeS256), string(storage.CodeChallengePlain)},
		"token_endpoint_auth_methods_supported": supportedAuthMethods,
	}
	metadata["revocation_endpoint_auth_methods_supported"] = supportedAuthMethods
	for key, endpoint := range endpoints {
		metadata[key] = endpoint
	}
	if len(scopes) > 0 {
		metadata["scopes_supported"] = scopes
	}
	return metadata, nil
}

// AuthorizationServerMetadataURI returns the well-known URI for the authorization server metadata.
func AuthorizationServerMetadataURI(issuer string) (string, error) {
	return urlutil.JoinPath(issuer, ".well-known", "oauth-authorization-server")
}

// ProtectedResourceMetadata builds RFC 9728 metadata for the resource served at
// resourcePath on issuer. This server is its own authorization server.
func ProtectedResourceMetadata(issuer string, resourcePath string, scopes []string) (map[string]any, error) {
	resourceURI, err := urlutil.JoinPath(issuer, resourcePath)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"resource":                 resourceURI,
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
		"resource_name":            "Quire MCP",
	}
	if len(scopes) > 0 {
		metadata["scopes_supported"] = scopes
	}
	return metadata, nil
}

// ProtectedResourceMetadataURI is the value of resource_metadata in Bearer challenges
func ProtectedResourceMetadataURI(issuer string) (string, error) {
	return urlutil.JoinPath(issuer, ".well-known", "oauth-protected-resource")
}

// ClientRegistrationResponse is the RFC 7591 section 3.2.1 body returned by /register
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// BuildClientRegistrationResponse echoes the stored metadata plus the one-time secret
func BuildClientRegistrationResponse(client *storage.Client, secret string) ClientRegistrationResponse {
	resp := ClientRegistrationResponse{
		ClientID:                client.ID,
		ClientIDIssuedAt:        client.IssuedAt,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		Contacts:                client.Contacts,
		Scope:                   strings.Join(client.Scopes, " "),
	}
	if secret != "" {
		never := int64(0)
		resp.ClientSecret = secret
		resp.ClientSecretExpiresAt = &never
	}
	return resp
}
