package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/dgellow/quire-mcp/internal/log"
)

// Token endpoint authentication methods accepted at registration
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// Client is a dynamically registered OAuth client (RFC 7591 metadata)
type Client struct {
	ID                      string
	SecretHash              []byte // bcrypt; nil for public clients
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	ClientName              string
	ClientURI               string
	LogoURI                 string
	Contacts                []string
	TokenEndpointAuthMethod string
	IssuedAt                int64
}

// IsPublic reports whether the client authenticates with client_id alone
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == AuthMethodNone
}

// ToFositeClient exposes the client through the fosite client model used by the proxy
func (c *Client) ToFositeClient() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ID,
		Secret:        c.SecretHash,
		RedirectURIs:  slices.Clone(c.RedirectURIs),
		GrantTypes:    slices.Clone(c.GrantTypes),
		ResponseTypes: slices.Clone(c.ResponseTypes),
		Scopes:        slices.Clone(c.Scopes),
		Public:        c.IsPublic(),
	}
}

// ClientRegistry is append-only for the process lifetime
type ClientRegistry interface {
	// RegisterClient assigns a fresh client id and issuance time and stores the client
	RegisterClient(ctx context.Context, client Client) (*Client, error)
	// GetClient returns fosite.ErrNotFound for unknown ids
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

var _ ClientRegistry = (*MemoryClientRegistry)(nil)

// MemoryClientRegistry keeps registered clients in a map
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
}

func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

func (r *MemoryClientRegistry) RegisterClient(_ context.Context, client Client) (*Client, error) {
	client.ID = uuid.NewString()
	client.IssuedAt = r.now().Unix()
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = []string{"code"}
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = AuthMethodNone
	}

	r.mu.Lock()
	r.clients[client.ID] = &client
	total := len(r.clients)
	r.mu.Unlock()

	log.LogInfoWithFields("registry", "Registered client", map[string]any{
		"client_id":     client.ID,
		"client_name":   client.ClientName,
		"redirect_uris": client.RedirectURIs,
		"auth_method":   client.TokenEndpointAuthMethod,
		"total_clients": total,
	})

	out := client
	return &out, nil
}

func (r *MemoryClientRegistry) GetClient(_ context.Context, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	out := *client
	return &out, nil
}
