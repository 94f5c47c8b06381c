package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrUpstreamTokenNotFound is returned when nothing is cached for a grant
var ErrUpstreamTokenNotFound = errors.New("upstream token not found")

// UpstreamToken is a Quire credential pair as last seen by the proxy. Entries are
// keyed by GrantID, so users sharing one registered client keep separate records.
type UpstreamToken struct {
	GrantID      string    `json:"grant_id"`
	ClientID     string    `json:"client_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpstreamTokenCache is a secondary, best-effort record of upstream tokens.
// Callers log its failures and carry on; it is never the source of truth.
type UpstreamTokenCache interface {
	SaveUpstreamToken(ctx context.Context, token UpstreamToken) error
	LoadUpstreamToken(ctx context.Context, grantID string) (*UpstreamToken, error)
	Close() error
}

// NopUpstreamTokenCache discards everything
type NopUpstreamTokenCache struct{}

func (NopUpstreamTokenCache) SaveUpstreamToken(context.Context, UpstreamToken) error { return nil }

func (NopUpstreamTokenCache) LoadUpstreamToken(context.Context, string) (*UpstreamToken, error) {
	return nil, ErrUpstreamTokenNotFound
}

func (NopUpstreamTokenCache) Close() error { return nil }

// FileUpstreamTokenCache keeps one JSON document of tokens keyed by grant id
type FileUpstreamTokenCache struct {
	mu   sync.Mutex
	path string
}

// NewFileUpstreamTokenCache creates the parent directory (0700) if needed
func NewFileUpstreamTokenCache(path string) (*FileUpstreamTokenCache, error) {
	if path == "" {
		return nil, fmt.Errorf("token cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating token cache directory: %w", err)
	}
	return &FileUpstreamTokenCache{path: path}, nil
}

func (c *FileUpstreamTokenCache) read() (map[string]UpstreamToken, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]UpstreamToken{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token cache: %w", err)
	}
	tokens := map[string]UpstreamToken{}
	if len(data) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token cache: %w", err)
	}
	return tokens, nil
}

func (c *FileUpstreamTokenCache) SaveUpstreamToken(_ context.Context, token UpstreamToken) error {
	if token.GrantID == "" {
		return fmt.Errorf("grant id is required")
	}
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return err
	}
	tokens[token.GrantID] = token
	return c.write(tokens)
}

// write replaces the document atomically through a temp file in the same directory
func (c *FileUpstreamTokenCache) write(tokens map[string]UpstreamToken) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting token cache permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replacing token cache: %w", err)
	}
	return nil
}

func (c *FileUpstreamTokenCache) LoadUpstreamToken(_ context.Context, grantID string) (*UpstreamToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return nil, err
	}
	token, ok := tokens[grantID]
	if !ok {
		return nil, ErrUpstreamTokenNotFound
	}
	return &token, nil
}

func (c *FileUpstreamTokenCache) Close() error { return nil }

// Cleanup drops entries not refreshed within RefreshTokenTTL; no local refresh
// token can still reference them.
func (c *FileUpstreamTokenCache) Cleanup(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-RefreshTokenTTL)
	removed := 0
	for id, token := range tokens {
		if token.UpdatedAt.Before(cutoff) {
			delete(tokens, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.write(tokens)
}
