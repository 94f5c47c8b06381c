package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/log"
)

var _ TokenStore = (*MemoryTokenStore)(nil)

// MemoryTokenStore keeps every credential in process memory. State is lost on
// restart, which forces clients through a fresh authorization.
type MemoryTokenStore struct {
	mu            sync.Mutex
	pending       map[string]*PendingAuthRequest
	authCodes     map[string]*AuthCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken
	now           func() time.Time
}

// MemoryOption configures a MemoryTokenStore
type MemoryOption func(*MemoryTokenStore)

// WithClock replaces time.Now, letting tests move past TTL boundaries
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryTokenStore) {
		s.now = now
	}
}

// NewMemoryTokenStore creates an empty store
func NewMemoryTokenStore(opts ...MemoryOption) *MemoryTokenStore {
	s := &MemoryTokenStore{
		pending:       make(map[string]*PendingAuthRequest),
		authCodes:     make(map[string]*AuthCode),
		accessTokens:  make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newToken(kind string) (string, error) {
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating %s: %w", kind, err)
	}
	return token, nil
}

func pendingExpired(req *PendingAuthRequest, now time.Time) bool {
	return now.After(req.CreatedAt.Add(PendingRequestTTL))
}

func (s *MemoryTokenStore) StorePendingRequest(_ context.Context, req PendingAuthRequest) (string, error) {
	state, err := newToken("state")
	if err != nil {
		return "", err
	}
	req.CreatedAt = s.now()

	s.mu.Lock()
	s.pending[state] = &req
	s.mu.Unlock()

	log.LogTraceWithFields("token_store", "Stored pending authorization request", map[string]any{
		"client_id": req.ClientID,
		"state":     log.Redact(state),
	})
	return state, nil
}

func (s *MemoryTokenStore) ConsumePendingRequest(_ context.Context, state string) (*PendingAuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[state]
	if !ok {
		return nil, ErrPendingRequestNotFound
	}
	delete(s.pending, state)

	if pendingExpired(req, s.now()) {
		return nil, ErrPendingRequestNotFound
	}
	out := *req
	return &out, nil
}

func (s *MemoryTokenStore) StoreAuthCode(_ context.Context, code AuthCode) (string, error) {
	value, err := newToken("authorization code")
	if err != nil {
		return "", err
	}
	now := s.now()
	code.CreatedAt = now
	code.ExpiresAt = now.Add(AuthCodeTTL)

	s.mu.Lock()
	s.authCodes[value] = &code
	s.mu.Unlock()
	return value, nil
}

func (s *MemoryTokenStore) GetAuthCode(_ context.Context, code string) (*AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, ErrAuthCodeNotFound
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, ErrAuthCodeNotFound
	}
	out := *entry
	return &out, nil
}

func (s *MemoryTokenStore) ConsumeAuthCode(_ context.Context, code string) (*AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, ErrAuthCodeNotFound
	}
	delete(s.authCodes, code)

	if s.now().After(entry.ExpiresAt) {
		return nil, ErrAuthCodeNotFound
	}
	return entry, nil
}

func (s *MemoryTokenStore) StoreAccessToken(_ context.Context, token AccessToken) (IssuedAccessToken, error) {
	value, err := newToken("access token")
	if err != nil {
		return IssuedAccessToken{}, err
	}
	now := s.now()
	token.CreatedAt = now
	token.ExpiresAt = now.Add(AccessTokenTTL)

	s.mu.Lock()
	s.accessTokens[value] = &token
	s.mu.Unlock()

	return IssuedAccessToken{Token: value, ExpiresIn: int(AccessTokenTTL.Seconds())}, nil
}

func (s *MemoryTokenStore) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.accessTokens[token]
	if !ok {
		return nil, ErrAccessTokenNotFound
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.accessTokens, token)
		return nil, ErrAccessTokenNotFound
	}
	out := *entry
	return &out, nil
}

func (s *MemoryTokenStore) RevokeAccessToken(_ context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.accessTokens[token]
	delete(s.accessTokens, token)
	return ok
}

func (s *MemoryTokenStore) StoreRefreshToken(_ context.Context, token RefreshToken) (string, error) {
	value, err := newToken("refresh token")
	if err != nil {
		return "", err
	}
	now := s.now()
	token.CreatedAt = now
	token.ExpiresAt = now.Add(RefreshTokenTTL)

	s.mu.Lock()
	s.refreshTokens[value] = &token
	s.mu.Unlock()
	return value, nil
}

func (s *MemoryTokenStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshTokens[token]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.refreshTokens, token)
		return nil, ErrRefreshTokenNotFound
	}
	out := *entry
	return &out, nil
}

func (s *MemoryTokenStore) RevokeRefreshToken(_ context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.refreshTokens[token]
	delete(s.refreshTokens, token)
	return ok
}

// Cleanup scans all four families and removes expired entries
func (s *MemoryTokenStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for k, v := range s.pending {
		if pendingExpired(v, now) {
			delete(s.pending, k)
			removed++
		}
	}
	for k, v := range s.authCodes {
		if now.After(v.ExpiresAt) {
			delete(s.authCodes, k)
			removed++
		}
	}
	for k, v := range s.accessTokens {
		if now.After(v.ExpiresAt) {
			delete(s.accessTokens, k)
			removed++
		}
	}
	for k, v := range s.refreshTokens {
		if now.After(v.ExpiresAt) {
			delete(s.refreshTokens, k)
			removed++
		}
	}
	return removed, nil
}

// Stats reports the number of live entries per family
func (s *MemoryTokenStore) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		"pending_requests": len(s.pending),
		"auth_codes":       len(s.authCodes),
		"access_tokens":    len(s.accessTokens),
		"refresh_tokens":   len(s.refreshTokens),
	}
}
