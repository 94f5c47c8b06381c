package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/quire-mcp/internal/log"
)

// TokenTypeBearer is the token_type of every access token this server issues
const TokenTypeBearer = "bearer"

// TokenPair is the token endpoint success body (RFC 6749 section 5.1)
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func WriteTokenResponse(w http.ResponseWriter, pair *TokenPair) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(pair); err != nil {
		log.LogError("Failed to encode token response: %v", err)
	}
}
