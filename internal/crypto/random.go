package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenBytes is the entropy of every opaque credential minted by the proxy (256 bits)
const TokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token, encoded as
// unpadded base64url so it can travel in query strings and form bodies unescaped.
// Used for OAuth state, authorization codes, access and refresh tokens, client secrets.
func GenerateSecureToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashClientSecret hashes a client secret using bcrypt before it is stored
func HashClientSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// CompareClientSecret checks a presented secret against its bcrypt hash
func CompareClientSecret(hashed []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hashed, []byte(secret)) == nil
}

// ConstantTimeEqual compares two strings without leaking where they differ
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
