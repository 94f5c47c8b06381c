package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/storage"
)

// S256Challenge derives the S256 code challenge for a verifier (unpadded base64url of SHA-256)
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyPKCE checks a code verifier against the challenge recorded at /authorize.
// Both comparisons are constant time.
func VerifyPKCE(verifier, challenge string, method storage.CodeChallengeMethod) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	switch method {
	case storage.CodeChallengeS256:
		return crypto.ConstantTimeEqual(S256Challenge(verifier), challenge)
	case storage.CodeChallengePlain:
		return crypto.ConstantTimeEqual(verifier, challenge)
	default:
		return false
	}
}

// ParseChallengeMethod applies the RFC 7636 default of plain when the parameter is absent
func ParseChallengeMethod(s string) (storage.CodeChallengeMethod, error) {
	switch s {
	case "":
		return storage.CodeChallengePlain, nil
	case string(storage.CodeChallengeS256):
		return storage.CodeChallengeS256, nil
	case string(storage.CodeChallengePlain):
		return storage.CodeChallengePlain, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method %q", s)
	}
}
