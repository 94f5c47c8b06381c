package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/quire-mcp/internal/storage"
)

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    storage.CodeChallengeMethod
		want      bool
	}{
		{"plain match", "abc", "abc", storage.CodeChallengePlain, true},
		{"plain mismatch", "abc", "xyz", storage.CodeChallengePlain, false},
		{"s256 match", verifier, challenge, storage.CodeChallengeS256, true},
		{"s256 mismatch", "wrong-verifier", challenge, storage.CodeChallengeS256, false},
		{"s256 with padded challenge", verifier, challenge + "=", storage.CodeChallengeS256, false},
		{"s256 verifier used as plain", challenge, challenge, storage.CodeChallengeS256, false},
		{"empty verifier", "", "", storage.CodeChallengePlain, false},
		{"unknown method", "abc", "abc", "S512", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyPKCE(tt.verifier, tt.challenge, tt.method))
		})
	}
}

func TestS256Challenge(t *testing.T) {
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestParseChallengeMethod(t *testing.T) {
	method, err := ParseChallengeMethod("")
	require.NoError(t, err)
	assert.Equal(t, storage.CodeChallengePlain, method)

	method, err = ParseChallengeMethod("S256")
	require.NoError(t, err)
	assert.Equal(t, storage.CodeChallengeS256, method)

	_, err = ParseChallengeMethod("s256")
	assert.Error(t, err)
}
