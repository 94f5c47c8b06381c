package oauth

import (
	"context"
	"net/http"
	"strings"

	jsonwriter "github.com/dgellow/quire-mcp/internal/json"
	"github.com/dgellow/quire-mcp/internal/log"
)

// TokenVerifier resolves local access tokens
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*AuthInfo, error)
}

// NewBearerAuthMiddleware rejects requests without a valid local access token and
// stores the AuthInfo in the request context. Challenges point at the protected
// resource metadata (RFC 9728 section 5.1).
func NewBearerAuthMiddleware(verifier TokenVerifier, resourceMetadataURI string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				jsonwriter.WriteBearerUnauthorized(w, jsonwriter.BearerChallenge{
					Error:            string(ErrInvalidToken),
					ErrorDescription: "Missing bearer token",
					ResourceMetadata: resourceMetadataURI,
				})
				return
			}

			info, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				log.LogDebugWithFields("oauth", "Rejected bearer token", map[string]any{
					"token": log.Redact(token),
					"path":  r.URL.Path,
				})
				jsonwriter.WriteBearerUnauthorized(w, jsonwriter.BearerChallenge{
					Error:            string(ErrInvalidToken),
					ErrorDescription: "Invalid or expired token",
					ResourceMetadata: resourceMetadataURI,
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
		})
	}
}

// bearerToken accepts the scheme case-insensitively per RFC 6750 section 2.1
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
