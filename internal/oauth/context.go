package oauth

import "context"

type contextKey string

const authInfoKey contextKey = "oauth.auth_info"

// WithAuthInfo attaches a verified token to the request context
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo retrieves the verified token set by the bearer middleware
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok && info != nil
}
