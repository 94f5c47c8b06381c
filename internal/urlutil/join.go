package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath appends path segments to base without doubling or dropping slashes.
// A trailing slash on the last segment is kept.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	u.Path = path.Join(append([]string{u.Path}, paths...)...)
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

// WithQuery merges params into the query of target, keeping parameters already present.
// Used to build redirects back to client-registered URIs that may carry their own query.
func WithQuery(target string, params url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				q.Set(key, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
