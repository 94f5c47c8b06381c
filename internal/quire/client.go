package quire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dgellow/quire-mcp/internal/ioutil"
	"github.com/dgellow/quire-mcp/internal/urlutil"
)

// DefaultAPIURL is Quire's REST API root
const DefaultAPIURL = "https://quire.io/api"

// APIError is a non-2xx answer from the Quire API
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quire %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unauthorized reports whether Quire rejected the bearer token
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// User is the authenticated Quire user
type User struct {
	OID      string `json:"oid"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	NameText string `json:"nameText,omitempty"`
	Email    string `json:"email,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Project is a Quire project as listed for the current user
type Project struct {
	OID         string `json:"oid"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	NameText    string `json:"nameText,omitempty"`
	Description string `json:"descriptionText,omitempty"`
	URL         string `json:"url,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

// Client calls the Quire REST API on behalf of whichever upstream token it is given.
// It holds no credentials of its own.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the transport under the retry layer
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http.HTTPClient = hc
	}
}

// WithRetries sets the retry count and the wait bounds between attempts
func WithRetries(max int, waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// NewClient creates a Quire API client; an empty baseURL means DefaultAPIURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	rc := retryablehttp.NewClient()
	rc.Logger = slog.Default()
	rc.RetryMax = 3
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 30 * time.Second

	c := &Client{baseURL: baseURL, http: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMe returns the user the token belongs to
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.get(ctx, token, "/user/id/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListProjects returns every project the token's user can see
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.get(ctx, token, "/project/list", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	if token == "" {
		return fmt.Errorf("quire %s: missing access token", path)
	}
	endpoint, err := urlutil.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("building quire url: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("quire GET %s: %w", path, err)
	}
	defer ioutil.DrainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       ioutil.ReadLimited(resp.Body, ioutil.ErrorBodyLimit),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding quire %s: %w", path, err)
	}
	return nil
}
