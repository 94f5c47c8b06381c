package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// TokenCacheKind selects where upstream Quire tokens are mirrored
type TokenCacheKind string

const (
	TokenCacheNone      TokenCacheKind = "none"
	TokenCacheFile      TokenCacheKind = "file"
	TokenCacheFirestore TokenCacheKind = "firestore"
)

const (
	DefaultAddr                = ":3000"
	DefaultName                = "quire-mcp"
	DefaultAuthorizationURL    = "https://quire.io/oauth"
	DefaultTokenURL            = "https://quire.io/oauth/token"
	DefaultAPIURL              = "https://quire.io/api"
	DefaultMaxSessions         = 1000
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultShutdownGrace       = 5 * time.Second
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "quire_mcp_upstream_tokens"
)

// ServerConfig is the public face of the proxy
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// QuireConfig holds the upstream OAuth app registration and API location
type QuireConfig struct {
	ClientID         string   `json:"clientId"`
	ClientSecret     Secret   `json:"clientSecret"`
	AuthorizationURL string   `json:"authorizationURL"`
	TokenURL         string   `json:"tokenURL"`
	APIURL           string   `json:"apiURL"`
	Scopes           []string `json:"scopes,omitempty"`
}

// SessionConfig bounds the MCP session table
type SessionConfig struct {
	MaxSessions     int           `json:"maxSessions"`
	IdleTimeout     time.Duration `json:"idleTimeout"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
	ShutdownGrace   time.Duration `json:"shutdownGrace"`
}

// TokenCacheConfig configures the secondary upstream token cache
type TokenCacheConfig struct {
	Kind                TokenCacheKind `json:"kind"`
	Path                string         `json:"path,omitempty"`
	GCPProject          string         `json:"gcpProject,omitempty"`
	FirestoreDatabase   string         `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string         `json:"firestoreCollection,omitempty"`
	CredentialsFile     string         `json:"credentialsFile,omitempty"`
	EncryptionKey       Secret         `json:"encryptionKey,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version    string           `json:"version"`
	Server     ServerConfig     `json:"server"`
	Quire      QuireConfig      `json:"quire"`
	Sessions   SessionConfig    `json:"sessions"`
	TokenCache TokenCacheConfig `json:"tokenCache"`
}

// RawConfigValue represents a value that could be a string or an env reference.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value   string
	fromEnv bool
}

// ParseConfigValue parses a JSON value that could be a string or {"$env": "VAR"}
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value, fromEnv: true}, nil
}

// parseOptionalValue resolves raw into *dst when present
func parseOptionalValue(raw json.RawMessage, field string, dst *string) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = parsed.value
	return nil
}

// parseSecretValue resolves a secret, which must come from the environment
func parseSecretValue(raw json.RawMessage, field string, dst *Secret) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	if !parsed.fromEnv {
		return fmt.Errorf("%s must use environment variable reference for security", field)
	}
	*dst = Secret(parsed.value)
	return nil
}

func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}
