package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgellow/quire-mcp/internal/log"
)

// SupportedVersion is the only config version this build understands
const SupportedVersion = "v1"

// Load reads a JSON or YAML config, resolves env references, applies defaults and validates
func Load(path string) (Config, error) {
	data, err := readConfigJSON(path)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// readConfigJSON returns the file as JSON; .yaml and .yml files are re-encoded
func readConfigJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if !isYAML(path) {
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting config YAML: %w", err)
	}
	return out, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.Name == "" {
		c.Server.Name = DefaultName
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Quire.AuthorizationURL == "" {
		c.Quire.AuthorizationURL = DefaultAuthorizationURL
	}
	if c.Quire.TokenURL == "" {
		c.Quire.TokenURL = DefaultTokenURL
	}
	if c.Quire.APIURL == "" {
		c.Quire.APIURL = DefaultAPIURL
	}

	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = DefaultMaxSessions
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = DefaultCleanupInterval
	}
	if c.Sessions.ShutdownGrace == 0 {
		c.Sessions.ShutdownGrace = DefaultShutdownGrace
	}

	if c.TokenCache.Kind == "" {
		c.TokenCache.Kind = TokenCacheNone
	}
	if c.TokenCache.Kind == TokenCacheFirestore {
		if c.TokenCache.FirestoreDatabase == "" {
			c.TokenCache.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if c.TokenCache.FirestoreCollection == "" {
			c.TokenCache.FirestoreCollection = DefaultFirestoreCollection
		}
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if err := validateAbsoluteURL(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL: %w", err)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if config.Quire.ClientID == "" {
		return fmt.Errorf("quire.clientId is required")
	}
	if config.Quire.ClientSecret == "" {
		return fmt.Errorf("quire.clientSecret is required")
	}
	for name, raw := range map[string]string{
		"quire.authorizationURL": config.Quire.AuthorizationURL,
		"quire.tokenURL":         config.Quire.TokenURL,
		"quire.apiURL":           config.Quire.APIURL,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if err := validateSessions(config.Sessions); err != nil {
		return err
	}
	return validateTokenCache(config.TokenCache)
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func validateSessions(s SessionConfig) error {
	if s.MaxSessions < 0 {
		return fmt.Errorf("sessions.maxSessions cannot be negative")
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("sessions.idleTimeout cannot be negative")
	}
	if s.CleanupInterval < 0 {
		return fmt.Errorf("sessions.cleanupInterval cannot be negative")
	}
	if s.ShutdownGrace < 0 {
		return fmt.Errorf("sessions.shutdownGrace cannot be negative")
	}
	if s.IdleTimeout > 0 && s.CleanupInterval > s.IdleTimeout {
		log.LogWarn("Session cleanup interval is greater than session idle timeout")
	}
	return nil
}

func validateTokenCache(t TokenCacheConfig) error {
	switch t.Kind {
	case TokenCacheNone:
	case TokenCacheFile:
		if t.Path == "" {
			return fmt.Errorf("tokenCache.path is required when using file storage")
		}
	case TokenCacheFirestore:
		if t.GCPProject == "" {
			return fmt.Errorf("tokenCache.gcpProject is required when using firestore storage")
		}
		if len(t.EncryptionKey) != 32 {
			return fmt.Errorf("tokenCache.encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(t.EncryptionKey))
		}
	default:
		return fmt.Errorf("unknown tokenCache.kind: %s", t.Kind)
	}
	return nil
}
