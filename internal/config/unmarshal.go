package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL        json.RawMessage `json:"baseURL"`
		Addr           json.RawMessage `json:"addr"`
		Name           string          `json:"name"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.AllowedOrigins = raw.AllowedOrigins
	if err := parseOptionalValue(raw.BaseURL, "baseURL", &s.BaseURL); err != nil {
		return err
	}
	return parseOptionalValue(raw.Addr, "addr", &s.Addr)
}

// UnmarshalJSON implements custom unmarshaling for QuireConfig
func (q *QuireConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		AuthorizationURL json.RawMessage `json:"authorizationURL"`
		TokenURL         json.RawMessage `json:"tokenURL"`
		APIURL           json.RawMessage `json:"apiURL"`
		Scopes           []string        `json:"scopes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	q.Scopes = raw.Scopes
	for _, field := range []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"clientId", raw.ClientID, &q.ClientID},
		{"authorizationURL", raw.AuthorizationURL, &q.AuthorizationURL},
		{"tokenURL", raw.TokenURL, &q.TokenURL},
		{"apiURL", raw.APIURL, &q.APIURL},
	} {
		if err := parseOptionalValue(field.raw, field.name, field.dst); err != nil {
			return err
		}
	}
	return parseSecretValue(raw.ClientSecret, "clientSecret", &q.ClientSecret)
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		MaxSessions     *int   `json:"maxSessions"` // Pointer to tell explicit 0 from absent
		IdleTimeout     string `json:"idleTimeout"`
		CleanupInterval string `json:"cleanupInterval"`
		ShutdownGrace   string `json:"shutdownGrace"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.MaxSessions != nil {
		s.MaxSessions = *raw.MaxSessions
	}
	if err := parseDuration(raw.IdleTimeout, "idleTimeout", &s.IdleTimeout); err != nil {
		return err
	}
	if err := parseDuration(raw.CleanupInterval, "cleanupInterval", &s.CleanupInterval); err != nil {
		return err
	}
	return parseDuration(raw.ShutdownGrace, "shutdownGrace", &s.ShutdownGrace)
}

// UnmarshalJSON implements custom unmarshaling for TokenCacheConfig
func (t *TokenCacheConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind                TokenCacheKind  `json:"kind"`
		Path                json.RawMessage `json:"path"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		CredentialsFile     json.RawMessage `json:"credentialsFile"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Kind = raw.Kind
	t.FirestoreDatabase = raw.FirestoreDatabase
	t.FirestoreCollection = raw.FirestoreCollection

	switch t.Kind {
	case "", TokenCacheNone, TokenCacheFile, TokenCacheFirestore:
	default:
		return fmt.Errorf("unknown token cache kind: %s (expected none, file or firestore)", t.Kind)
	}

	if err := parseOptionalValue(raw.Path, "path", &t.Path); err != nil {
		return err
	}
	if err := parseOptionalValue(raw.GCPProject, "gcpProject", &t.GCPProject); err != nil {
		return err
	}
	if err := parseOptionalValue(raw.CredentialsFile, "credentialsFile", &t.CredentialsFile); err != nil {
		return err
	}
	return parseSecretValue(raw.EncryptionKey, "encryptionKey", &t.EncryptionKey)
}
