package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := readConfigJSON(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if version != SupportedVersion {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateQuireStructure(rawConfig, result)
	validateSessionsStructure(rawConfig, result)
	validateTokenCacheStructure(rawConfig, result)

	return result, nil
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://mcp.example.com\"")
	}
	if origins, ok := server["allowedOrigins"]; ok {
		if _, isList := origins.([]any); !isList {
			result.addError("server.allowedOrigins", "allowedOrigins must be a list of origins")
		}
	}
}

func validateQuireStructure(rawConfig map[string]any, result *ValidationResult) {
	quire, ok := rawConfig["quire"].(map[string]any)
	if !ok {
		result.addError("quire", "quire field is required and must be an object")
		return
	}
	if _, ok := quire["clientId"]; !ok {
		result.addError("quire.clientId", "clientId is required. Hint: Use {\"$env\": \"QUIRE_CLIENT_ID\"}")
	}
	secret, ok := quire["clientSecret"]
	if !ok {
		result.addError("quire.clientSecret", "clientSecret is required. Hint: Use {\"$env\": \"QUIRE_CLIENT_SECRET\"}")
	} else if err := validateEnvVarReference(secret, "clientSecret", "quire.clientSecret"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if scopes, ok := quire["scopes"]; ok {
		if _, isList := scopes.([]any); !isList {
			result.addError("quire.scopes", "scopes must be a list of strings")
		}
	}
}

func validateSessionsStructure(rawConfig map[string]any, result *ValidationResult) {
	raw, ok := rawConfig["sessions"]
	if !ok {
		return
	}
	sessions, ok := raw.(map[string]any)
	if !ok {
		result.addError("sessions", "sessions must be an object")
		return
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{"idleTimeout", "cleanupInterval", "shutdownGrace"} {
		value, ok := sessions[key]
		if !ok {
			continue
		}
		s, isString := value.(string)
		if !isString {
			result.addError("sessions."+key, "%s must be a duration string such as \"30m\"", key)
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			result.addError("sessions."+key, "invalid duration %q: %v", s, err)
			continue
		}
		durations[key] = d
	}

	if raw, ok := sessions["maxSessions"]; ok {
		if n, isNumber := raw.(float64); !isNumber || n < 0 || n != float64(int(n)) {
			result.addError("sessions.maxSessions", "maxSessions must be a non-negative integer")
		}
	}

	idle, hasIdle := durations["idleTimeout"]
	cleanup, hasCleanup := durations["cleanupInterval"]
	if hasIdle && hasCleanup && cleanup > idle {
		result.addWarning("sessions",
			"cleanupInterval (%s) is longer than idleTimeout (%s). Idle sessions will stay open until they are next touched or the sweep runs.",
			cleanup, idle)
	}
}

func validateTokenCacheStructure(rawConfig map[string]any, result *ValidationResult) {
	raw, ok := rawConfig["tokenCache"]
	if !ok {
		return
	}
	cache, ok := raw.(map[string]any)
	if !ok {
		result.addError("tokenCache", "tokenCache must be an object")
		return
	}

	kind, _ := cache["kind"].(string)
	switch TokenCacheKind(kind) {
	case "", TokenCacheNone:
	case TokenCacheFile:
		if _, ok := cache["path"]; !ok {
			result.addError("tokenCache.path", "path is required when kind is file")
		}
	case TokenCacheFirestore:
		if _, ok := cache["gcpProject"]; !ok {
			result.addError("tokenCache.gcpProject", "gcpProject is required when kind is firestore")
		}
		key, ok := cache["encryptionKey"]
		if !ok {
			result.addError("tokenCache.encryptionKey", "encryptionKey is required when kind is firestore. Hint: Use {\"$env\": \"TOKEN_CACHE_KEY\"}")
		} else if err := validateEnvVarReference(key, "encryptionKey", "tokenCache.encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	default:
		result.addError("tokenCache.kind", "unknown kind '%s' - use none, file or firestore", kind)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
