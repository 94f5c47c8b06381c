package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment environment
const EnvVar = "QUIRE_MCP_ENV"

// Environment returns the normalised value of QUIRE_MCP_ENV, "production" when unset
func Environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar)))
	switch env {
	case "":
		return "production"
	case "dev":
		return "development"
	default:
		return env
	}
}

// IsDev reports whether client registration may accept plain http redirect URIs
func IsDev() bool {
	return Environment() == "development"
}
