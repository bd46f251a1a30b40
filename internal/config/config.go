// Package config loads the gateway's environment-driven configuration
// from MCP_GATEWAY_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is every value the gateway needs at startup, read once from the
// process environment.
type Config struct {
	// StoreDSN is the authoritative policy store's SQLite file path.
	StoreDSN string

	// JWKSURL, Issuer, Audience configure bearer token verification.
	JWKSURL  string
	Issuer   string
	Audience string
	APIKey   string

	// BindAddress is the gateway's listen address; ExternalHost is what
	// adapter-converted servers are advertised under.
	BindAddress  string
	ExternalHost string

	// AdapterBasePort is the first loopback port StdioAdapterSupervisor
	// allocates from.
	AdapterBasePort int

	// BackendTimeoutDefault applies when a ServerDescriptor sets no
	// timeout_ms of its own.
	BackendTimeoutDefault time.Duration

	CORSOrigins []string

	// FailClosed is the evaluator's no-match default; on unless overridden.
	FailClosed bool

	AuditSinkPath string

	// SeedFile optionally points at a YAML file describing servers,
	// groups, and policies to load into the store at startup, creating
	// missing entries and updating existing ones. When set, it is also
	// watched for writes and hot-reloaded.
	SeedFile string
}

const (
	envStoreDSN     = "MCP_GATEWAY_STORE_DSN"
	envJWKSURL      = "MCP_GATEWAY_JWKS_URL"
	envIssuer       = "MCP_GATEWAY_ISSUER"
	envAudience     = "MCP_GATEWAY_AUDIENCE"
	envAPIKey       = "MCP_GATEWAY_API_KEY"
	envBindAddress  = "MCP_GATEWAY_BIND_ADDRESS"
	envExternalHost = "MCP_GATEWAY_EXTERNAL_HOST"
	envAdapterPort  = "MCP_GATEWAY_ADAPTER_BASE_PORT"
	envTimeout      = "MCP_GATEWAY_BACKEND_TIMEOUT_MS"
	envCORSOrigins  = "MCP_GATEWAY_CORS_ORIGINS"
	envFailClosed   = "MCP_GATEWAY_FAIL_CLOSED"
	envAuditPath    = "MCP_GATEWAY_AUDIT_PATH"
	envSeedFile     = "MCP_GATEWAY_SEED_FILE"
)

// Load reads Config from the process environment, applying defaults,
// and validates the fields that have no sane default (store DSN, JWKS
// URL).
func Load() (Config, error) {
	c := Config{
		StoreDSN:              getenvDefault(envStoreDSN, "mcp-policy-gateway.db"),
		JWKSURL:               os.Getenv(envJWKSURL),
		Issuer:                os.Getenv(envIssuer),
		Audience:              os.Getenv(envAudience),
		APIKey:                os.Getenv(envAPIKey),
		BindAddress:           getenvDefault(envBindAddress, ":8080"),
		ExternalHost:          getenvDefault(envExternalHost, "127.0.0.1"),
		AdapterBasePort:       20000,
		BackendTimeoutDefault: 30 * time.Second,
		FailClosed:            true,
		AuditSinkPath:         getenvDefault(envAuditPath, "audit.log"),
		SeedFile:              os.Getenv(envSeedFile),
	}

	if v := os.Getenv(envAdapterPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envAdapterPort, err)
		}
		c.AdapterBasePort = port
	}
	if v := os.Getenv(envTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envTimeout, err)
		}
		c.BackendTimeoutDefault = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	if v := os.Getenv(envFailClosed); v != "" {
		fc, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envFailClosed, err)
		}
		c.FailClosed = fc
	}

	if c.JWKSURL == "" {
		return Config{}, fmt.Errorf("%s is required", envJWKSURL)
	}

	return c, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
