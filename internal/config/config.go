// Package config loads the auth, storage and server settings of
// workspace-mcp from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/session"
)

const (
	defaultPort       = 8000
	valkeyDefaultPort = 6379
	valkeyTLSPort     = 6380
)

// AuthConfig is the environment configuration of the auth core.
type AuthConfig struct {
	// Google OAuth client
	ClientID     string `env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_OAUTH_CLIENT_SECRET"`

	// OAuth 2.1 mode selection
	EnableOAuth21    bool   `env:"MCP_ENABLE_OAUTH21" envDefault:"false"`
	ExternalProvider bool   `env:"EXTERNAL_OAUTH21_PROVIDER" envDefault:"false"`
	JWTSigningKey    string `env:"FASTMCP_SERVER_AUTH_GOOGLE_JWT_SIGNING_KEY"`

	// Session storage
	StorageBackend string `env:"WORKSPACE_MCP_OAUTH_PROXY_STORAGE_BACKEND"`
	DiskStorageDir string `env:"WORKSPACE_MCP_OAUTH_PROXY_DISK_STORAGE_DIRECTORY"`
	ValkeyHost     string `env:"WORKSPACE_MCP_OAUTH_PROXY_VALKEY_HOST"`
	ValkeyPort     int    `env:"WORKSPACE_MCP_OAUTH_PROXY_VALKEY_PORT" envDefault:"6379"`
	ValkeyPassword string `env:"WORKSPACE_MCP_OAUTH_PROXY_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"WORKSPACE_MCP_OAUTH_PROXY_VALKEY_DB" envDefault:"0"`
	// ValkeyUseTLS is empty when unset; TLS then defaults to on for port 6380.
	ValkeyUseTLS string `env:"WORKSPACE_MCP_OAUTH_PROXY_VALKEY_USE_TLS"`

	// Server addressing
	BaseURI       string `env:"WORKSPACE_MCP_BASE_URI" envDefault:"http://localhost"`
	Host          string `env:"WORKSPACE_MCP_HOST" envDefault:"0.0.0.0"`
	Port          int    `env:"PORT"`
	WorkspacePort int    `env:"WORKSPACE_MCP_PORT"`
	ExternalURL   string `env:"WORKSPACE_EXTERNAL_URL"`

	// Single-user operation
	UserGoogleEmail string `env:"USER_GOOGLE_EMAIL"`
	SingleUserMode  bool   `env:"MCP_SINGLE_USER_MODE" envDefault:"false"`
}

// Load reads a .env file if present and parses the environment.
func Load() (*AuthConfig, error) {
	_ = godotenv.Load()
	warnInsecureEnvFile()
	return Parse()
}

// Parse parses the environment without touching .env files.
func Parse() (*AuthConfig, error) {
	cfg := &AuthConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.BaseURI = strings.TrimRight(strings.TrimSpace(cfg.BaseURI), "/")
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	return cfg, nil
}

// warnInsecureEnvFile warns when .env is readable by group or others.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(".env")
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		slog.Warn(".env file has insecure permissions, recommended 0600",
			"mode", fmt.Sprintf("%04o", mode))
	}
}

// Mode returns the auth mode the environment asks for. The selector still
// falls back to legacy when OAuth 2.1 has no client credentials.
func (c *AuthConfig) Mode() auth.Mode {
	switch {
	case !c.EnableOAuth21:
		return auth.ModeLegacy
	case c.ExternalProvider:
		return auth.ModeExternal
	default:
		return auth.ModeStandard
	}
}

// ProviderConfig builds the provider configuration for the selector.
func (c *AuthConfig) ProviderConfig(requiredScopes []string) auth.ProviderConfig {
	return auth.ProviderConfig{
		Mode:           c.Mode(),
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		RequiredScopes: requiredScopes,
		JWTSigningKey:  strings.TrimSpace(c.JWTSigningKey),
		StorageBackend: c.Backend(),
	}
}

// Backend returns the session storage backend. A configured valkey host
// selects valkey even when no backend is named.
func (c *AuthConfig) Backend() string {
	switch {
	case c.StorageBackend != "":
		return c.StorageBackend
	case c.ValkeyHost != "":
		return session.BackendValkey
	default:
		return session.BackendMemory
	}
}

// ValkeyTLS reports whether the valkey connection uses TLS.
func (c *AuthConfig) ValkeyTLS() bool {
	switch strings.ToLower(strings.TrimSpace(c.ValkeyUseTLS)) {
	case "1", "true", "yes", "on":
		return true
	case "":
		return c.ValkeyPort == valkeyTLSPort
	default:
		return false
	}
}

// StorageConfig builds the session storage configuration.
func (c *AuthConfig) StorageConfig(lifetime time.Duration) session.StorageConfig {
	host := c.ValkeyHost
	if host == "" {
		host = "localhost"
	}
	port := c.ValkeyPort
	if port == 0 {
		port = valkeyDefaultPort
	}
	return session.StorageConfig{
		Backend: c.Backend(),
		Dir:     c.DiskStorageDir,
		Valkey: session.ValkeyConfig{
			Host:     host,
			Port:     port,
			Password: c.ValkeyPassword,
			DB:       c.ValkeyDB,
			UseTLS:   c.ValkeyTLS(),
		},
		Lifetime: lifetime,
	}
}

// ListenPort returns PORT, then WORKSPACE_MCP_PORT, then 8000.
func (c *AuthConfig) ListenPort() int {
	switch {
	case c.Port > 0:
		return c.Port
	case c.WorkspacePort > 0:
		return c.WorkspacePort
	default:
		return defaultPort
	}
}

// PublicURL is the URL clients reach the server at: the external URL when
// set, otherwise base URI and port.
func (c *AuthConfig) PublicURL() string {
	if c.ExternalURL != "" {
		return strings.TrimRight(c.ExternalURL, "/")
	}
	return fmt.Sprintf("%s:%d", c.BaseURI, c.ListenPort())
}

// RedirectURL is the legacy OAuth callback URL.
func (c *AuthConfig) RedirectURL() string {
	return c.PublicURL() + "/oauth2callback"
}

// Validate checks combinations that cannot work.
func (c *AuthConfig) Validate() error {
	if c.SingleUserMode && c.EnableOAuth21 {
		return errors.New("single-user mode is incompatible with MCP_ENABLE_OAUTH21: choose one")
	}
	if c.ExternalProvider && !c.EnableOAuth21 {
		return errors.New("EXTERNAL_OAUTH21_PROVIDER requires MCP_ENABLE_OAUTH21=true")
	}
	if c.ValkeyPort < 0 || c.ValkeyPort > 65535 {
		return fmt.Errorf("invalid valkey port %d", c.ValkeyPort)
	}
	u, err := url.Parse(c.PublicURL())
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server URL %q must be an absolute http(s) URL", c.PublicURL())
	}
	return nil
}

// HasClientCredentials reports whether both client id and secret are set.
func (c *AuthConfig) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}
