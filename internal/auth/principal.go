package auth

import (
	"time"

	"github.com/giantswarm/mcp-oauth/providers"
)

// Source tags the precedence step that resolved a principal.
type Source string

const (
	SourcePlatform           Source = "fastmcp_oauth"
	SourceBearer             Source = "bearer_token"
	SourceStdioSession       Source = "stdio_session"
	SourceStdioSingleSession Source = "stdio_single_session"
	SourceMCPSessionBinding  Source = "mcp_session_binding"
)

// ProviderType is the auth_provider_type value written to request state.
type ProviderType string

const (
	ProviderTypeGoogle  ProviderType = "GoogleProvider"
	ProviderTypeStdio   ProviderType = "oauth21_stdio"
	ProviderTypeSession ProviderType = "oauth21_session"
)

// Principal is the identity a single call runs as.
type Principal struct {
	Email     string
	Source    Source
	Token     Credential
	Scopes    []string
	ExpiresAt time.Time
}

// AccessToken is a verified credential. Tokens validated by the platform layer
// and tokens verified against Google's userinfo endpoint share this shape.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]any
	Sub       string
	Email     string
	SessionID string
}

// UserEmail returns the token's email, falling back to the email claim.
func (t *AccessToken) UserEmail() string {
	if t == nil {
		return ""
	}
	if t.Email != "" {
		return t.Email
	}
	if email, ok := t.Claims["email"].(string); ok {
		return email
	}
	return ""
}

// Credential is implemented by PlatformToken and *AccessToken only.
type Credential interface {
	credential()
}

// PlatformToken is an identity that the HTTP OAuth layer validated before the
// call reached the MCP server.
type PlatformToken struct {
	UserInfo *providers.UserInfo
	// Token is set when the platform layer also produced an AccessToken.
	Token *AccessToken
}

func (PlatformToken) credential() {}

func (*AccessToken) credential() {}

// EmailOf returns the user email carried by a credential, or "".
func EmailOf(c Credential) string {
	switch c := c.(type) {
	case PlatformToken:
		if c.UserInfo != nil && c.UserInfo.Email != "" {
			return c.UserInfo.Email
		}
		return c.Token.UserEmail()
	case *AccessToken:
		return c.UserEmail()
	default:
		return ""
	}
}
