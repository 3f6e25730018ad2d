// Package server exposes the MCP server over streamable HTTP.
//
// HTTPServer mounts:
//   - /mcp: the MCP endpoint, behind the platform auth layer in OAuth 2.1 modes
//   - /oauth2callback: completion of the legacy Google OAuth flow
//   - /.well-known/oauth-protected-resource: RFC 9728 metadata (OAuth 2.1 only)
//   - /.well-known/oauth-authorization-server, /oauth/register,
//     /oauth/authorize, /oauth/token: the authorization server (standard mode)
//   - /health, /healthz, /readyz: health endpoints
//
// The platform auth layer never rejects a request. It validates JWT bearer
// tokens and attaches the principal to the request context; opaque Google
// tokens pass through for per-call resolution.
//
// MetricsServer serves Prometheus metrics on a separate listener, optionally
// with the /healthz and /readyz probes.
package server
