// Package google_tools provides the MCP tools and prompt that manage Google
// authentication for a call.
//
//   - start_google_auth starts the legacy OAuth 2.0 flow and returns the
//     Google authorization URL. The state is bound to the caller's MCP
//     session so later calls in that session resolve to the new user.
//   - get_authenticated_user reports who the current call runs as, confirmed
//     against Google's userinfo endpoint.
//   - workspace_auth_status is a prompt describing the resolved identity.
//
// In OAuth 2.1 modes start_google_auth is disabled; clients authenticate with
// a bearer token instead.
package google_tools
