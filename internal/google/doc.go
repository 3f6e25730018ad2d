// Package google holds the Google side of authentication: the Workspace
// scope sets, the legacy OAuth 2.0 authorization code flow, and the
// credential provider that hands stored tokens to Google API clients.
package google
