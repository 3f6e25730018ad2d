package auth

import (
	"context"
	"maps"
)

// Request state keys read by tool handlers.
const (
	StateAuthenticatedUserEmail = "authenticated_user_email"
	StateAuthenticatedVia       = "authenticated_via"
	StateAccessToken            = "access_token"
	StateAuthProviderType       = "auth_provider_type"
	StateTokenType              = "token_type"
	StateUserEmail              = "user_email"
	StateUsername               = "username"
)

const tokenTypeGoogleOAuth = "google_oauth"

// Resolution is the outcome of one pass of the precedence chain. The zero
// value is Unresolved.
type Resolution struct {
	principal Principal
	resolved  bool
	state     map[string]any
}

func newResolution(p Principal) Resolution {
	state := map[string]any{
		StateAuthenticatedUserEmail: p.Email,
		StateAuthenticatedVia:       string(p.Source),
	}
	if p.Token != nil {
		state[StateAccessToken] = p.Token
	}

	switch p.Source {
	case SourceBearer:
		state[StateAuthProviderType] = string(ProviderTypeGoogle)
		state[StateTokenType] = tokenTypeGoogleOAuth
		state[StateUserEmail] = p.Email
		state[StateUsername] = p.Email
	case SourceStdioSession:
		state[StateAuthProviderType] = string(ProviderTypeStdio)
	case SourceStdioSingleSession:
		state[StateAuthProviderType] = string(ProviderTypeStdio)
		state[StateUserEmail] = p.Email
		state[StateUsername] = p.Email
	case SourceMCPSessionBinding:
		state[StateAuthProviderType] = string(ProviderTypeSession)
	}

	return Resolution{principal: p, resolved: true, state: state}
}

// Resolved reports whether a principal was found.
func (r Resolution) Resolved() bool {
	return r.resolved
}

// Principal returns the resolved principal.
func (r Resolution) Principal() (Principal, bool) {
	return r.principal, r.resolved
}

// Source returns the resolving step, or "" when unresolved.
func (r Resolution) Source() Source {
	return r.principal.Source
}

// Email returns the resolved email, or "" when unresolved.
func (r Resolution) Email() string {
	return r.principal.Email
}

// State returns a copy of the request state written for this resolution.
func (r Resolution) State() map[string]any {
	return maps.Clone(r.state)
}

// Value returns one request state value.
func (r Resolution) Value(key string) (any, bool) {
	v, ok := r.state[key]
	return v, ok
}

func withResolution(ctx context.Context, r Resolution) context.Context {
	return context.WithValue(ctx, resolutionKey, r)
}

// ResolutionFromContext returns the resolution written for this call. The
// second result is false when the auth middleware has not run.
func ResolutionFromContext(ctx context.Context) (Resolution, bool) {
	r, ok := ctx.Value(resolutionKey).(Resolution)
	return r, ok
}

// AuthenticatedUser returns the resolved email and source for this call.
func AuthenticatedUser(ctx context.Context) (string, Source, bool) {
	r, ok := ResolutionFromContext(ctx)
	if !ok || !r.Resolved() {
		return "", "", false
	}
	return r.Email(), r.Source(), true
}
