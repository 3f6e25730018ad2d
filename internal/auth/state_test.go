package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth/providers"
)

func TestNewResolution_StatePerSource(t *testing.T) {
	tests := []struct {
		source       Source
		providerType any
		hasUsername  bool
		hasTokenType bool
	}{
		{SourcePlatform, nil, false, false},
		{SourceBearer, string(ProviderTypeGoogle), true, true},
		{SourceStdioSession, string(ProviderTypeStdio), false, false},
		{SourceStdioSingleSession, string(ProviderTypeStdio), true, false},
		{SourceMCPSessionBinding, string(ProviderTypeSession), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			res := newResolution(Principal{Email: "alice@example.com", Source: tt.source})
			state := res.State()

			assert.Equal(t, "alice@example.com", state[StateAuthenticatedUserEmail])
			assert.Equal(t, string(tt.source), state[StateAuthenticatedVia])
			assert.Equal(t, tt.providerType, state[StateAuthProviderType])

			_, ok := state[StateUsername]
			assert.Equal(t, tt.hasUsername, ok)
			_, ok = state[StateTokenType]
			assert.Equal(t, tt.hasTokenType, ok)
			_, ok = state[StateAccessToken]
			assert.False(t, ok, "no token, no access_token key")
		})
	}
}

func TestResolution_StateIsACopy(t *testing.T) {
	res := newResolution(Principal{Email: "alice@example.com", Source: SourceStdioSession})
	state := res.State()
	state[StateAuthenticatedUserEmail] = "mallory@example.com"

	v, ok := res.Value(StateAuthenticatedUserEmail)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", v)
}

func TestResolution_ZeroValue(t *testing.T) {
	var res Resolution
	assert.False(t, res.Resolved())
	assert.Empty(t, res.Email())
	assert.Empty(t, res.Source())
	_, ok := res.Principal()
	assert.False(t, ok)
}

func TestAuthenticatedUser(t *testing.T) {
	_, _, ok := AuthenticatedUser(context.Background())
	assert.False(t, ok)

	ctx := withResolution(context.Background(), Resolution{})
	_, _, ok = AuthenticatedUser(ctx)
	assert.False(t, ok)

	ctx = withResolution(context.Background(), newResolution(Principal{Email: "a@example.com", Source: SourceBearer}))
	email, source, ok := AuthenticatedUser(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a@example.com", email)
	assert.Equal(t, SourceBearer, source)
}

func TestEmailOf(t *testing.T) {
	assert.Equal(t, "", EmailOf(nil))
	assert.Equal(t, "a@example.com", EmailOf(&AccessToken{Email: "a@example.com"}))
	assert.Equal(t, "c@example.com", EmailOf(&AccessToken{Claims: map[string]any{"email": "c@example.com"}}))
	assert.Equal(t, "", EmailOf((*AccessToken)(nil)))
	assert.Equal(t, "u@example.com", EmailOf(PlatformToken{UserInfo: &providers.UserInfo{Email: "u@example.com"}}))
	assert.Equal(t, "t@example.com", EmailOf(PlatformToken{
		UserInfo: &providers.UserInfo{},
		Token:    &AccessToken{Email: "t@example.com"},
	}))
	assert.Equal(t, "", EmailOf(PlatformToken{}))
}

func TestGoogleAuthenticationError(t *testing.T) {
	err := &GoogleAuthenticationError{Email: "alice@example.com", Reason: "Run start_google_auth."}
	assert.Equal(t, "Access denied: Cannot retrieve credentials. Run start_google_auth.", err.Error())
	assert.NotContains(t, err.Error(), "alice@example.com")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)

	assert.Equal(t, "Access denied: Cannot retrieve credentials", (&GoogleAuthenticationError{}).Error())
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.False(t, IsAuthError(errors.New("boom")))
	assert.True(t, IsAuthError(&GoogleAuthenticationError{}))
	assert.True(t, IsAuthError(fmt.Errorf("tool: %w", &GoogleAuthenticationError{})))
	assert.True(t, IsAuthError(errors.New("Access denied: Cannot retrieve credentials for user")))
}
