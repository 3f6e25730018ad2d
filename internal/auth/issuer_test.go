package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := DeriveKey("a-long-enough-signing-secret", signingKeySalt)
	require.NoError(t, err)
	iss, err := NewIssuer(key, "https://mcp.example.com/")
	require.NoError(t, err)
	return iss
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := NewIssuer(make([]byte, 16), "https://mcp.example.com")
	assert.Error(t, err)

	_, err = NewIssuer(make([]byte, 32), "")
	assert.Error(t, err)
}

func TestIssuer_IssueAndValidate(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.Issue("alice@example.com", "123", []string{"openid", "email"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, LooksLikeJWT(raw))

	at, err := iss.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", at.Email)
	assert.Equal(t, "123", at.Sub)
	assert.Equal(t, []string{"openid", "email"}, at.Scopes)
	assert.Equal(t, "https://mcp.example.com/mcp", at.ClientID)
	assert.Equal(t, "https://mcp.example.com", at.Claims["iss"])
	assert.NotEmpty(t, at.SessionID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), at.ExpiresAt, 5*time.Second)
}

func TestIssuer_SubDefaultsToEmail(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue("alice@example.com", "", nil, time.Hour)
	require.NoError(t, err)

	at, err := iss.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", at.Sub)
	assert.Empty(t, at.Scopes)
}

func TestIssuer_IssueRequiresEmail(t *testing.T) {
	_, err := newTestIssuer(t).Issue("", "123", nil, time.Hour)
	assert.Error(t, err)
}

func TestIssuer_ValidateRejects(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue("alice@example.com", "123", nil, time.Hour)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		late := *iss
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.Validate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("other base URL", func(t *testing.T) {
		other, err := NewIssuer(iss.key, "https://other.example.com")
		require.NoError(t, err)
		_, err = other.Validate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("other key", func(t *testing.T) {
		key, err := DeriveKey("a-different-signing-secret", signingKeySalt)
		require.NoError(t, err)
		other, err := NewIssuer(key, "https://mcp.example.com")
		require.NoError(t, err)
		_, err = other.Validate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Validate(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}
