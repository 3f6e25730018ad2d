package google

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/session"
)

func newSessionStore(t *testing.T) *session.MemoryStore {
	t.Helper()
	s := session.NewMemoryStoreWithInterval(time.Hour, 0, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCredentialProvider_ValidSession(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	require.NoError(t, store.StoreSession(ctx, "user@example.com", session.Credentials{
		AccessToken: "ya29.valid",
		Expiry:      time.Now().Add(time.Hour),
	}, "", ""))

	p := NewCredentialProvider(store, nil, nil, nil)
	token, err := p.GetTokenForAccount(ctx, "USER@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.valid", token.AccessToken)
}

func TestCredentialProvider_RefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	srv := newGoogleServer(t, `{"access_token": "ya29.fresh", "token_type": "Bearer", "expires_in": 3600}`)
	store := newSessionStore(t)
	require.NoError(t, store.StoreSession(ctx, "user@example.com", session.Credentials{
		AccessToken:  "ya29.stale",
		RefreshToken: "refresh",
		TokenURI:     srv.URL + "/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Expiry:       time.Now().Add(-time.Minute),
	}, "google-abc", "mcp-1"))

	p := NewCredentialProvider(store, nil, nil, nil)
	token, err := p.GetTokenForAccount(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", token.AccessToken)
	assert.Equal(t, "refresh", token.RefreshToken)

	rec, err := store.GetSession(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", rec.Credentials.AccessToken)
	assert.Equal(t, "google-abc", rec.SessionKey)

	email, ok, err := store.GetUserByMCPSession(ctx, "mcp-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user@example.com", email)
}

func TestCredentialProvider_RevokedRefreshTokenDropsSession(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "Token has been expired or revoked."}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSessionStore(t)
	require.NoError(t, store.StoreSession(ctx, "user@example.com", session.Credentials{
		AccessToken:  "ya29.stale",
		RefreshToken: "revoked",
		TokenURI:     srv.URL + "/token",
		ClientID:     "client-id",
		Expiry:       time.Now().Add(-time.Minute),
	}, "google-abc", "mcp-1"))

	p := NewCredentialProvider(store, nil, nil, nil)
	_, err := p.GetTokenForAccount(ctx, "user@example.com")
	assert.True(t, auth.IsAuthError(err))

	ok, err := store.HasSession(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.GetUserByMCPSession(ctx, "mcp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialProvider_TransientRefreshFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSessionStore(t)
	require.NoError(t, store.StoreSession(ctx, "user@example.com", session.Credentials{
		AccessToken:  "ya29.stale",
		RefreshToken: "refresh",
		TokenURI:     srv.URL + "/token",
		ClientID:     "client-id",
		Expiry:       time.Now().Add(-time.Minute),
	}, "google-abc", ""))

	p := NewCredentialProvider(store, nil, nil, nil)
	_, err := p.GetTokenForAccount(ctx, "user@example.com")
	assert.True(t, auth.IsAuthError(err))

	ok, err := store.HasSession(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCredentialProvider_FallsBackToTokenStore(t *testing.T) {
	ctx := context.Background()
	tokens := memory.New()
	defer tokens.Stop()
	require.NoError(t, tokens.SaveToken(ctx, "user@example.com", &oauth2.Token{AccessToken: "ya29.platform"}))

	p := NewCredentialProvider(newSessionStore(t), tokens, nil, nil)
	token, err := p.GetTokenForAccount(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.platform", token.AccessToken)
}

func TestCredentialProvider_Missing(t *testing.T) {
	ctx := context.Background()
	p := NewCredentialProvider(newSessionStore(t), nil, nil, nil)

	_, err := p.GetTokenForAccount(ctx, "nobody@example.com")
	require.Error(t, err)

	var gae *auth.GoogleAuthenticationError
	require.True(t, errors.As(err, &gae))
	assert.Equal(t, "nobody@example.com", gae.Email)
	assert.True(t, auth.IsAuthError(err))
}

func TestCredentialProvider_EmptyEmail(t *testing.T) {
	_, err := NewCredentialProvider(nil, nil, nil, nil).GetTokenForAccount(context.Background(), "")
	assert.True(t, auth.IsAuthError(err))
}
