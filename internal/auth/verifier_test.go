package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserinfoServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/v2/userinfo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newUserinfoVerifier(srv *httptest.Server, clientID string) *GoogleVerifier {
	return NewGoogleVerifier(GoogleVerifierConfig{
		ClientID:         clientID,
		RequiredScopes:   []string{"openid", "email"},
		UserinfoEndpoint: srv.URL + "/",
		HTTPClient:       srv.Client(),
	})
}

func TestGoogleVerifier_OpaqueToken(t *testing.T) {
	srv := newUserinfoServer(t, http.StatusOK, `{"email": "a@example.com", "id": "123"}`)
	v := newUserinfoVerifier(srv, "")

	before := time.Now()
	at, err := v.Verify(context.Background(), testOpaqueToken)
	require.NoError(t, err)

	assert.Equal(t, testOpaqueToken, at.Token)
	assert.Equal(t, "a@example.com", at.Email)
	assert.Equal(t, "123", at.Sub)
	assert.Equal(t, DefaultClientID, at.ClientID)
	assert.Equal(t, []string{"openid", "email"}, at.Scopes)
	assert.Equal(t, map[string]any{"email": "a@example.com", "sub": "123"}, at.Claims)
	assert.False(t, at.ExpiresAt.Before(before.Add(SessionLifetime())))
}

func TestGoogleVerifier_OpaqueTokenUsesConfiguredClientID(t *testing.T) {
	srv := newUserinfoServer(t, http.StatusOK, `{"email": "a@example.com", "id": "123"}`)
	at, err := newUserinfoVerifier(srv, "client-id").Verify(context.Background(), testOpaqueToken)
	require.NoError(t, err)
	assert.Equal(t, "client-id", at.ClientID)
}

func TestGoogleVerifier_OpaqueTokenFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"missing email", http.StatusOK, `{"id": "123"}`},
		{"unauthorized", http.StatusUnauthorized, `{"error": {"code": 401, "message": "Invalid Credentials"}}`},
		{"server error", http.StatusInternalServerError, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUserinfoServer(t, tt.status, tt.body)
			at, err := newUserinfoVerifier(srv, "").Verify(context.Background(), testOpaqueToken)
			assert.Nil(t, at)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestGoogleVerifier_OpaqueTokenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/"
	srv.Close()

	v := NewGoogleVerifier(GoogleVerifierConfig{UserinfoEndpoint: endpoint})
	_, err := v.Verify(context.Background(), testOpaqueToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestGoogleVerifier_DefaultClientHasTimeout(t *testing.T) {
	v := NewGoogleVerifier(GoogleVerifierConfig{})
	require.NotNil(t, v.httpClient)
	assert.Equal(t, httpTimeout, v.httpClient.Timeout)
}

func TestGoogleVerifier_SlowUserinfoTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	v := NewGoogleVerifier(GoogleVerifierConfig{
		UserinfoEndpoint: srv.URL + "/",
		HTTPClient:       &http.Client{Timeout: 50 * time.Millisecond},
	})

	start := time.Now()
	_, err := v.Verify(context.Background(), testOpaqueToken)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGoogleVerifier_RejectsUnknownShapes(t *testing.T) {
	v := NewGoogleVerifier(GoogleVerifierConfig{})

	for _, token := range []string{"", "ya29.", "not-a-token", "a.b"} {
		_, err := v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", token)
	}
}

type idTokenFixture struct {
	key      *rsa.PrivateKey
	verifier *GoogleVerifier
}

func newIDTokenFixture(t *testing.T) idTokenFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return idTokenFixture{
		key: key,
		verifier: NewGoogleVerifier(GoogleVerifierConfig{
			ClientID:       "client-id",
			RequiredScopes: []string{"openid"},
			IDTokens:       oidc.NewVerifier(GoogleIssuer, keySet, &oidc.Config{ClientID: "client-id"}),
		}),
	}
}

func (f idTokenFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func validIDClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   GoogleIssuer,
		"aud":   "client-id",
		"sub":   "1234567890",
		"email": "alice@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestGoogleVerifier_IDToken(t *testing.T) {
	f := newIDTokenFixture(t)
	raw := f.sign(t, validIDClaims())

	at, err := f.verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", at.Email)
	assert.Equal(t, "1234567890", at.Sub)
	assert.Equal(t, "client-id", at.ClientID)
	assert.Equal(t, []string{"openid"}, at.Scopes)
	assert.Equal(t, "alice@example.com", at.Claims["email"])
	assert.WithinDuration(t, time.Now().Add(time.Hour), at.ExpiresAt, 5*time.Second)
}

func TestGoogleVerifier_IDTokenFailures(t *testing.T) {
	f := newIDTokenFixture(t)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"no email", func(c jwt.MapClaims) { delete(c, "email") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validIDClaims()
			tt.mutate(claims)
			_, err := f.verifier.Verify(context.Background(), f.sign(t, claims))
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestGoogleVerifier_IDTokenSignedByOtherKey(t *testing.T) {
	f := newIDTokenFixture(t)
	other := newIDTokenFixture(t)

	_, err := f.verifier.Verify(context.Background(), other.sign(t, validIDClaims()))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestGoogleVerifier_IDTokenWithoutClientID(t *testing.T) {
	v := NewGoogleVerifier(GoogleVerifierConfig{})
	_, err := v.Verify(context.Background(), "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
