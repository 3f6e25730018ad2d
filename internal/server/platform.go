package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpoauth "github.com/giantswarm/mcp-oauth"
	"github.com/giantswarm/mcp-oauth/providers"
	"github.com/giantswarm/mcp-oauth/storage"
	"golang.org/x/oauth2"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
)

const (
	// ForwardedAccessTokenHeader carries a Google access token forwarded by an
	// upstream aggregator next to the ID token in the Authorization header.
	ForwardedAccessTokenHeader = "X-Google-Access-Token"

	// ForwardedRefreshTokenHeader optionally carries the matching refresh token.
	ForwardedRefreshTokenHeader = "X-Google-Refresh-Token"

	// ForwardedTokenExpiryHeader is the access token expiry in RFC3339.
	ForwardedTokenExpiryHeader = "X-Google-Token-Expiry"

	defaultForwardedTokenExpiry = time.Hour
	tokenStoreTimeout           = 5 * time.Second
)

// PlatformAuthConfig configures the OAuth 2.1 bearer layer in front of /mcp.
type PlatformAuthConfig struct {
	// Issuer validates tokens minted by this server (standard mode only).
	Issuer *auth.Issuer

	// Verifier validates Google ID tokens.
	Verifier auth.TokenVerifier

	// Tokens receives forwarded Google access tokens.
	Tokens storage.TokenStore

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
}

// PlatformAuth validates signed bearer tokens before a request reaches the
// MCP server. It never rejects a request; a token it cannot validate is left
// for the per-call resolution.
type PlatformAuth struct {
	issuer   *auth.Issuer
	verifier auth.TokenVerifier
	tokens   storage.TokenStore
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// NewPlatformAuth creates the layer.
func NewPlatformAuth(cfg PlatformAuthConfig) *PlatformAuth {
	return &PlatformAuth{
		issuer:   cfg.Issuer,
		verifier: cfg.Verifier,
		tokens:   cfg.Tokens,
		logger:   logging.WithComponent(cfg.Logger, "platform_auth"),
		metrics:  cfg.Metrics,
	}
}

// Middleware wraps next.
func (p *PlatformAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		at, ok := p.validate(r.Context(), raw)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		email := at.UserEmail()
		ctx := mcpoauth.ContextWithUserInfo(r.Context(), &providers.UserInfo{
			ID:    at.Sub,
			Email: email,
		})
		ctx = auth.WithPlatformAccessToken(ctx, at)
		p.storeForwardedToken(ctx, r.Header, email)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validate tries this server's own tokens first, then Google ID tokens.
// Opaque tokens are not handled here.
func (p *PlatformAuth) validate(ctx context.Context, raw string) (*auth.AccessToken, bool) {
	if !auth.LooksLikeJWT(raw) {
		return nil, false
	}

	if p.issuer != nil {
		start := time.Now()
		at, err := p.issuer.Validate(ctx, raw)
		if err == nil {
			p.metrics.RecordTokenVerification(ctx, instrumentation.TokenKindJWT, instrumentation.VerifyResultValid, time.Since(start))
			return at, true
		}
		p.logger.Debug("bearer is not an issued token", logging.Err(err))
	}

	if p.verifier == nil {
		return nil, false
	}
	at, err := p.verifier.Verify(ctx, raw)
	if err != nil || at.UserEmail() == "" {
		p.logger.Debug("bearer is not a valid Google ID token", logging.Err(err))
		return nil, false
	}
	return at, true
}

func (p *PlatformAuth) storeForwardedToken(ctx context.Context, h http.Header, email string) {
	accessToken := h.Get(ForwardedAccessTokenHeader)
	if accessToken == "" || p.tokens == nil || email == "" {
		return
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: h.Get(ForwardedRefreshTokenHeader),
		TokenType:    "Bearer",
		Expiry:       parseTokenExpiry(h.Get(ForwardedTokenExpiryHeader)),
	}

	storeCtx, cancel := context.WithTimeout(ctx, tokenStoreTimeout)
	defer cancel()
	if err := p.tokens.SaveToken(storeCtx, email, token); err != nil {
		p.logger.Error("failed to store forwarded access token",
			logging.UserHash(email),
			logging.Err(err))
		return
	}
	p.logger.Info("stored forwarded access token",
		logging.UserHash(email),
		slog.Bool("has_refresh_token", token.RefreshToken != ""))
}

// parseTokenExpiry falls back to one hour for an empty or invalid value.
func parseTokenExpiry(s string) time.Time {
	if s == "" {
		return time.Now().Add(defaultForwardedTokenExpiry)
	}
	expiry, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().Add(defaultForwardedTokenExpiry)
	}
	return expiry
}
