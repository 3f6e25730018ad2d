package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-oauth/storage"
	"golang.org/x/oauth2"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/session"
)

// CredentialProvider resolves stored Google credentials for an account. It
// reads the session store first and the mcp-oauth token store second.
type CredentialProvider struct {
	sessions session.Store
	tokens   storage.TokenStore
	oauth    *oauth2.Config
	logger   *slog.Logger
}

var _ TokenProvider = (*CredentialProvider)(nil)

// NewCredentialProvider creates a provider. tokens and oauth may be nil;
// without oauth, expired tokens are refreshed with the client data stored in
// the session.
func NewCredentialProvider(sessions session.Store, tokens storage.TokenStore, oauth *oauth2.Config, logger *slog.Logger) *CredentialProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialProvider{
		sessions: sessions,
		tokens:   tokens,
		oauth:    oauth,
		logger:   logger,
	}
}

// GetTokenForAccount returns a valid token for email, refreshing it when it
// has expired. A missing account yields *auth.GoogleAuthenticationError.
func (p *CredentialProvider) GetTokenForAccount(ctx context.Context, email string) (*oauth2.Token, error) {
	if email == "" {
		return nil, &auth.GoogleAuthenticationError{Reason: "no authenticated user"}
	}

	if p.sessions != nil {
		rec, err := p.sessions.GetSession(ctx, email)
		switch {
		case err == nil:
			return p.fromRecord(ctx, rec)
		case !errors.Is(err, session.ErrNotFound):
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
	}

	if p.tokens != nil {
		token, err := p.tokens.GetToken(ctx, email)
		if err == nil && token != nil {
			return token, nil
		}
	}

	return nil, &auth.GoogleAuthenticationError{
		Email:  email,
		Reason: "Run start_google_auth to authenticate.",
	}
}

func (p *CredentialProvider) fromRecord(ctx context.Context, rec *session.Record) (*oauth2.Token, error) {
	token := rec.Credentials.OAuth2Token()
	if token.Valid() || token.RefreshToken == "" {
		return token, nil
	}

	refreshed, err := p.refreshConfig(rec.Credentials).TokenSource(ctx, token).Token()
	if err != nil {
		p.logger.Warn("token refresh failed", logging.UserHash(rec.UserEmail), logging.Err(err))
		if revoked(err) {
			// The refresh token is dead; keep the session from resolving again.
			if err := p.sessions.DeleteSession(ctx, rec.UserEmail, rec.SessionKey); err != nil {
				p.logger.Warn("failed to delete revoked session", logging.Err(err))
			}
		}
		return nil, &auth.GoogleAuthenticationError{
			Email:  rec.UserEmail,
			Reason: "Stored credentials expired and could not be refreshed.",
		}
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	creds := rec.Credentials
	creds.AccessToken = refreshed.AccessToken
	creds.RefreshToken = refreshed.RefreshToken
	creds.Expiry = refreshed.Expiry
	if err := p.sessions.StoreSession(ctx, rec.UserEmail, creds, rec.SessionKey, rec.MCPSessionID); err != nil {
		p.logger.Warn("failed to store refreshed credentials", logging.Err(err))
	}
	return refreshed, nil
}

// revoked reports whether Google rejected the refresh token itself.
func revoked(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}

// refreshConfig prefers the client data recorded with the credentials.
func (p *CredentialProvider) refreshConfig(creds session.Credentials) *oauth2.Config {
	cfg := &oauth2.Config{}
	if p.oauth != nil {
		*cfg = *p.oauth
	}
	if creds.ClientID != "" {
		cfg.ClientID = creds.ClientID
		cfg.ClientSecret = creds.ClientSecret
	}
	if creds.TokenURI != "" {
		cfg.Endpoint.TokenURL = creds.TokenURI
	}
	return cfg
}
