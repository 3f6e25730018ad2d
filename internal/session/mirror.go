package session

import (
	"context"
	"log/slog"

	"github.com/giantswarm/mcp-oauth/storage"

	"github.com/teemow/workspace-mcp/internal/logging"
)

// TokenStoreMirror copies the token of every stored session into an
// mcp-oauth TokenStore keyed by user email. Deletes are not mirrored; the
// mirrored token keeps its own expiry.
type TokenStoreMirror struct {
	Store
	tokens storage.TokenStore
	logger *slog.Logger
}

// NewTokenStoreMirror wraps store so that tokens also land in tokens.
func NewTokenStoreMirror(store Store, tokens storage.TokenStore, logger *slog.Logger) *TokenStoreMirror {
	return &TokenStoreMirror{
		Store:  store,
		tokens: tokens,
		logger: logging.WithComponent(logger, "token_mirror"),
	}
}

// StoreSession stores the session and then mirrors its token. A failed mirror
// write is logged and does not fail the call.
func (m *TokenStoreMirror) StoreSession(ctx context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error {
	if err := m.Store.StoreSession(ctx, userEmail, creds, sessionKey, mcpSessionID); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return nil
	}
	if err := m.tokens.SaveToken(ctx, userEmail, creds.OAuth2Token()); err != nil {
		m.logger.Warn("Failed to mirror session token",
			logging.UserHash(userEmail),
			logging.Err(err))
	}
	return nil
}
