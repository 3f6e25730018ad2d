package google

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenProvider hands out OAuth tokens for Google API clients.
type TokenProvider interface {
	// GetTokenForAccount returns a usable token for the account's email.
	GetTokenForAccount(ctx context.Context, account string) (*oauth2.Token, error)
}
