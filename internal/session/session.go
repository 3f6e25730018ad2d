package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when no unexpired session matches a lookup.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Implementations are safe for concurrent use;
// StoreSession is an atomic last-write-wins upsert per user and session key.
// Session keys are scoped to their user: two users storing the same key
// keep separate sessions.
type Store interface {
	// StoreSession upserts the record of userEmail under sessionKey and, when
	// mcpSessionID is non-empty, binds that MCP session to userEmail.
	StoreSession(ctx context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error

	// HasSession reports whether userEmail has an unexpired session.
	HasSession(ctx context.Context, userEmail string) (bool, error)

	// GetSingleUserEmail returns the email iff exactly one distinct user has
	// an unexpired session.
	GetSingleUserEmail(ctx context.Context) (string, bool, error)

	// GetUserByMCPSession returns the user bound to an MCP session, as long
	// as that user still has an unexpired session.
	GetUserByMCPSession(ctx context.Context, mcpSessionID string) (string, bool, error)

	// GetSession returns the newest unexpired session of userEmail.
	GetSession(ctx context.Context, userEmail string) (*Record, error)

	// DeleteSession removes one session of userEmail. MCP bindings to the
	// user stop resolving once the user has no session left.
	DeleteSession(ctx context.Context, userEmail, sessionKey string) error

	Close() error
}

// Credentials are the OAuth credentials of one session.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// OAuth2Token converts the credentials for use with golang.org/x/oauth2.
func (c Credentials) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// CredentialsFromToken builds Credentials from an oauth2 token and the client
// configuration that obtained it.
func CredentialsFromToken(token *oauth2.Token, cfg *oauth2.Config) Credentials {
	creds := Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if cfg != nil {
		creds.TokenURI = cfg.Endpoint.TokenURL
		creds.ClientID = cfg.ClientID
		creds.ClientSecret = cfg.ClientSecret
		creds.Scopes = append([]string(nil), cfg.Scopes...)
	}
	return creds
}

// Record is one stored session.
type Record struct {
	SessionKey   string      `json:"session_key"`
	UserEmail    string      `json:"user_email"`
	Credentials  Credentials `json:"credentials"`
	MCPSessionID string      `json:"mcp_session_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ExpiresAt returns when the record stops being visible.
func (r *Record) ExpiresAt(lifetime time.Duration) time.Time {
	sessionEnd := r.CreatedAt.Add(lifetime)
	expiry := r.Credentials.Expiry
	if expiry.IsZero() {
		return sessionEnd
	}
	if r.Credentials.RefreshToken != "" && expiry.Before(sessionEnd) {
		return sessionEnd
	}
	return expiry
}

// Expired reports whether the record is no longer visible at now.
func (r *Record) Expired(now time.Time, lifetime time.Duration) bool {
	return !now.Before(r.ExpiresAt(lifetime))
}

func newRecord(userEmail string, creds Credentials, sessionKey, mcpSessionID string, now time.Time) (*Record, error) {
	if userEmail == "" {
		return nil, errors.New("user email cannot be empty")
	}
	if sessionKey == "" {
		sessionKey = userEmail
	}
	return &Record{
		SessionKey:   sessionKey,
		UserEmail:    userEmail,
		Credentials:  creds,
		MCPSessionID: mcpSessionID,
		CreatedAt:    now,
	}, nil
}

// slot is the backend key of the record.
func (r *Record) slot() string {
	return slotKey(r.UserEmail, r.SessionKey)
}

func sameUser(a, b string) bool {
	return strings.EqualFold(a, b)
}

// userDigest names a user without exposing the address.
func userDigest(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

// slotKey scopes sessionKey to its user. Bearer session keys are derived from
// a token prefix that many users share.
func slotKey(userEmail, sessionKey string) string {
	if sessionKey == "" {
		sessionKey = userEmail
	}
	return userDigest(userEmail) + "/" + sessionKey
}

// recordSet answers the lookups shared by backends that scan all records.
type recordSet []*Record

func (rs recordSet) visible(now time.Time, lifetime time.Duration) recordSet {
	out := make(recordSet, 0, len(rs))
	for _, r := range rs {
		if !r.Expired(now, lifetime) {
			out = append(out, r)
		}
	}
	return out
}

func (rs recordSet) newestFor(email string) *Record {
	var newest *Record
	for _, r := range rs {
		if !sameUser(r.UserEmail, email) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	return newest
}

func (rs recordSet) singleUser() (string, bool) {
	var email string
	for _, r := range rs {
		switch {
		case email == "":
			email = r.UserEmail
		case !sameUser(email, r.UserEmail):
			return "", false
		}
	}
	return email, email != ""
}
