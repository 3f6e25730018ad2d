package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints and validates the HS256 access tokens handed to OAuth 2.1
// clients in standard mode.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

type issuedClaims struct {
	Email string `json:"email"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// NewIssuer creates an Issuer for baseURL. Tokens carry baseURL as issuer and
// baseURL + "/mcp" as audience.
func NewIssuer(key []byte, baseURL string) (*Issuer, error) {
	if len(key) < derivedKeySize {
		return nil, fmt.Errorf("signing key must be at least %d bytes", derivedKeySize)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("issuer base URL is required")
	}
	return &Issuer{
		key:      key,
		issuer:   baseURL,
		audience: baseURL + "/mcp",
		now:      time.Now,
	}, nil
}

// Issue returns a signed access token for email.
func (i *Issuer) Issue(email, sub string, scopes []string, ttl time.Duration) (string, error) {
	if email == "" {
		return "", errors.New("email is required")
	}
	if sub == "" {
		sub = email
	}
	now := i.now()
	claims := issuedClaims{
		Email: email,
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry, issuer and audience of raw.
func (i *Issuer) Validate(_ context.Context, raw string) (*AccessToken, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	var claims issuedClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: token has no email claim", ErrTokenInvalid)
	}

	var scopes []string
	if claims.Scope != "" {
		scopes = strings.Fields(claims.Scope)
	}

	return &AccessToken{
		Token:     raw,
		ClientID:  i.audience,
		Scopes:    scopes,
		ExpiresAt: claims.ExpiresAt.Time,
		Claims: map[string]any{
			"email": claims.Email,
			"sub":   claims.Subject,
			"iss":   claims.Issuer,
		},
		Sub:       claims.Subject,
		Email:     claims.Email,
		SessionID: claims.ID,
	}, nil
}
