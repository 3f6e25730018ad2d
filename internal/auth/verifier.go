package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
)

//go:generate mockgen -destination=mock_verifier_test.go -package=auth . TokenVerifier

// GoogleIssuer is the issuer of Google ID tokens.
const GoogleIssuer = "https://accounts.google.com"

// DefaultClientID is used when a verified token carries no client id.
const DefaultClientID = "google"

// httpTimeout bounds userinfo and discovery requests when no client is given.
const httpTimeout = 10 * time.Second

// TokenVerifier turns a bearer token into a verified AccessToken.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*AccessToken, error)
}

// IDTokenVerifier verifies signed ID tokens. *oidc.IDTokenVerifier implements it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// GoogleVerifierConfig configures a GoogleVerifier.
type GoogleVerifierConfig struct {
	ClientID       string
	RequiredScopes []string

	// UserinfoEndpoint overrides the Google API base URL, for tests.
	UserinfoEndpoint string

	// HTTPClient is the base client for userinfo and discovery calls. It
	// defaults to a client with a 10 second timeout.
	HTTPClient *http.Client

	// IDTokens verifies JWTs. When nil a verifier is built from Google's
	// discovery document on first use.
	IDTokens IDTokenVerifier

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// GoogleVerifier verifies opaque Google access tokens via the userinfo
// endpoint and Google ID tokens via OIDC.
type GoogleVerifier struct {
	clientID       string
	requiredScopes []string
	endpoint       string
	httpClient     *http.Client
	metrics        *instrumentation.Metrics
	logger         *slog.Logger

	mu       sync.Mutex
	idTokens IDTokenVerifier
}

// NewGoogleVerifier creates a GoogleVerifier.
func NewGoogleVerifier(cfg GoogleVerifierConfig) *GoogleVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	return &GoogleVerifier{
		clientID:       cfg.ClientID,
		requiredScopes: slices.Clone(cfg.RequiredScopes),
		endpoint:       cfg.UserinfoEndpoint,
		httpClient:     httpClient,
		metrics:        cfg.Metrics,
		logger:         logging.WithComponent(logger, "token_verifier"),
		idTokens:       cfg.IDTokens,
	}
}

// Verify implements TokenVerifier. It never returns a token without an email.
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (*AccessToken, error) {
	switch {
	case token == "":
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	case IsOpaqueGoogleToken(token):
		return v.record(ctx, instrumentation.TokenKindOpaque, func() (*AccessToken, error) {
			return v.verifyOpaque(ctx, token)
		})
	case LooksLikeJWT(token):
		return v.record(ctx, instrumentation.TokenKindJWT, func() (*AccessToken, error) {
			return v.verifyJWT(ctx, token)
		})
	default:
		return nil, fmt.Errorf("%w: unrecognized token format", ErrTokenInvalid)
	}
}

func (v *GoogleVerifier) record(ctx context.Context, kind string, verify func() (*AccessToken, error)) (*AccessToken, error) {
	start := time.Now()
	at, err := verify()
	result := instrumentation.VerifyResultValid
	if err != nil {
		result = instrumentation.VerifyResultInvalid
		v.logger.Debug("token verification failed",
			slog.String("kind", kind),
			logging.Err(err))
	}
	v.metrics.RecordTokenVerification(ctx, kind, result, time.Since(start))
	return at, err
}

func (v *GoogleVerifier) verifyOpaque(ctx context.Context, token string) (*AccessToken, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.GoogleOpUserinfo)
	defer span.End()

	start := time.Now()
	info, err := v.fetchUserinfo(ctx, token)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	}
	v.metrics.RecordGoogleAPIOperation(ctx, instrumentation.GoogleOpUserinfo, status, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request failed: %w", ErrTokenInvalid, err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo response has no email", ErrTokenInvalid)
	}

	clientID := v.clientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	return &AccessToken{
		Token:     token,
		ClientID:  clientID,
		Scopes:    slices.Clone(v.requiredScopes),
		ExpiresAt: time.Now().Add(SessionLifetime()),
		Claims: map[string]any{
			"email": info.Email,
			"sub":   info.Id,
		},
		Sub:   info.Id,
		Email: info.Email,
	}, nil
}

func (v *GoogleVerifier) fetchUserinfo(ctx context.Context, token string) (*oauth2api.Userinfo, error) {
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, v.httpClient), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	client.Timeout = v.httpClient.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if v.endpoint != "" {
		opts = append(opts, option.WithEndpoint(v.endpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo client: %w", err)
	}
	return svc.Userinfo.Get().Context(ctx).Do()
}

func (v *GoogleVerifier) verifyJWT(ctx context.Context, token string) (*AccessToken, error) {
	idv, err := v.idTokenVerifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	idToken, err := idv.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to decode claims: %w", ErrTokenInvalid, err)
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("%w: ID token has no email claim", ErrTokenInvalid)
	}

	clientID := v.clientID
	if clientID == "" && len(idToken.Audience) > 0 {
		clientID = idToken.Audience[0]
	}

	return &AccessToken{
		Token:     token,
		ClientID:  clientID,
		Scopes:    slices.Clone(v.requiredScopes),
		ExpiresAt: idToken.Expiry,
		Claims:    claims,
		Sub:       idToken.Subject,
		Email:     email,
	}, nil
}

// idTokenVerifier returns the configured verifier, discovering Google's keys
// on first use. A failed discovery is retried on the next call.
func (v *GoogleVerifier) idTokenVerifier(ctx context.Context) (IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.idTokens != nil {
		return v.idTokens, nil
	}
	if v.clientID == "" {
		return nil, errors.New("no client id configured for ID token audience")
	}

	// The provider keeps this context for later key refreshes, so it must
	// outlive the request that triggered discovery.
	discoveryCtx := oidc.ClientContext(context.WithoutCancel(ctx), v.httpClient)
	provider, err := oidc.NewProvider(discoveryCtx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", GoogleIssuer, err)
	}
	v.idTokens = provider.Verifier(&oidc.Config{ClientID: v.clientID})
	return v.idTokens, nil
}
