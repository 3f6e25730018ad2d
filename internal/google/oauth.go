package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/session"
)

// PendingStateTTL bounds how long an issued state waits for its callback.
const PendingStateTTL = 10 * time.Minute

var (
	// ErrNotConfigured is returned when no client credentials are set.
	ErrNotConfigured = errors.New("OAuth client credentials are not configured")

	// ErrUnknownState is returned for a state that was never issued, was
	// already used, or has expired.
	ErrUnknownState = errors.New("unknown or expired OAuth state")
)

// FlowConfig configures the legacy authorization code flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// TokenURL overrides Google's token endpoint.
	TokenURL string

	// UserinfoEndpoint overrides the Google API base URL for userinfo calls.
	UserinfoEndpoint string
	HTTPClient       *http.Client
	Metrics          *instrumentation.Metrics
	Logger           *slog.Logger
}

// PendingAuth is what StartAuth remembers about an issued state.
type PendingAuth struct {
	State        string
	MCPSessionID string
	Email        string
	Service      string
	IssuedAt     time.Time
}

// Completion is the outcome of a successful callback.
type Completion struct {
	Email       string
	Subject     string
	Credentials session.Credentials
	Pending     PendingAuth
}

// SessionKey is the key the completed session is stored under.
func (c *Completion) SessionKey() string {
	return "google-" + c.Pending.State
}

// OAuthFlow drives the browser-based OAuth 2.0 flow used when OAuth 2.1 is
// off. States are single-use and kept in memory.
type OAuthFlow struct {
	config           *oauth2.Config
	userinfoEndpoint string
	httpClient       *http.Client
	metrics          *instrumentation.Metrics
	logger           *slog.Logger

	mu      sync.Mutex
	pending map[string]PendingAuth
	now     func() time.Time
}

// NewOAuthFlow creates a flow. An unconfigured flow is valid; StartAuth then
// returns ErrNotConfigured.
func NewOAuthFlow(cfg FlowConfig) *OAuthFlow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = AllScopes()
	}
	endpoint := googleoauth.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &OAuthFlow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       slices.Clone(scopes),
		},
		userinfoEndpoint: cfg.UserinfoEndpoint,
		httpClient:       cfg.HTTPClient,
		metrics:          cfg.Metrics,
		logger:           logger,
		pending:          make(map[string]PendingAuth),
		now:              time.Now,
	}
}

// Configured reports whether client credentials are present.
func (f *OAuthFlow) Configured() bool {
	return f.config.ClientID != "" && f.config.ClientSecret != ""
}

// Config returns the underlying oauth2 configuration.
func (f *OAuthFlow) Config() *oauth2.Config {
	return f.config
}

// StartAuth issues a state bound to mcpSessionID and returns the Google
// authorization URL for it.
func (f *OAuthFlow) StartAuth(mcpSessionID, email, service string) (string, PendingAuth, error) {
	if !f.Configured() {
		return "", PendingAuth{}, ErrNotConfigured
	}

	p := PendingAuth{
		State:        uuid.NewString(),
		MCPSessionID: mcpSessionID,
		Email:        email,
		Service:      service,
		IssuedAt:     f.now(),
	}

	f.mu.Lock()
	f.prune()
	f.pending[p.State] = p
	f.mu.Unlock()

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if email != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", email))
	}

	f.logger.Debug("issued OAuth state",
		slog.String("service", service),
		slog.Bool("bound", mcpSessionID != ""))

	return f.config.AuthCodeURL(p.State, opts...), p, nil
}

// TakeState consumes a pending state. A state can be taken once.
func (f *OAuthFlow) TakeState(state string) (PendingAuth, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[state]
	if !ok {
		return PendingAuth{}, false
	}
	delete(f.pending, state)
	if f.now().Sub(p.IssuedAt) > PendingStateTTL {
		return PendingAuth{}, false
	}
	return p, true
}

// Pending returns the number of outstanding states.
func (f *OAuthFlow) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// prune drops expired states. Callers hold f.mu.
func (f *OAuthFlow) prune() {
	now := f.now()
	for state, p := range f.pending {
		if now.Sub(p.IssuedAt) > PendingStateTTL {
			delete(f.pending, state)
		}
	}
}

// Complete handles a callback: it consumes state, exchanges code and looks
// up the user the token belongs to.
func (f *OAuthFlow) Complete(ctx context.Context, state, code string) (*Completion, error) {
	pending, ok := f.TakeState(state)
	if !ok {
		return nil, ErrUnknownState
	}

	token, err := f.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	info, err := f.FetchUserinfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if info.Email == "" {
		return nil, errors.New("userinfo response has no email")
	}

	return &Completion{
		Email:       info.Email,
		Subject:     info.Id,
		Credentials: session.CredentialsFromToken(token, f.config),
		Pending:     pending,
	}, nil
}

// Exchange trades an authorization code for a token.
func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.GoogleOpExchange)
	defer span.End()

	start := time.Now()
	token, err := f.config.Exchange(f.clientContext(ctx), code)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	}
	f.metrics.RecordGoogleAPIOperation(ctx, instrumentation.GoogleOpExchange, status, time.Since(start))
	if err != nil {
		f.logger.Warn("authorization code exchange failed", logging.Err(err))
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

// FetchUserinfo returns the Google profile of the token's owner.
func (f *OAuthFlow) FetchUserinfo(ctx context.Context, token *oauth2.Token) (*oauth2api.Userinfo, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.GoogleOpUserinfo)
	defer span.End()

	start := time.Now()
	info, err := Userinfo(f.clientContext(ctx), oauth2.StaticTokenSource(token), f.userinfoEndpoint)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	}
	f.metrics.RecordGoogleAPIOperation(ctx, instrumentation.GoogleOpUserinfo, status, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	return info, nil
}

func (f *OAuthFlow) clientContext(ctx context.Context) context.Context {
	if f.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// Userinfo calls the Google userinfo API with ts. An empty endpoint means the
// public Google API.
func Userinfo(ctx context.Context, ts oauth2.TokenSource, endpoint string) (*oauth2api.Userinfo, error) {
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo client: %w", err)
	}
	return svc.Userinfo.Get().Context(ctx).Do()
}
