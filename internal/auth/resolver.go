package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/session"
)

// Transports the server can run on.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// UserEmailArgument is the tool argument that names the target user.
const UserEmailArgument = "user_google_email"

// GoogleTokenURI is stored with bearer-token sessions so the credentials can
// be refreshed against the right endpoint.
const GoogleTokenURI = "https://oauth2.googleapis.com/token"

const bearerSessionPrefix = "google_oauth_"

// SessionStore is the part of session.Store the resolver reads and writes.
type SessionStore interface {
	StoreSession(ctx context.Context, userEmail string, creds session.Credentials, sessionKey, mcpSessionID string) error
	HasSession(ctx context.Context, userEmail string) (bool, error)
	GetSingleUserEmail(ctx context.Context) (string, bool, error)
	GetUserByMCPSession(ctx context.Context, mcpSessionID string) (string, bool, error)
}

// Call is what the resolver inspects of an inbound tool or prompt call.
// HTTP headers and the platform token travel in the context.
type Call struct {
	Arguments    map[string]any
	MCPSessionID string
}

func (c Call) namedUser() string {
	email, _ := c.Arguments[UserEmailArgument].(string)
	return email
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Selector *Selector
	Store    SessionStore

	// Transport is TransportStdio or TransportStreamableHTTP.
	Transport string

	// SingleUser enables the stdio session fallbacks on every transport.
	SingleUser bool

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
}

// Resolver runs the precedence chain that maps a call to a Principal.
type Resolver struct {
	selector   *Selector
	store      SessionStore
	transport  string
	singleUser bool
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	now        func() time.Time
}

// NewResolver creates a Resolver. A nil Selector is treated as legacy mode.
func NewResolver(cfg ResolverConfig) *Resolver {
	selector := cfg.Selector
	if selector == nil {
		selector = NewSelector(cfg.Logger)
	}
	return &Resolver{
		selector:   selector,
		store:      cfg.Store,
		transport:  cfg.Transport,
		singleUser: cfg.SingleUser,
		logger:     logging.WithComponent(cfg.Logger, "auth_resolver"),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

type step struct {
	name string
	run  func(ctx context.Context, call Call) (Principal, bool, error)
}

func (r *Resolver) steps() []step {
	steps := []step{
		{"platform_token", r.fromPlatformToken},
		{"bearer_token", r.fromBearerToken},
	}
	if r.stdioFallback() {
		steps = append(steps, step{"stdio_session", r.fromStdioSession})
	}
	return append(steps, step{"mcp_session_binding", r.fromMCPSession})
}

func (r *Resolver) stdioFallback() bool {
	return r.transport == TransportStdio || r.singleUser
}

// Resolve runs the chain and stops at the first step that yields a
// principal. Step failures count as "nothing found". A cancelled context
// ends the chain Unresolved.
func (r *Resolver) Resolve(ctx context.Context, call Call) Resolution {
	for _, s := range r.steps() {
		if ctx.Err() != nil {
			r.logger.Debug("auth resolution cancelled", slog.String("step", s.name))
			return Resolution{}
		}

		p, ok, err := s.run(ctx, call)
		if err != nil {
			r.logger.Debug("auth step failed",
				slog.String("step", s.name),
				logging.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return Resolution{}
		}

		r.logger.Info("authenticated",
			logging.Source(string(p.Source)),
			logging.UserHash(p.Email),
			logging.MCPSession(call.MCPSessionID))
		r.metrics.RecordAuthResolution(ctx, string(p.Source), p.Email)
		return newResolution(p)
	}

	r.logger.Debug("no authenticated user for call", logging.MCPSession(call.MCPSessionID))
	r.metrics.RecordAuthResolution(ctx, "", "")
	return Resolution{}
}

func (r *Resolver) fromPlatformToken(ctx context.Context, _ Call) (Principal, bool, error) {
	pt, ok := PlatformTokenFromContext(ctx)
	if !ok {
		return Principal{}, false, nil
	}
	email := EmailOf(pt)
	if email == "" {
		r.logger.Debug("platform token carries no email")
		return Principal{}, false, nil
	}

	p := Principal{Email: email, Source: SourcePlatform, Token: pt}
	if pt.Token != nil {
		p.Scopes = pt.Token.Scopes
		p.ExpiresAt = pt.Token.ExpiresAt
	}
	return p, true, nil
}

func (r *Resolver) fromBearerToken(ctx context.Context, call Call) (Principal, bool, error) {
	headers, ok := HTTPHeaders(ctx)
	if !ok {
		return Principal{}, false, nil
	}
	token, ok := BearerToken(headers.Get("Authorization"))
	if !ok {
		return Principal{}, false, nil
	}

	if !IsOpaqueGoogleToken(token) {
		// Signed tokens the platform layer did not accept are never trusted here.
		jwt := LooksLikeJWT(token)
		r.logger.Debug("ignoring bearer token that is not a Google access token",
			slog.Bool("jwt", jwt),
			slog.String("token", logging.SanitizeToken(token)))
		if jwt {
			r.metrics.RecordTokenVerification(ctx, instrumentation.TokenKindJWT, instrumentation.VerifyResultRejected, 0)
		}
		return Principal{}, false, nil
	}

	verified, ok := r.selector.VerifyViaCurrent(ctx, token)
	if !ok {
		return Principal{}, false, nil
	}
	at := r.wrapBearer(token, verified)
	email := at.UserEmail()

	if r.store != nil {
		creds := session.Credentials{
			AccessToken: token,
			TokenURI:    GoogleTokenURI,
			Scopes:      at.Scopes,
			Expiry:      at.ExpiresAt,
		}
		if provider, ok := r.selector.Current(); ok {
			cfg := provider.Config()
			creds.ClientID = cfg.ClientID
			creds.ClientSecret = cfg.ClientSecret
		}
		if err := r.store.StoreSession(ctx, email, creds, at.SessionID, call.MCPSessionID); err != nil {
			r.logger.Warn("failed to store bearer token session",
				logging.UserHash(email),
				logging.Err(err))
		}
	}

	return Principal{
		Email:     email,
		Source:    SourceBearer,
		Token:     at,
		Scopes:    at.Scopes,
		ExpiresAt: at.ExpiresAt,
	}, true, nil
}

// wrapBearer fills the fields a verifier may leave empty. verified is not
// modified.
func (r *Resolver) wrapBearer(token string, verified *AccessToken) *AccessToken {
	at := *verified
	at.Token = token
	if at.Email == "" {
		at.Email = verified.UserEmail()
	}
	if at.SessionID == "" {
		at.SessionID = bearerSessionPrefix + tokenPrefix(token, 8)
	}
	if at.ClientID == "" {
		at.ClientID = DefaultClientID
	}
	if at.ExpiresAt.IsZero() {
		at.ExpiresAt = r.now().Add(SessionLifetime())
	}
	if at.Sub == "" {
		at.Sub = at.Email
	}
	at.Claims = make(map[string]any, len(verified.Claims))
	for k, v := range verified.Claims {
		at.Claims[k] = v
	}
	return &at
}

func (r *Resolver) fromStdioSession(ctx context.Context, call Call) (Principal, bool, error) {
	if r.store == nil {
		return Principal{}, false, nil
	}

	if named := call.namedUser(); named != "" {
		ok, err := r.store.HasSession(ctx, named)
		switch {
		case err != nil:
			r.logger.Debug("failed to check session for named user", logging.Err(err))
		case ok:
			return Principal{Email: named, Source: SourceStdioSession}, true, nil
		}
	}

	// A named user without a session still falls back to the only stored
	// session, if there is exactly one.
	email, ok, err := r.store.GetSingleUserEmail(ctx)
	if err != nil || !ok {
		return Principal{}, false, err
	}
	return Principal{Email: email, Source: SourceStdioSingleSession}, true, nil
}

func (r *Resolver) fromMCPSession(ctx context.Context, call Call) (Principal, bool, error) {
	if r.store == nil || call.MCPSessionID == "" {
		return Principal{}, false, nil
	}
	email, ok, err := r.store.GetUserByMCPSession(ctx, call.MCPSessionID)
	if err != nil || !ok {
		return Principal{}, false, err
	}
	return Principal{Email: email, Source: SourceMCPSessionBinding}, true, nil
}
