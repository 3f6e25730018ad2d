package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-oauth/storage"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/session"
)

// MCPEndpointPath is where the streamable HTTP transport is served.
const MCPEndpointPath = "/mcp"

// NewMCPServer creates the MCP server. Every tool call passes through mw;
// registered and unregistered client sessions move the active_sessions gauge.
func NewMCPServer(version string, mw *auth.Middleware, metrics *instrumentation.Metrics, logger *slog.Logger) *mcpserver.MCPServer {
	logger = logging.WithComponent(logger, "mcp")

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs mcpserver.ClientSession) {
		metrics.IncrementActiveSessions(ctx)
		logger.Debug("client session registered", logging.MCPSession(cs.SessionID()))
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs mcpserver.ClientSession) {
		metrics.DecrementActiveSessions(ctx)
		logger.Debug("client session unregistered", logging.MCPSession(cs.SessionID()))
	})

	opts := []mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithHooks(hooks),
		mcpserver.WithRecovery(),
	}
	if mw != nil {
		opts = append(opts, mcpserver.WithToolHandlerMiddleware(mw.ToolMiddleware))
	}
	return mcpserver.NewMCPServer(ServiceName, version, opts...)
}

// HTTPContext stores the request headers for per-call resolution.
func HTTPContext(ctx context.Context, r *http.Request) context.Context {
	return auth.WithHTTPHeaders(ctx, r.Header)
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string

	// BaseURL is the public URL of the server.
	BaseURL string

	Mode           auth.Mode
	RequiredScopes []string

	Sessions session.Store
	Flow     *google.OAuthFlow

	// Issuer is set in standard mode.
	Issuer *auth.Issuer

	// IDTokenVerifier validates Google ID tokens in OAuth 2.1 modes.
	IDTokenVerifier auth.TokenVerifier

	// Tokens receives forwarded Google access tokens.
	Tokens storage.TokenStore

	// Authorization backs client registration and authorization codes in
	// standard mode.
	Authorization AuthorizationStore

	Health           *HealthChecker
	DisableStreaming bool
	Logger           *slog.Logger
	Metrics          *instrumentation.Metrics
}

// HTTPServer serves the MCP endpoint together with the OAuth, metadata and
// health routes.
type HTTPServer struct {
	cfg        HTTPConfig
	mcp        *mcpserver.MCPServer
	authz      *AuthorizationServer
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewHTTPServer assembles the routes. In OAuth 2.1 modes the base URL must be
// HTTPS unless it is a loopback address.
func NewHTTPServer(mcpSrv *mcpserver.MCPServer, cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Mode.IsOAuth21() {
		if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
			return nil, err
		}
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthChecker("", auth.TransportStreamableHTTP)
	}

	s := &HTTPServer{
		cfg:    cfg,
		mcp:    mcpSrv,
		logger: logging.WithComponent(cfg.Logger, "http_server"),
	}
	if cfg.Mode == auth.ModeStandard {
		authz, err := NewAuthorizationServer(AuthorizationServerConfig{
			BaseURL: cfg.BaseURL,
			Scopes:  cfg.RequiredScopes,
			Flow:    cfg.Flow,
			Issuer:  cfg.Issuer,
			Store:   cfg.Authorization,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("standard mode: %w", err)
		}
		s.authz = authz
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) routes() http.Handler {
	mux := http.NewServeMux()

	if s.mcp != nil {
		var mcpHandler http.Handler = mcpserver.NewStreamableHTTPServer(s.mcp,
			mcpserver.WithEndpointPath(MCPEndpointPath),
			mcpserver.WithHTTPContextFunc(HTTPContext),
			mcpserver.WithDisableStreaming(s.cfg.DisableStreaming),
		)
		if s.cfg.Mode.IsOAuth21() {
			mcpHandler = NewPlatformAuth(PlatformAuthConfig{
				Issuer:   s.cfg.Issuer,
				Verifier: s.cfg.IDTokenVerifier,
				Tokens:   s.cfg.Tokens,
				Logger:   s.cfg.Logger,
				Metrics:  s.cfg.Metrics,
			}).Middleware(mcpHandler)
		}
		mux.Handle(MCPEndpointPath, instrumentHandler(MCPEndpointPath, s.cfg.Metrics, mcpHandler))
	}

	callback := NewCallbackHandler(s.cfg.Flow, s.cfg.Sessions, s.cfg.Issuer, s.cfg.RequiredScopes, s.cfg.Logger)
	callback.authz = s.authz
	mux.Handle("GET "+CallbackPath, instrumentHandler(CallbackPath, s.cfg.Metrics, callback))

	if s.cfg.Mode.IsOAuth21() {
		mux.Handle(ProtectedResourcePath, NewProtectedResourceMetadata(s.cfg.Mode, s.cfg.BaseURL, s.cfg.RequiredScopes))
	}
	if s.authz != nil {
		s.authz.Register(mux, func(route string, h http.Handler) http.Handler {
			return instrumentHandler(route, s.cfg.Metrics, h)
		})
	}

	s.cfg.Health.RegisterHealthEndpoints(mux)
	return mux
}

// Handler returns the assembled routes.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server",
		slog.String("addr", s.cfg.Addr),
		slog.String("base_url", s.cfg.BaseURL),
		logging.Mode(string(s.cfg.Mode)))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown marks the server not ready and drains connections.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.cfg.Health.MarkShuttingDown()
	return s.httpServer.Shutdown(ctx)
}

// NewCallbackServer serves only the OAuth callback and health routes. It is
// used over stdio, where the legacy flow still needs a redirect target.
func NewCallbackServer(cfg HTTPConfig) (*HTTPServer, error) {
	cfg.Mode = auth.ModeLegacy
	return NewHTTPServer(nil, cfg)
}
