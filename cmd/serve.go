package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/giantswarm/mcp-oauth/storage/memory"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/config"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/server"
	"github.com/teemow/workspace-mcp/internal/session"
	"github.com/teemow/workspace-mcp/internal/tools/common"
	"github.com/teemow/workspace-mcp/internal/tools/google_tools"
)

// serveOptions holds the serve flags.
type serveOptions struct {
	transport        string
	httpAddr         string
	singleUser       bool
	debug            bool
	logFormat        string
	baseURI          string
	port             int
	externalURL      string
	storageBackend   string
	disableStreaming bool

	// Metrics server configuration
	enableMetrics bool
	metricsAddr   string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Google Workspace MCP server.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport

Authentication:
  By default the legacy OAuth 2.0 flow is used: call start_google_auth and
  complete the Google consent page, which redirects to /oauth2callback.

  MCP_ENABLE_OAUTH21=true switches to OAuth 2.1. Clients then send a bearer
  token with every request. EXTERNAL_OAUTH21_PROVIDER=true accepts tokens
  issued by Google directly.

  GOOGLE_OAUTH_CLIENT_ID and GOOGLE_OAUTH_CLIENT_SECRET configure the Google
  OAuth client.

Flags take precedence over environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, opts, cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, opts, cfg)
		},
	}

	bindServeFlags(cmd, opts)

	return cmd
}

func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().StringVar(&opts.transport, "transport", auth.TransportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address (default: WORKSPACE_MCP_HOST and the configured port)")
	cmd.Flags().BoolVar(&opts.singleUser, "single-user", false, "Serve a single user: calls fall back to the only stored session. Can also use MCP_SINGLE_USER_MODE env var.")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", string(logging.FormatText), "Log format: text or json")
	cmd.Flags().StringVar(&opts.baseURI, "base-uri", "", "Base URI of the server without port. Can also use WORKSPACE_MCP_BASE_URI env var.")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port. Can also use PORT or WORKSPACE_MCP_PORT env var. Default: 8000")
	cmd.Flags().StringVar(&opts.externalURL, "external-url", "", "Public URL when running behind a proxy, e.g. https://mcp.example.com. Can also use WORKSPACE_EXTERNAL_URL env var.")
	cmd.Flags().StringVar(&opts.storageBackend, "storage-backend", "", "Session storage backend: memory, disk or valkey. Can also use WORKSPACE_MCP_OAUTH_PROXY_STORAGE_BACKEND env var.")
	cmd.Flags().BoolVar(&opts.disableStreaming, "disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")
	cmd.Flags().BoolVar(&opts.enableMetrics, "enable-metrics", false, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")
}

// applyServeFlags lets explicitly set flags override the environment and
// fills unset options from it.
func applyServeFlags(cmd *cobra.Command, opts *serveOptions, cfg *config.AuthConfig) {
	flags := cmd.Flags()

	if flags.Changed("single-user") {
		cfg.SingleUserMode = opts.singleUser
	}
	if flags.Changed("base-uri") {
		cfg.BaseURI = strings.TrimRight(opts.baseURI, "/")
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("external-url") {
		cfg.ExternalURL = opts.externalURL
	}
	if flags.Changed("storage-backend") {
		cfg.StorageBackend = strings.ToLower(strings.TrimSpace(opts.storageBackend))
	}

	if !flags.Changed("http-addr") {
		opts.httpAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.ListenPort())
	}
	if !flags.Changed("enable-metrics") {
		if v, err := strconv.ParseBool(os.Getenv("METRICS_ENABLED")); err == nil {
			opts.enableMetrics = v
		}
	}
	if !flags.Changed("metrics-addr") {
		if addr := os.Getenv("METRICS_ADDR"); addr != "" {
			opts.metricsAddr = addr
		}
	}
}

func runServe(ctx context.Context, opts *serveOptions, cfg *config.AuthConfig) error {
	// stdout carries the stdio protocol, so logs always go to stderr.
	logger := logging.NewLogger(os.Stderr, logging.Format(opts.logFormat), opts.debug)
	slog.SetDefault(logger)

	switch opts.transport {
	case auth.TransportStdio, auth.TransportStreamableHTTP:
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: %s, %s)",
			opts.transport, auth.TransportStdio, auth.TransportStreamableHTTP)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	instrConfig, err := instrumentation.ConfigFromEnv()
	if err != nil {
		return err
	}
	instrConfig.ServiceVersion = version
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()
	metrics := provider.Metrics()

	scopes := google.AllScopes()
	selector := auth.NewSelector(logger, auth.WithMetrics(metrics))
	providerConfig := cfg.ProviderConfig(scopes)
	if err := selector.Configure(providerConfig); err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	mode := selector.Mode()

	var signingKey, encryptionKey []byte
	keys, err := auth.DeriveKeyMaterial(providerConfig, logger)
	switch {
	case err == nil:
		signingKey, encryptionKey = keys.SigningKey, keys.EncryptionKey
	case errors.Is(err, auth.ErrNoSigningKey):
		logger.Debug("no signing secret configured, persistent session storage unavailable")
	default:
		return err
	}

	backend := cfg.Backend()
	store, err := session.New(ctx, cfg.StorageConfig(auth.SessionLifetime()), encryptionKey, logger)
	if err != nil {
		return fmt.Errorf("failed to create session storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("session storage close failed", logging.Err(err))
		}
	}()

	tokens := memory.New()
	defer tokens.Stop()
	sessions := session.NewTokenStoreMirror(session.NewInstrumented(store, backend, metrics), tokens, logger)

	flow := google.NewOAuthFlow(google.FlowConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL(),
		Scopes:       scopes,
		Metrics:      metrics,
		Logger:       logger,
	})

	var issuer *auth.Issuer
	if mode == auth.ModeStandard {
		issuer, err = auth.NewIssuer(signingKey, cfg.PublicURL())
		if err != nil {
			return fmt.Errorf("failed to create token issuer: %w", err)
		}
	}

	resolver := auth.NewResolver(auth.ResolverConfig{
		Selector:   selector,
		Store:      sessions,
		Transport:  opts.transport,
		SingleUser: cfg.SingleUserMode,
		Logger:     logger,
		Metrics:    metrics,
	})
	mw := auth.NewMiddleware(resolver, logger)

	mcpSrv := server.NewMCPServer(version, mw, metrics, logger)
	if err := google_tools.RegisterGoogleTools(mcpSrv, google_tools.Config{
		Mode:         mode,
		Flow:         flow,
		Credentials:  google.NewCredentialProvider(sessions, tokens, flow.Config(), logger),
		DefaultEmail: cfg.UserGoogleEmail,
		Middleware:   mw,
		Instrumentation: common.Instrumentation{
			Metrics: metrics,
			Audit:   instrumentation.NewAuditLoggerWithConfig(logger, instrConfig.AuditLogging),
		},
		Logger: logger,
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	health := server.NewHealthChecker(version, opts.transport)
	health.AddCheck("session_store", func(ctx context.Context) error {
		_, err := sessions.HasSession(ctx, "readiness-probe")
		return err
	})

	httpConfig := server.HTTPConfig{
		Addr:             opts.httpAddr,
		BaseURL:          cfg.PublicURL(),
		Mode:             mode,
		RequiredScopes:   scopes,
		Sessions:         sessions,
		Flow:             flow,
		Issuer:           issuer,
		Tokens:           tokens,
		Authorization:    tokens,
		Health:           health,
		DisableStreaming: opts.disableStreaming,
		Logger:           logger,
		Metrics:          metrics,
	}
	if p, ok := selector.Current(); ok {
		httpConfig.IDTokenVerifier = p.Verifier()
	}

	logger.Info("starting workspace-mcp",
		slog.String("version", version),
		slog.String("transport", opts.transport),
		logging.Mode(string(mode)),
		logging.Backend(backend),
		slog.Bool("single_user", cfg.SingleUserMode))

	g, gctx := errgroup.WithContext(ctx)

	if opts.transport != auth.TransportStdio && opts.enableMetrics && provider.Enabled() {
		metricsServer, err := server.NewMetricsServer(server.MetricsConfig{
			Addr:     opts.metricsAddr,
			Provider: provider,
			Health:   health,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		serveHTTP(gctx, g, metricsServer.Start, metricsServer.Shutdown)
	}

	switch opts.transport {
	case auth.TransportStdio:
		if mode == auth.ModeLegacy {
			callbackServer, err := server.NewCallbackServer(httpConfig)
			if err != nil {
				return err
			}
			serveHTTP(gctx, g, callbackServer.Start, callbackServer.Shutdown)
		}
		g.Go(func() error {
			stdio := mcpserver.NewStdioServer(mcpSrv)
			stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
			err := stdio.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server stopped with error: %w", err)
			}
			// Stdin closed: stop the remaining servers.
			return errStdioClosed
		})

	case auth.TransportStreamableHTTP:
		httpServer, err := server.NewHTTPServer(mcpSrv, httpConfig)
		if err != nil {
			return err
		}
		serveHTTP(gctx, g, httpServer.Start, httpServer.Shutdown)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errStdioClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

var errStdioClosed = errors.New("stdio closed")

// serveHTTP runs start in g and calls shutdown once ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, start func() error, shutdown func(context.Context) error) {
	g.Go(func() error {
		if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx)
	})
}
