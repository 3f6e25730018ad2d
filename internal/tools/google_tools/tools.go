package google_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/tools/common"
)

// Tool and prompt names.
const (
	StartGoogleAuthTool      = "start_google_auth"
	GetAuthenticatedUserTool = "get_authenticated_user"
	AuthStatusPrompt         = "workspace_auth_status"
)

const (
	disabledExternalMessage = "start_google_auth is disabled when OAuth 2.1 is enabled. " +
		"Provide a valid OAuth 2.1 bearer token in the Authorization header and retry the original tool."
	disabledStandardMessage = "start_google_auth is disabled when OAuth 2.1 is enabled. " +
		"Authenticate through your MCP client's OAuth 2.1 flow and retry the original tool."
	missingEmailMessage       = "user_google_email must be provided."
	missingClientSecretsError = "OAuth client credentials not found. " +
		"Set GOOGLE_OAUTH_CLIENT_ID and GOOGLE_OAUTH_CLIENT_SECRET and restart the server."
)

// Config wires the tools to the auth layer.
type Config struct {
	Mode auth.Mode

	// Flow runs the legacy OAuth 2.0 flow. It may be nil in OAuth 2.1 modes.
	Flow *google.OAuthFlow

	// Credentials hands out Google tokens for resolved users.
	Credentials google.TokenProvider

	// DefaultEmail is used when start_google_auth gets no user_google_email.
	DefaultEmail string

	// UserinfoEndpoint overrides the Google API base URL.
	UserinfoEndpoint string

	// Middleware resolves prompt calls. Tool calls are resolved by the
	// server-wide tool middleware.
	Middleware *auth.Middleware

	Instrumentation common.Instrumentation
	Logger          *slog.Logger
}

type handlers struct {
	cfg       Config
	logger    *slog.Logger
	sessionID func(ctx context.Context) string
}

func newHandlers(cfg Config) *handlers {
	return &handlers{
		cfg:       cfg,
		logger:    logging.WithComponent(cfg.Logger, "google_tools"),
		sessionID: mcpSessionID,
	}
}

func mcpSessionID(ctx context.Context) string {
	if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}

// RegisterGoogleTools registers the authentication tools and prompt with the
// MCP server.
func RegisterGoogleTools(s *mcpserver.MCPServer, cfg Config) error {
	if cfg.Credentials == nil {
		return fmt.Errorf("google tools: credential provider is required")
	}
	h := newHandlers(cfg)

	startAuthTool := mcp.NewTool(StartGoogleAuthTool,
		mcp.WithDescription("Start the Google OAuth flow for a Workspace service and return the authorization URL. "+
			"Only needed to re-authenticate or to authenticate ahead of time; disabled when OAuth 2.1 is enabled."),
		mcp.WithString("service_name",
			mcp.Required(),
			mcp.Description("Google service to authorize, for example \"gmail\" or \"drive\"."),
			mcp.Enum(google.ServiceNames()...),
		),
		mcp.WithString(auth.UserEmailArgument,
			mcp.Description("Google account email to authenticate."),
		),
	)
	s.AddTool(startAuthTool, common.InstrumentedToolHandler(StartGoogleAuthTool, cfg.Instrumentation, h.handleStartGoogleAuth))

	userTool := mcp.NewTool(GetAuthenticatedUserTool,
		mcp.WithDescription("Return the Google account the current call is authenticated as and how it was resolved."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(userTool, common.InstrumentedToolHandler(GetAuthenticatedUserTool, cfg.Instrumentation, h.handleGetAuthenticatedUser))

	statusPrompt := mcp.NewPrompt(AuthStatusPrompt,
		mcp.WithPromptDescription("Describe the Google identity this MCP session is authenticated as."),
		mcp.WithArgument(auth.UserEmailArgument,
			mcp.ArgumentDescription("Google account email, for sessions that name their user."),
		),
	)
	var promptHandler mcpserver.PromptHandlerFunc = h.handleAuthStatus
	if cfg.Middleware != nil {
		promptHandler = cfg.Middleware.WrapPrompt(AuthStatusPrompt, promptHandler)
	}
	s.AddPrompt(statusPrompt, promptHandler)

	return nil
}

func (h *handlers) handleStartGoogleAuth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.cfg.Mode.IsOAuth21() {
		if h.cfg.Mode == auth.ModeExternal {
			return mcp.NewToolResultText(disabledExternalMessage), nil
		}
		return mcp.NewToolResultText(disabledStandardMessage), nil
	}

	args := request.GetArguments()
	email, _ := args[auth.UserEmailArgument].(string)
	email = strings.TrimSpace(email)
	if email == "" {
		email = h.cfg.DefaultEmail
	}
	if email == "" {
		return mcp.NewToolResultError(missingEmailMessage), nil
	}

	service, _ := args["service_name"].(string)
	if _, ok := google.ServiceScopes(service); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown service_name %q. Supported services: %s.",
			service, strings.Join(google.ServiceNames(), ", "))), nil
	}

	if h.cfg.Flow == nil || !h.cfg.Flow.Configured() {
		return mcp.NewToolResultText("**Authentication Error:** " + missingClientSecretsError), nil
	}

	logger := logging.WithOperation(h.logger, StartGoogleAuthTool)
	authURL, pending, err := h.cfg.Flow.StartAuth(h.sessionID(ctx), email, service)
	if err != nil {
		logger.Error("failed to start Google authentication flow", logging.Err(err))
		return mcp.NewToolResultText(fmt.Sprintf("**Error:** An unexpected error occurred: %v", err)), nil
	}

	logger.Info("started Google authentication flow",
		slog.String("service", service),
		logging.UserHash(email),
		logging.MCPSession(pending.MCPSessionID))

	return mcp.NewToolResultText(authMessage(email, service, authURL)), nil
}

func authMessage(email, service, authURL string) string {
	return fmt.Sprintf(`**ACTION REQUIRED: Google Authentication Needed for %s**

To proceed, the user must authorize this application for %s access.

1. Open this URL in your browser:
   [Click here to authorize %s access](%s)

   Full URL: %s

2. Sign in as **%s** and grant the requested permissions.
3. After the browser shows "Authentication Successful", retry the original tool.

The authorization link expires in %d minutes.`,
		service, service, service, authURL, authURL, email, int(google.PendingStateTTL/time.Minute))
}

// authenticatedUser is the get_authenticated_user result.
type authenticatedUser struct {
	Email         string `json:"email"`
	Source        string `json:"authenticated_via"`
	Name          string `json:"name,omitempty"`
	ID            string `json:"id,omitempty"`
	VerifiedEmail bool   `json:"verified_email"`
}

func (h *handlers) handleGetAuthenticatedUser(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, source, ok := auth.AuthenticatedUser(ctx)
	if !ok {
		return nil, &auth.GoogleAuthenticationError{Reason: "No authenticated user for this call. Run start_google_auth to authenticate."}
	}

	token, err := h.cfg.Credentials.GetTokenForAccount(ctx, email)
	if err != nil {
		return nil, err
	}

	info, err := h.userinfo(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch user info from Google: %v", err)), nil
	}

	out, err := json.MarshalIndent(authenticatedUser{
		Email:         info.Email,
		Source:        string(source),
		Name:          info.Name,
		ID:            info.Id,
		VerifiedEmail: info.VerifiedEmail != nil && *info.VerifiedEmail,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (h *handlers) userinfo(ctx context.Context, token *oauth2.Token) (*oauth2api.Userinfo, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.GoogleOpUserinfo)
	defer span.End()

	start := time.Now()
	info, err := google.Userinfo(ctx, oauth2.StaticTokenSource(token), h.cfg.UserinfoEndpoint)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	}
	h.cfg.Instrumentation.Metrics.RecordGoogleAPIOperation(ctx, instrumentation.GoogleOpUserinfo, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (h *handlers) handleAuthStatus(ctx context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	var text string
	if email, source, ok := auth.AuthenticatedUser(ctx); ok {
		text = fmt.Sprintf("This session is authenticated to Google Workspace as %s (resolved via %s). "+
			"Google Workspace tools will act on behalf of this account.", email, source)
	} else {
		text = "This session has no authenticated Google Workspace user. "
		if h.cfg.Mode.IsOAuth21() {
			text += "Authenticate with an OAuth 2.1 bearer token and retry."
		} else {
			text += "Call start_google_auth with the service and your Google email to authenticate."
		}
	}

	return mcp.NewGetPromptResult(
		"Google Workspace authentication status",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		},
	), nil
}
