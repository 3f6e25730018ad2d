package auth

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
)

// Middleware resolves the principal of every tool and prompt call before the
// handler runs. It never rejects a call: handlers that need credentials fail
// on their own when the call is unresolved.
type Middleware struct {
	resolver  *Resolver
	logger    *slog.Logger
	sessionID func(ctx context.Context) string
}

// NewMiddleware creates a Middleware around resolver.
func NewMiddleware(resolver *Resolver, logger *slog.Logger) *Middleware {
	return &Middleware{
		resolver:  resolver,
		logger:    logging.WithComponent(logger, "auth_middleware"),
		sessionID: mcpSessionID,
	}
}

func mcpSessionID(ctx context.Context) string {
	if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}

// Resolve attaches the Resolution for call to ctx. A context that already
// carries one is returned unchanged.
func (m *Middleware) Resolve(ctx context.Context, name string, call Call) context.Context {
	if _, ok := ResolutionFromContext(ctx); ok {
		return ctx
	}

	spanCtx, span := instrumentation.StartAuthSpan(ctx, name)
	res := m.resolver.Resolve(spanCtx, call)
	span.SetAttributes(instrumentation.NewSpanAttributeBuilder().
		WithSource(string(res.Source())).
		WithMode(string(m.resolver.selector.Mode())).
		WithUserDomain(res.Email()).
		Build()...)
	span.End()

	return withResolution(ctx, res)
}

// ToolMiddleware is a mcp-go tool handler middleware.
func (m *Middleware) ToolMiddleware(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := request.Params.Name
		m.logger.Debug("processing tool call authentication", logging.Tool(name))

		ctx = m.Resolve(ctx, name, Call{
			Arguments:    request.GetArguments(),
			MCPSessionID: m.sessionID(ctx),
		})

		result, err := next(ctx, request)
		if err != nil {
			m.logCallError("tool", name, err)
		}
		return result, err
	}
}

// WrapPrompt runs a prompt handler through the same resolution.
func (m *Middleware) WrapPrompt(name string, next mcpserver.PromptHandlerFunc) mcpserver.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		m.logger.Debug("processing prompt authentication", slog.String("prompt", name))

		args := make(map[string]any, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			args[k] = v
		}
		ctx = m.Resolve(ctx, name, Call{
			Arguments:    args,
			MCPSessionID: m.sessionID(ctx),
		})

		result, err := next(ctx, request)
		if err != nil {
			m.logCallError("prompt", name, err)
		}
		return result, err
	}
}

// logCallError logs expected auth failures at info with only their message.
func (m *Middleware) logCallError(kind, name string, err error) {
	if IsAuthError(err) {
		m.logger.Info("authentication check failed",
			slog.String("kind", kind),
			slog.String("name", name),
			slog.String("reason", err.Error()))
		return
	}
	m.logger.Error("call failed",
		slog.String("kind", kind),
		slog.String("name", name),
		logging.Err(err))
}
