package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/logging"
	"github.com/teemow/workspace-mcp/internal/session"
)

// CallbackPath is the redirect path registered with Google.
const CallbackPath = "/oauth2callback"

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
{{if .Hint}}<p>{{.Hint}}</p>{{end}}
</body>
</html>
`))

type page struct {
	Title   string
	Message string
	Hint    string
}

// CallbackHandler completes the legacy OAuth 2.0 flow.
type CallbackHandler struct {
	flow     *google.OAuthFlow
	sessions session.Store
	issuer   *auth.Issuer
	scopes   []string
	logger   *slog.Logger

	// authz, when set, takes over callbacks for /oauth/authorize requests.
	authz *AuthorizationServer
}

// NewCallbackHandler creates the handler. issuer is set in standard mode, in
// which case the response also carries an access token for this server.
func NewCallbackHandler(flow *google.OAuthFlow, sessions session.Store, issuer *auth.Issuer, scopes []string, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		flow:     flow,
		sessions: sessions,
		issuer:   issuer,
		scopes:   scopes,
		logger:   logging.WithComponent(logger, "oauth_callback"),
	}
}

// TokenResponse is returned by the callback in standard mode.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	Email       string `json:"email"`
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	if e := q.Get("error"); e != "" {
		msg := fmt.Sprintf("Authentication failed: Google returned an error: %s. State: %s.", e, state)
		h.logger.Error(msg)
		h.writePage(w, http.StatusBadRequest, page{Title: "Authentication Failed", Message: msg})
		return
	}
	if code == "" {
		msg := "Authentication failed: No authorization code received from Google."
		h.logger.Error(msg)
		h.writePage(w, http.StatusBadRequest, page{Title: "Authentication Failed", Message: msg})
		return
	}
	if h.flow == nil || !h.flow.Configured() {
		h.serverError(w, google.ErrNotConfigured)
		return
	}

	h.logger.Info("received authorization code")

	done, err := h.flow.Complete(r.Context(), state, code)
	if errors.Is(err, google.ErrUnknownState) {
		h.logger.Warn("callback with unknown state")
		h.writePage(w, http.StatusBadRequest, page{
			Title:   "Authentication Failed",
			Message: "Authentication failed: the authorization request is unknown or has expired.",
			Hint:    "Start the authentication again from your MCP client.",
		})
		return
	}
	if err != nil {
		h.serverError(w, err)
		return
	}

	h.logger.Info("authenticated user",
		logging.UserHash(done.Email),
		logging.Domain(done.Email),
		logging.MCPSession(done.Pending.MCPSessionID))

	if h.sessions != nil {
		if err := h.sessions.StoreSession(r.Context(), done.Email, done.Credentials, done.SessionKey(), done.Pending.MCPSessionID); err != nil {
			h.logger.Error("failed to store session", logging.Err(err))
		}
	}

	if h.authz != nil && h.authz.completeAuthorization(w, r, done) {
		return
	}
	if h.issuer != nil {
		h.writeToken(w, done)
		return
	}

	h.writePage(w, http.StatusOK, page{
		Title:   "Authentication Successful",
		Message: fmt.Sprintf("You are signed in as %s.", done.Email),
		Hint:    "You can close this window and return to your MCP client.",
	})
}

func (h *CallbackHandler) writeToken(w http.ResponseWriter, done *google.Completion) {
	ttl := auth.SessionLifetime()
	token, err := h.issuer.Issue(done.Email, done.Subject, h.scopes, ttl)
	if err != nil {
		h.serverError(w, err)
		return
	}

	resp := TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
		Email:       done.Email,
	}
	if len(h.scopes) > 0 {
		resp.Scope = strings.Join(h.scopes, " ")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *CallbackHandler) serverError(w http.ResponseWriter, err error) {
	h.logger.Error("error processing OAuth callback", logging.Err(err))
	h.writePage(w, http.StatusInternalServerError, page{
		Title:   "Authentication Error",
		Message: fmt.Sprintf("An error occurred while processing the authentication: %v", err),
	})
}

func (h *CallbackHandler) writePage(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, p); err != nil {
		h.logger.Error("failed to render page", logging.Err(err))
	}
}
