package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth/storage"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/logging"
)

// Authorization server routes served in standard mode.
const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	RegisterPath                    = "/oauth/register"
	AuthorizePath                   = "/oauth/authorize"
	TokenPath                       = "/oauth/token"
)

const (
	authorizationCodeTTL   = 10 * time.Minute
	pkceMethodS256         = "S256"
	grantAuthorizationCode = "authorization_code"
	maxRegistrationBody    = 64 << 10
)

// AuthorizationStore keeps registered clients, pending authorization requests
// and issued authorization codes. The mcp-oauth memory store implements it.
type AuthorizationStore interface {
	storage.ClientStore
	storage.FlowStore
}

// AuthorizationServerConfig configures the standard-mode authorization server.
type AuthorizationServerConfig struct {
	BaseURL string
	Scopes  []string
	Flow    *google.OAuthFlow
	Issuer  *auth.Issuer
	Store   AuthorizationStore
	Logger  *slog.Logger
}

// AuthorizationServer lets MCP clients obtain access tokens from this server.
// Clients register dynamically (RFC 7591), authorize with PKCE and are sent
// through the Google flow; the Google callback then hands the client an
// authorization code that /oauth/token exchanges for an issued JWT.
type AuthorizationServer struct {
	baseURL string
	scopes  []string
	flow    *google.OAuthFlow
	issuer  *auth.Issuer
	store   AuthorizationStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewAuthorizationServer creates the server.
func NewAuthorizationServer(cfg AuthorizationServerConfig) (*AuthorizationServer, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("authorization server requires an issuer")
	}
	if cfg.Store == nil {
		return nil, errors.New("authorization server requires a store")
	}
	return &AuthorizationServer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		scopes:  slices.Clone(cfg.Scopes),
		flow:    cfg.Flow,
		issuer:  cfg.Issuer,
		store:   cfg.Store,
		logger:  logging.WithComponent(cfg.Logger, "authorization_server"),
		now:     time.Now,
	}, nil
}

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// Register mounts the authorization server routes on mux.
func (a *AuthorizationServer) Register(mux *http.ServeMux, wrap func(route string, h http.Handler) http.Handler) {
	mux.Handle("GET "+AuthorizationServerMetadataPath, wrap(AuthorizationServerMetadataPath, http.HandlerFunc(a.ServeMetadata)))
	mux.Handle("POST "+RegisterPath, wrap(RegisterPath, http.HandlerFunc(a.ServeRegistration)))
	mux.Handle("GET "+AuthorizePath, wrap(AuthorizePath, http.HandlerFunc(a.ServeAuthorization)))
	mux.Handle("POST "+TokenPath, wrap(TokenPath, http.HandlerFunc(a.ServeToken)))
}

// Metadata returns the RFC 8414 document.
func (a *AuthorizationServer) Metadata() AuthorizationServerMetadata {
	scopes := a.scopes
	if scopes == nil {
		scopes = []string{}
	}
	return AuthorizationServerMetadata{
		Issuer:                            a.baseURL,
		AuthorizationEndpoint:             a.baseURL + AuthorizePath,
		TokenEndpoint:                     a.baseURL + TokenPath,
		RegistrationEndpoint:              a.baseURL + RegisterPath,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{pkceMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		ScopesSupported:                   scopes,
	}
}

func (a *AuthorizationServer) ServeMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, a.Metadata())
}

// ClientRegistration is the RFC 7591 request and response body.
type ClientRegistration struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

func (a *AuthorizationServer) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	var req ClientRegistration
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "at least one redirect_uri is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}

	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = "none"
	}
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientType:              "public",
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: method,
		GrantTypes:              []string{grantAuthorizationCode},
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  strings.Fields(req.Scope),
		CreatedAt:               a.now(),
	}

	var secret string
	switch method {
	case "none":
	case "client_secret_basic", "client_secret_post":
		secret = rand.Text() + rand.Text()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			a.serverError(w, "failed to hash client secret", err)
			return
		}
		client.ClientType = "confidential"
		client.ClientSecretHash = string(hash)
	default:
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata",
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
		return
	}

	if err := a.store.SaveClient(r.Context(), client); err != nil {
		a.serverError(w, "failed to save client", err)
		return
	}
	a.logger.Info("registered client",
		slog.String("client_id", client.ClientID),
		slog.String("client_type", client.ClientType))

	writeJSON(w, http.StatusCreated, ClientRegistration{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: method,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scope:                   req.Scope,
	})
}

func (a *AuthorizationServer) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	client, err := a.store.GetClient(ctx, q.Get("client_id"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	// From here on errors go back to the client.
	clientState := q.Get("state")
	if q.Get("response_type") != "code" {
		a.redirectError(w, r, redirectURI, clientState, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != pkceMethodS256 {
		a.redirectError(w, r, redirectURI, clientState, "invalid_request", "PKCE with code_challenge_method=S256 is required")
		return
	}
	scope := q.Get("scope")
	if scope == "" {
		scope = strings.Join(a.scopes, " ")
	}

	if a.flow == nil || !a.flow.Configured() {
		a.redirectError(w, r, redirectURI, clientState, "server_error", google.ErrNotConfigured.Error())
		return
	}
	authURL, pending, err := a.flow.StartAuth("", q.Get("login_hint"), "")
	if err != nil {
		a.redirectError(w, r, redirectURI, clientState, "server_error", "failed to start Google authorization")
		return
	}

	now := a.now()
	if err := a.store.SaveAuthorizationState(ctx, &storage.AuthorizationState{
		StateID:             pending.State,
		OriginalClientState: clientState,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		Resource:            q.Get("resource"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkceMethodS256,
		ProviderState:       pending.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(google.PendingStateTTL),
	}); err != nil {
		a.logger.Error("failed to save authorization state", logging.Err(err))
		a.redirectError(w, r, redirectURI, clientState, "server_error", "failed to save authorization request")
		return
	}

	a.logger.Debug("authorization request sent to Google", slog.String("client_id", client.ClientID))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// completeAuthorization finishes an authorization request after the Google
// callback. It reports false when the Google state did not come from
// /oauth/authorize.
func (a *AuthorizationServer) completeAuthorization(w http.ResponseWriter, r *http.Request, done *google.Completion) bool {
	ctx := r.Context()
	state, err := a.store.GetAuthorizationStateByProviderState(ctx, done.Pending.State)
	if err != nil {
		return false
	}
	if err := a.store.DeleteAuthorizationState(ctx, state.StateID); err != nil {
		a.logger.Warn("failed to delete authorization state", logging.Err(err))
	}

	now := a.now()
	code := &storage.AuthorizationCode{
		Code:                rand.Text() + rand.Text(),
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		Scope:               state.Scope,
		Resource:            state.Resource,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		UserID:              done.Email,
		CreatedAt:           now,
		ExpiresAt:           now.Add(authorizationCodeTTL),
	}
	if err := a.store.SaveAuthorizationCode(ctx, code); err != nil {
		a.logger.Error("failed to save authorization code", logging.Err(err))
		a.redirectError(w, r, state.RedirectURI, state.OriginalClientState, "server_error", "failed to issue authorization code")
		return true
	}

	a.logger.Info("issued authorization code",
		slog.String("client_id", state.ClientID),
		logging.UserHash(done.Email))

	target, _ := url.Parse(state.RedirectURI)
	values := target.Query()
	values.Set("code", code.Code)
	values.Set("iss", a.baseURL)
	if state.OriginalClientState != "" {
		values.Set("state", state.OriginalClientState)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
	return true
}

func (a *AuthorizationServer) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if grant := r.PostForm.Get("grant_type"); grant != grantAuthorizationCode {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			fmt.Sprintf("grant_type %q is not supported", grant))
		return
	}

	ctx := r.Context()
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if err := a.store.ValidateClientSecret(ctx, clientID, secret); err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	code, err := a.store.AtomicCheckAndMarkAuthCodeUsed(ctx, r.PostForm.Get("code"))
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			a.logger.Warn("authorization code reused", slog.String("client_id", clientID))
		}
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired or already used")
		return
	}
	if code.ClientID != clientID || code.RedirectURI != r.PostForm.Get("redirect_uri") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to another client or redirect_uri")
		return
	}
	if !verifyPKCE(code.CodeChallenge, r.PostForm.Get("code_verifier")) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
		return
	}

	scopes := strings.Fields(code.Scope)
	ttl := auth.SessionLifetime()
	token, err := a.issuer.Issue(code.UserID, "", scopes, ttl)
	if err != nil {
		a.serverError(w, "failed to issue access token", err)
		return
	}

	a.logger.Info("issued access token",
		slog.String("client_id", clientID),
		logging.UserHash(code.UserID))

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
		Scope:       code.Scope,
		Email:       code.UserID,
	})
}

func (a *AuthorizationServer) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	values := target.Query()
	values.Set("error", code)
	values.Set("error_description", description)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *AuthorizationServer) serverError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, logging.Err(err))
	writeOAuthError(w, http.StatusInternalServerError, "server_error", msg)
}

func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// validateRedirectURI accepts HTTPS URIs, plain HTTP on loopback hosts and
// private-use schemes used by native clients.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("redirect_uri %q is not an absolute URI", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return fmt.Errorf("redirect_uri %q must use https unless it targets a loopback address", raw)
	case "javascript", "data", "file":
		return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
	}
	return nil
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, oauthError{Error: code, Description: description})
}
