package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
)

// Mode is the authentication mode chosen at startup.
type Mode string

const (
	ModeLegacy   Mode = "oauth20_legacy"
	ModeStandard Mode = "oauth21_standard"
	ModeExternal Mode = "oauth21_external"
)

// IsOAuth21 reports whether the mode is one of the OAuth 2.1 modes.
func (m Mode) IsOAuth21() bool {
	return m == ModeStandard || m == ModeExternal
}

// ProviderConfig is the provider configuration, fixed at startup.
type ProviderConfig struct {
	Mode           Mode
	ClientID       string
	ClientSecret   string
	RequiredScopes []string
	JWTSigningKey  string
	StorageBackend string
}

func (c ProviderConfig) hasCredentials() bool {
	return c.ClientID != "" || c.ClientSecret != ""
}

func (c ProviderConfig) validate() error {
	switch c.Mode {
	case ModeExternal:
		if c.ClientID == "" {
			return errors.New("external OAuth 2.1 provider requires a client id")
		}
	case ModeStandard:
		if c.ClientID == "" || c.ClientSecret == "" {
			return errors.New("OAuth 2.1 provider requires both client id and client secret")
		}
	case ModeLegacy:
	default:
		return errors.New("unknown auth mode " + string(c.Mode))
	}
	return nil
}

// Provider is the active OAuth 2.1 provider.
type Provider struct {
	config   ProviderConfig
	verifier TokenVerifier
}

// Mode returns the provider's mode.
func (p *Provider) Mode() Mode {
	return p.config.Mode
}

// Config returns a copy of the provider configuration.
func (p *Provider) Config() ProviderConfig {
	cfg := p.config
	cfg.RequiredScopes = slices.Clone(p.config.RequiredScopes)
	return cfg
}

// Verifier returns the provider's token verifier.
func (p *Provider) Verifier() TokenVerifier {
	return p.verifier
}

// VerifierFactory builds the token verifier for a provider configuration.
type VerifierFactory func(ProviderConfig) TokenVerifier

// Selector holds the provider chosen at startup. Configure is meant for
// startup and tests; request handling only reads.
type Selector struct {
	logger      *slog.Logger
	metrics     *instrumentation.Metrics
	newVerifier VerifierFactory

	mu       sync.RWMutex
	mode     Mode
	provider *Provider
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithVerifierFactory replaces the default Google verifier factory.
func WithVerifierFactory(f VerifierFactory) SelectorOption {
	return func(s *Selector) {
		s.newVerifier = f
	}
}

// WithMetrics records token verifications made by the default verifier.
func WithMetrics(m *instrumentation.Metrics) SelectorOption {
	return func(s *Selector) {
		s.metrics = m
	}
}

// NewSelector creates a Selector in legacy mode.
func NewSelector(logger *slog.Logger, opts ...SelectorOption) *Selector {
	s := &Selector{
		logger: logging.WithComponent(logger, "auth_provider"),
		mode:   ModeLegacy,
	}
	s.newVerifier = func(cfg ProviderConfig) TokenVerifier {
		return NewGoogleVerifier(GoogleVerifierConfig{
			ClientID:       cfg.ClientID,
			RequiredScopes: cfg.RequiredScopes,
			Metrics:        s.metrics,
			Logger:         s.logger,
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure selects the provider for cfg. OAuth 2.1 without any client
// credentials falls back to legacy mode with a warning. Partially configured
// credentials are an error.
func (s *Selector) Configure(cfg ProviderConfig) error {
	if cfg.Mode == "" {
		cfg.Mode = ModeLegacy
	}
	if cfg.Mode.IsOAuth21() && !cfg.hasCredentials() {
		s.logger.Warn("OAuth 2.1 enabled without client credentials, falling back to legacy OAuth 2.0",
			logging.Mode(string(cfg.Mode)))
		cfg.Mode = ModeLegacy
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	var provider *Provider
	if cfg.Mode.IsOAuth21() {
		cfg.RequiredScopes = slices.Clone(cfg.RequiredScopes)
		provider = &Provider{config: cfg, verifier: s.newVerifier(cfg)}
	}

	s.mu.Lock()
	s.mode = cfg.Mode
	s.provider = provider
	s.mu.Unlock()

	s.logger.Info("auth provider configured", logging.Mode(string(cfg.Mode)))
	return nil
}

// Mode returns the configured mode.
func (s *Selector) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Current returns the active provider. Legacy mode has none.
func (s *Selector) Current() (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider, s.provider != nil
}

// VerifyViaCurrent verifies token with the active provider. Verification
// errors are logged and reported as false.
func (s *Selector) VerifyViaCurrent(ctx context.Context, token string) (*AccessToken, bool) {
	provider, ok := s.Current()
	if !ok {
		s.logger.Warn("no auth provider available to verify Google token")
		return nil, false
	}

	at, err := provider.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Warn("failed to verify Google OAuth token",
			slog.String("token", logging.SanitizeToken(token)),
			logging.Err(err))
		return nil, false
	}
	if at.UserEmail() == "" {
		s.logger.Warn("verified Google OAuth token has no email")
		return nil, false
	}
	return at, true
}
