package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/teemow/workspace-mcp/internal/logging"
)

const (
	valkeyKeyPrefix = "workspace-mcp:"
	valkeyScanCount = 100
)

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	UseTLS   bool
}

// Addr returns host:port.
func (c ValkeyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ValkeyStore keeps sealed sessions in Valkey. Every key carries a TTL equal
// to the record's remaining lifetime, so expiry is enforced by the server.
//
// Keys:
//
//	workspace-mcp:session:<email hash>/<session key>  sealed record
//	workspace-mcp:user:<email hash>                   slot of the user's newest session
//	workspace-mcp:mcp:<mcp session id>                sealed email of the bound user
type ValkeyStore struct {
	client   valkey.Client
	sealer   *Sealer
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewValkeyStore connects to Valkey.
func NewValkeyStore(cfg ValkeyConfig, sealer *Sealer, lifetime time.Duration, logger *slog.Logger) (*ValkeyStore, error) {
	if sealer == nil {
		return nil, errors.New("valkey session storage requires an encryption key")
	}
	if cfg.Host == "" {
		return nil, errors.New("valkey host is required")
	}

	opts := valkey.ClientOption{
		InitAddress: []string{cfg.Addr()},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Host,
		}
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Addr(), err)
	}

	return &ValkeyStore{
		client:   client,
		sealer:   sealer,
		lifetime: lifetime,
		now:      time.Now,
		logger:   logging.WithComponent(logger, "session_store").With(logging.Backend(BackendValkey)),
	}, nil
}

func sessionKeyName(slot string) string {
	return valkeyKeyPrefix + "session:" + slot
}

func userKeyName(email string) string {
	return valkeyKeyPrefix + "user:" + userDigest(email)
}

func mcpKeyName(mcpSessionID string) string {
	return valkeyKeyPrefix + "mcp:" + mcpSessionID
}

// ttlSeconds returns the remaining lifetime in whole seconds, at least 1.
func ttlSeconds(expiresAt, now time.Time) int64 {
	secs := int64(expiresAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *ValkeyStore) StoreSession(ctx context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error {
	now := s.now()
	record, err := newRecord(userEmail, creds, sessionKey, mcpSessionID, now)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.sealRecord(record)
	if err != nil {
		return err
	}
	ttl := ttlSeconds(record.ExpiresAt(s.lifetime), now)
	slot := record.slot()

	cmds := valkey.Commands{
		s.client.B().Set().Key(sessionKeyName(slot)).
			Value(base64.StdEncoding.EncodeToString(sealed)).ExSeconds(ttl).Build(),
		s.client.B().Set().Key(userKeyName(record.UserEmail)).
			Value(slot).ExSeconds(ttl).Build(),
	}
	if mcpSessionID != "" {
		binding, err := s.sealer.Seal([]byte(record.UserEmail))
		if err != nil {
			return err
		}
		cmds = append(cmds, s.client.B().Set().Key(mcpKeyName(mcpSessionID)).
			Value(base64.StdEncoding.EncodeToString(binding)).ExSeconds(ttl).Build())
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
	}
	return nil
}

func (s *ValkeyStore) HasSession(ctx context.Context, userEmail string) (bool, error) {
	record, err := s.GetSession(ctx, userEmail)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return record != nil, err
}

func (s *ValkeyStore) GetSingleUserEmail(ctx context.Context) (string, bool, error) {
	var userKeys []string
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).
			Match(valkeyKeyPrefix+"user:*").Count(valkeyScanCount).Build()).AsScanEntry()
		if err != nil {
			return "", false, fmt.Errorf("failed to scan sessions: %w", err)
		}
		userKeys = append(userKeys, entry.Elements...)
		// More than one user already makes the answer "none".
		if len(userKeys) > 1 {
			return "", false, nil
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	if len(userKeys) != 1 {
		return "", false, nil
	}

	record, err := s.newest(ctx, userKeys[0])
	if err != nil || record == nil {
		return "", false, err
	}
	return record.UserEmail, true, nil
}

func (s *ValkeyStore) GetUserByMCPSession(ctx context.Context, mcpSessionID string) (string, bool, error) {
	if mcpSessionID == "" {
		return "", false, nil
	}
	encoded, err := s.get(ctx, mcpKeyName(mcpSessionID))
	if err != nil || encoded == "" {
		return "", false, err
	}
	email, err := s.openBinding(encoded)
	if err != nil {
		s.logger.Warn("skipping unreadable MCP binding", logging.Err(err))
		return "", false, nil
	}
	record, err := s.newest(ctx, userKeyName(email))
	if err != nil || record == nil {
		return "", false, err
	}
	return record.UserEmail, true, nil
}

func (s *ValkeyStore) GetSession(ctx context.Context, userEmail string) (*Record, error) {
	record, err := s.newest(ctx, userKeyName(userEmail))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// DeleteSession drops the user index and the record's MCP binding only when
// the index still names the deleted session.
func (s *ValkeyStore) DeleteSession(ctx context.Context, userEmail, sessionKey string) error {
	slot := slotKey(userEmail, sessionKey)
	record, err := s.load(ctx, slot)
	if err != nil {
		return err
	}

	keys := []string{sessionKeyName(slot)}
	userKey := userKeyName(userEmail)
	current, err := s.get(ctx, userKey)
	if err != nil {
		return err
	}
	if current == slot {
		keys = append(keys, userKey)
		if record != nil && record.MCPSessionID != "" {
			keys = append(keys, mcpKeyName(record.MCPSessionID))
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

// newest follows a user index key to the session it names. A record that
// belongs to another user is treated as missing.
func (s *ValkeyStore) newest(ctx context.Context, userKey string) (*Record, error) {
	slot, err := s.get(ctx, userKey)
	if err != nil || slot == "" {
		return nil, err
	}
	record, err := s.load(ctx, slot)
	if err != nil || record == nil {
		return nil, err
	}
	if userKeyName(record.UserEmail) != userKey {
		s.logger.Warn("user index points at another user's session")
		return nil, nil
	}
	return record, nil
}

func (s *ValkeyStore) openBinding(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode MCP binding: %w", err)
	}
	email, err := s.sealer.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(email), nil
}

func (s *ValkeyStore) load(ctx context.Context, slot string) (*Record, error) {
	encoded, err := s.get(ctx, sessionKeyName(slot))
	if err != nil || encoded == "" {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	record, err := s.sealer.openRecord(sealed)
	if err != nil {
		s.logger.Warn("skipping unreadable session", logging.Err(err))
		return nil, nil
	}
	if record.Expired(s.now(), s.lifetime) {
		return nil, nil
	}
	return record, nil
}

// get returns "" for missing keys.
func (s *ValkeyStore) get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("valkey GET failed: %w", err)
	}
	return value, nil
}
