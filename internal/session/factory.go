package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teemow/workspace-mcp/internal/logging"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendValkey = "valkey"
)

// DefaultStorageDir is the disk backend directory relative to the home
// directory.
const DefaultStorageDir = ".workspace-mcp/oauth-proxy"

// StorageConfig selects and configures a session backend.
type StorageConfig struct {
	Backend  string
	Dir      string
	Valkey   ValkeyConfig
	Lifetime time.Duration
}

// ResolveDir returns the configured directory or the default under $HOME.
func (c StorageConfig) ResolveDir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultStorageDir), nil
}

// New builds the Store for cfg.Backend. Persistent backends seal records
// with encKey; the memory backend ignores it.
func New(ctx context.Context, cfg StorageConfig, encKey []byte, logger *slog.Logger) (Store, error) {
	logger = logging.WithComponent(logger, "session_store")
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		logger.Info("Using in-memory session storage")
		return NewMemoryStore(cfg.Lifetime, logger), nil

	case BackendDisk:
		sealer, err := NewSealer(encKey)
		if err != nil {
			return nil, fmt.Errorf("disk session storage: %w", err)
		}
		dir, err := cfg.ResolveDir()
		if err != nil {
			return nil, err
		}
		logger.Info("Using disk session storage", "dir", dir)
		return NewBoltStore(dir, sealer, cfg.Lifetime, logger)

	case BackendValkey:
		sealer, err := NewSealer(encKey)
		if err != nil {
			return nil, fmt.Errorf("valkey session storage: %w", err)
		}
		store, err := NewValkeyStore(cfg.Valkey, sealer, cfg.Lifetime, logger)
		if err != nil {
			return nil, err
		}
		if err := store.client.Do(ctx, store.client.B().Ping().Build()).Error(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to reach valkey at %s: %w", cfg.Valkey.Addr(), err)
		}
		logger.Info("Using valkey session storage", "addr", cfg.Valkey.Addr(), "tls", cfg.Valkey.UseTLS)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown session storage backend %q (expected %s, %s or %s)",
			cfg.Backend, BackendMemory, BackendDisk, BackendValkey)
	}
}
