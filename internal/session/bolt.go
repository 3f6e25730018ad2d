package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/teemow/workspace-mcp/internal/logging"
)

const boltFileName = "sessions.db"

var (
	sessionsBucket = []byte("sessions")
	bindingsBucket = []byte("mcp_bindings")
)

// BoltStore keeps sealed sessions in a bbolt file. Sessions are keyed by
// user and session key; MCP bindings hold the sealed email of their user.
type BoltStore struct {
	db       *bolt.DB
	sealer   *Sealer
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewBoltStore opens (or creates) the session database in dir.
func NewBoltStore(dir string, sealer *Sealer, lifetime time.Duration, logger *slog.Logger) (*BoltStore, error) {
	if sealer == nil {
		return nil, errors.New("disk session storage requires an encryption key")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	path := filepath.Join(dir, boltFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, bindingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		sealer:   sealer,
		lifetime: lifetime,
		now:      time.Now,
		logger:   logging.WithComponent(logger, "session_store").With(logging.Backend(BackendDisk)),
	}, nil
}

func (s *BoltStore) StoreSession(_ context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error {
	record, err := newRecord(userEmail, creds, sessionKey, mcpSessionID, s.now())
	if err != nil {
		return err
	}
	sealed, err := s.sealer.sealRecord(record)
	if err != nil {
		return err
	}

	var binding []byte
	if mcpSessionID != "" {
		if binding, err = s.sealer.Seal([]byte(record.UserEmail)); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(record.slot()), sealed); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
		if binding != nil {
			if err := tx.Bucket(bindingsBucket).Put([]byte(mcpSessionID), binding); err != nil {
				return fmt.Errorf("failed to bind MCP session: %w", err)
			}
		}
		return nil
	})
}

func (s *BoltStore) HasSession(_ context.Context, userEmail string) (bool, error) {
	records, err := s.visible()
	if err != nil {
		return false, err
	}
	return records.newestFor(userEmail) != nil, nil
}

func (s *BoltStore) GetSingleUserEmail(_ context.Context) (string, bool, error) {
	records, err := s.visible()
	if err != nil {
		return "", false, err
	}
	email, ok := records.singleUser()
	return email, ok, nil
}

func (s *BoltStore) GetUserByMCPSession(_ context.Context, mcpSessionID string) (string, bool, error) {
	if mcpSessionID == "" {
		return "", false, nil
	}

	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bindingsBucket).Get([]byte(mcpSessionID)); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || sealed == nil {
		return "", false, err
	}
	email, err := s.sealer.Open(sealed)
	if err != nil {
		s.logger.Warn("skipping unreadable MCP binding", logging.Err(err))
		return "", false, nil
	}

	records, err := s.visible()
	if err != nil {
		return "", false, err
	}
	record := records.newestFor(string(email))
	if record == nil {
		return "", false, nil
	}
	return record.UserEmail, true, nil
}

func (s *BoltStore) GetSession(_ context.Context, userEmail string) (*Record, error) {
	records, err := s.visible()
	if err != nil {
		return nil, err
	}
	record := records.newestFor(userEmail)
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *BoltStore) DeleteSession(_ context.Context, userEmail, sessionKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		if err := sessions.Delete([]byte(slotKey(userEmail, sessionKey))); err != nil {
			return err
		}

		// Slot keys start with the user digest.
		prefix := []byte(userDigest(userEmail) + "/")
		if k, _ := sessions.Cursor().Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
			return nil
		}

		bindings := tx.Bucket(bindingsBucket)
		var stale [][]byte
		err := bindings.ForEach(func(id, sealed []byte) error {
			email, err := s.sealer.Open(sealed)
			if err == nil && sameUser(string(email), userEmail) {
				stale = append(stale, append([]byte(nil), id...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range stale {
			if err := bindings.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// visible decodes all records and drops expired ones. Records that fail to
// decrypt, for example after a key change, are skipped with a warning.
func (s *BoltStore) visible() (recordSet, error) {
	var records recordSet
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(key, sealed []byte) error {
			record, err := s.sealer.openRecord(sealed)
			if err != nil {
				s.logger.Warn("skipping unreadable session", logging.Err(err))
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return records.visible(s.now(), s.lifetime), nil
}
