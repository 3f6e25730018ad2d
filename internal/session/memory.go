package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/workspace-mcp/internal/logging"
)

// DefaultCleanupInterval is how often MemoryStore drops expired records.
const DefaultCleanupInterval = time.Minute

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record // slot key -> record
	bindings map[string]string  // MCP session id -> user email

	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore with the default cleanup interval.
func NewMemoryStore(lifetime time.Duration, logger *slog.Logger) *MemoryStore {
	return NewMemoryStoreWithInterval(lifetime, DefaultCleanupInterval, logger)
}

// NewMemoryStoreWithInterval creates a MemoryStore that drops expired records
// every cleanupInterval. A zero interval disables the background cleanup.
func NewMemoryStoreWithInterval(lifetime, cleanupInterval time.Duration, logger *slog.Logger) *MemoryStore {
	s := &MemoryStore{
		records:  make(map[string]*Record),
		bindings: make(map[string]string),
		lifetime: lifetime,
		now:      time.Now,
		logger:   logging.WithComponent(logger, "session_store").With(logging.Backend(BackendMemory)),
		stop:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

func (s *MemoryStore) StoreSession(_ context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error {
	record, err := newRecord(userEmail, creds, sessionKey, mcpSessionID, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.slot()] = record
	if mcpSessionID != "" {
		s.bindings[mcpSessionID] = record.UserEmail
	}

	s.logger.Debug("stored session",
		logging.UserHash(userEmail),
		logging.MCPSession(mcpSessionID))
	return nil
}

func (s *MemoryStore) HasSession(_ context.Context, userEmail string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible().newestFor(userEmail) != nil, nil
}

func (s *MemoryStore) GetSingleUserEmail(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email, ok := s.visible().singleUser()
	return email, ok, nil
}

func (s *MemoryStore) GetUserByMCPSession(_ context.Context, mcpSessionID string) (string, bool, error) {
	if mcpSessionID == "" {
		return "", false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.bindings[mcpSessionID]
	if !ok {
		return "", false, nil
	}
	record := s.visible().newestFor(email)
	if record == nil {
		return "", false, nil
	}
	return record.UserEmail, true, nil
}

func (s *MemoryStore) GetSession(_ context.Context, userEmail string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := s.visible().newestFor(userEmail)
	if record == nil {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, userEmail, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(slotKey(userEmail, sessionKey))
	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) visible() recordSet {
	all := make(recordSet, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	return all.visible(s.now(), s.lifetime)
}

// deleteLocked drops a record, and the user's bindings with its last one.
func (s *MemoryStore) deleteLocked(slot string) {
	record, ok := s.records[slot]
	if !ok {
		return
	}
	delete(s.records, slot)
	for _, r := range s.records {
		if sameUser(r.UserEmail, record.UserEmail) {
			return
		}
	}
	for id, email := range s.bindings {
		if sameUser(email, record.UserEmail) {
			delete(s.bindings, id)
		}
	}
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and re-checks
// them under the write lock, since a record may be replaced in between.
func (s *MemoryStore) cleanupExpired() {
	s.mu.RLock()
	var expired []string
	now := s.now()
	for key, r := range s.records {
		if r.Expired(now, s.lifetime) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now = s.now()
	removed := 0
	for _, key := range expired {
		if r, ok := s.records[key]; ok && r.Expired(now, s.lifetime) {
			s.deleteLocked(key)
			removed++
		}
	}
	s.logger.Debug("cleaned up expired sessions", slog.Int("count", removed))
}
