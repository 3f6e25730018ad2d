package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source shared by a store under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, lifetime time.Duration, c *clock) Store

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		BackendMemory: func(t *testing.T, lifetime time.Duration, c *clock) Store {
			s := NewMemoryStoreWithInterval(lifetime, 0, nil)
			s.now = c.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		BackendDisk: func(t *testing.T, lifetime time.Duration, c *clock) Store {
			sealer, err := NewSealer(testKey())
			require.NoError(t, err)
			s, err := NewBoltStore(t.TempDir(), sealer, lifetime, nil)
			require.NoError(t, err)
			s.now = c.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

func creds(token string) Credentials {
	return Credentials{
		AccessToken: token,
		TokenURI:    "https://oauth2.googleapis.com/token",
		Scopes:      []string{"openid", "email"},
	}
}

func TestStore_StoreAndHasSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		ok, err := s.HasSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", ""))

		ok, err = s.HasSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HasSession(ctx, "ALICE@example.com")
		require.NoError(t, err)
		assert.True(t, ok, "email lookups are case-insensitive")
	})
}

func TestStore_StoreSessionRejectsEmptyEmail(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t, time.Hour, newClock())
		err := s.StoreSession(context.Background(), "", creds("ya29.a"), "k1", "")
		assert.Error(t, err)
	})
}

func TestStore_UpsertIsLastWriteWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.first"), "k1", ""))
		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.second"), "k1", ""))

		record, err := s.GetSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ya29.second", record.Credentials.AccessToken)
		assert.Equal(t, "k1", record.SessionKey)
	})
}

func TestStore_SessionKeyDefaultsToEmail(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "", ""))

		record, err := s.GetSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", record.SessionKey)
	})
}

func TestStore_GetSessionReturnsNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		c := newClock()
		s := newStore(t, time.Hour, c)

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.old"), "k1", ""))
		c.Advance(time.Minute)
		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.new"), "k2", ""))

		record, err := s.GetSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ya29.new", record.Credentials.AccessToken)

		_, err = s.GetSession(ctx, "bob@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_GetSingleUserEmail(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		_, ok, err := s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "no sessions")

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", ""))
		email, ok, err := s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		// Two sessions of the same user are still one user.
		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.b"), "k2", ""))
		email, ok, err = s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.c"), "k3", ""))
		email, ok, err = s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "two distinct users")
		assert.Empty(t, email)
	})
}

func TestStore_MCPSessionBinding(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		_, ok, err := s.GetUserByMCPSession(ctx, "")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", "mcp-1"))

		email, ok, err := s.GetUserByMCPSession(ctx, "mcp-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		_, ok, err = s.GetUserByMCPSession(ctx, "mcp-unknown")
		require.NoError(t, err)
		assert.False(t, ok)

		// Rebinding the MCP session moves it to the new user.
		require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.b"), "k2", "mcp-1"))
		email, ok, err = s.GetUserByMCPSession(ctx, "mcp-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "bob@example.com", email)
	})
}

func TestStore_ExpiredRecordsAreInvisible(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		c := newClock()
		s := newStore(t, time.Hour, c)

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", "mcp-1"))
		c.Advance(time.Hour)

		ok, err := s.HasSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.GetUserByMCPSession(ctx, "mcp-1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetSession(ctx, "alice@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ExpiredUserDoesNotBlockSingleUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		c := newClock()
		s := newStore(t, time.Hour, c)

		short := creds("ya29.short")
		short.Expiry = c.Now().Add(time.Minute)
		require.NoError(t, s.StoreSession(ctx, "bob@example.com", short, "k-bob", ""))
		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k-alice", ""))

		_, ok, err := s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		c.Advance(2 * time.Minute)
		email, ok, err := s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)
	})
}

func TestStore_DeleteSessionRemovesBindings(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", "mcp-1"))
		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.b"), "k2", ""))

		// Another session of the same user keeps the binding alive.
		require.NoError(t, s.DeleteSession(ctx, "alice@example.com", "k1"))
		email, ok, err := s.GetUserByMCPSession(ctx, "mcp-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		require.NoError(t, s.DeleteSession(ctx, "alice@example.com", "k2"))
		ok, err = s.HasSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.GetUserByMCPSession(ctx, "mcp-1")
		require.NoError(t, err)
		assert.False(t, ok)

		// Deleting a missing key is not an error.
		assert.NoError(t, s.DeleteSession(ctx, "alice@example.com", "missing"))
	})
}

func TestStore_DeleteSessionIsScopedToUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "shared", "mcp-alice"))
		require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.b"), "shared", "mcp-bob"))

		require.NoError(t, s.DeleteSession(ctx, "bob@example.com", "shared"))

		rec, err := s.GetSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ya29.a", rec.Credentials.AccessToken)

		email, ok, err := s.GetUserByMCPSession(ctx, "mcp-alice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		_, ok, err = s.GetUserByMCPSession(ctx, "mcp-bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// Bearer session keys are built from the first 8 characters of the token, and
// every Google access token starts with "ya29.a0A".
func TestStore_UsersSharingASessionKeyStayApart(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())
		const key = "google_oauth_ya29.a0A"

		require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a0AfH6SMalice-token"), key, "mcp-alice"))
		require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.a0AfH6SMbob-token"), key, "mcp-bob"))

		email, ok, err := s.GetUserByMCPSession(ctx, "mcp-alice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)

		email, ok, err = s.GetUserByMCPSession(ctx, "mcp-bob")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "bob@example.com", email)

		for _, user := range []string{"alice", "bob"} {
			ok, err := s.HasSession(ctx, user+"@example.com")
			require.NoError(t, err)
			assert.True(t, ok, user)

			rec, err := s.GetSession(ctx, user+"@example.com")
			require.NoError(t, err)
			assert.Equal(t, "ya29.a0AfH6SM"+user+"-token", rec.Credentials.AccessToken)
			assert.Equal(t, key, rec.SessionKey)
		}

		_, ok, err = s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t, time.Hour, newClock())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token := fmt.Sprintf("ya29.%d", i)
				assert.NoError(t, s.StoreSession(ctx, "alice@example.com", creds(token), "shared", fmt.Sprintf("mcp-%d", i)))
				_, _ = s.HasSession(ctx, "alice@example.com")
			}(i)
		}
		wg.Wait()

		record, err := s.GetSession(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "shared", record.SessionKey)

		email, ok, err := s.GetSingleUserEmail(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice@example.com", email)
	})
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewMemoryStoreWithInterval(time.Hour, 0, nil)
	s.now = c.Now
	defer func() { _ = s.Close() }()

	require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", "mcp-1"))
	require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.b"), "k2", ""))
	assert.Equal(t, 2, s.Len())

	c.Advance(30 * time.Minute)
	require.NoError(t, s.StoreSession(ctx, "bob@example.com", creds("ya29.b2"), "k2", ""))

	c.Advance(45 * time.Minute)
	s.cleanupExpired()

	assert.Equal(t, 1, s.Len())
	_, ok, err := s.GetUserByMCPSession(ctx, "mcp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore(time.Hour, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	s, err := NewBoltStore(dir, sealer, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.persisted"), "k1", "mcp-1"))
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(dir, sealer, time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	record, err := reopened.GetSession(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.persisted", record.Credentials.AccessToken)

	email, ok, err := reopened.GetUserByMCPSession(ctx, "mcp-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", email)
}

func TestBoltStore_WrongKeySkipsRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	s, err := NewBoltStore(dir, sealer, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.StoreSession(ctx, "alice@example.com", creds("ya29.a"), "k1", ""))
	require.NoError(t, s.Close())

	otherKey := make([]byte, 32)
	other, err := NewSealer(otherKey)
	require.NoError(t, err)
	reopened, err := NewBoltStore(dir, other, time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	ok, err := reopened.HasSession(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewBoltStore_RequiresSealer(t *testing.T) {
	_, err := NewBoltStore(t.TempDir(), nil, time.Hour, nil)
	assert.Error(t, err)
}
