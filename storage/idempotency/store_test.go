package idempotency

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "idem.db"), ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndReplay(t *testing.T) {
	store := openTestStore(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	_, ok, err := store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save("esc1buyer", "key-1", "hash-a", 200, []byte(`{"result":true}`), now))
	record, ok, err := store.Reserve("esc1buyer", "key-1", "hash-a", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 200, record.StatusCode)
	require.JSONEq(t, `{"result":true}`, string(record.Body))

	_, ok, err = store.Reserve("esc1seller", "key-1", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok, "keys are scoped per principal")
}

func TestReserveRejectsDifferentRequest(t *testing.T) {
	store := openTestStore(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Save("esc1buyer", "key-1", "hash-a", 200, []byte("{}"), now))

	_, _, err := store.Reserve("esc1buyer", "key-1", "hash-b", now)
	require.ErrorIs(t, err, ErrMismatch)
}

func TestReserveBlocksDuplicateUntilResolved(t *testing.T) {
	store := openTestStore(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	_, ok, err := store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, store.Release("esc1buyer", "key-1"))
	_, ok, err = store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok, "released key can be claimed again")

	require.NoError(t, store.Save("esc1buyer", "key-1", "hash-a", 200, []byte("{}"), now))
	require.NoError(t, store.Release("esc1buyer", "key-1"))
	_, ok, err = store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.NoError(t, err)
	require.True(t, ok, "release keeps completed records")
}

func TestStaleReservationExpires(t *testing.T) {
	store := openTestStore(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	_, _, err := store.Reserve("esc1buyer", "key-1", "hash-a", now)
	require.NoError(t, err)
	_, ok, err := store.Reserve("esc1buyer", "key-1", "hash-a", now.Add(pendingLease+time.Second))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentReserveGrantsOneClaim(t *testing.T) {
	store := openTestStore(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		blocked int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Reserve("esc1buyer", "key-1", "hash-a", now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrInFlight):
				blocked++
			case err == nil && !ok:
				granted++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, granted)
	require.Equal(t, callers-1, blocked)
}

func TestExpiredRecordsAreDropped(t *testing.T) {
	store := openTestStore(t, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Save("a", "k1", "h", 200, []byte("{}"), now))
	require.NoError(t, store.Save("a", "k2", "h", 200, []byte("{}"), now.Add(time.Hour)))

	_, ok, err := store.Reserve("a", "k1", "h", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.Release("a", "k1"))

	removed, err := store.Prune(now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
