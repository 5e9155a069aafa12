package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresenceStoreConditionalCreate(t *testing.T) {
	store := NewMemoryPresenceStore()
	defer store.Close()
	ctx := context.Background()

	created, err := store.SetMarkerIfAbsent(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.SetMarkerIfAbsent(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.False(t, created, "second conditional create must lose")

	exists, err := store.MarkerExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryPresenceStoreRefreshRecreatesExpired(t *testing.T) {
	store := NewMemoryPresenceStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.SetMarkerIfAbsent(ctx, "u1", 30*time.Millisecond)
	require.NoError(t, err)

	created, err := store.RefreshMarker(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.False(t, created, "refresh of a live marker is not a creation")

	_, err = store.DeleteMarker(ctx, "u1")
	require.NoError(t, err)

	created, err = store.RefreshMarker(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, created, "refresh after the marker is gone must report a creation")
}

func TestMemoryPresenceStoreDeleteReportsExistence(t *testing.T) {
	store := NewMemoryPresenceStore()
	defer store.Close()
	ctx := context.Background()

	existed, err := store.DeleteMarker(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = store.SetMarkerIfAbsent(ctx, "u1", time.Minute)
	require.NoError(t, err)

	existed, err = store.DeleteMarker(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestMemoryPresenceStoreBulkAndScan(t *testing.T) {
	store := NewMemoryPresenceStore()
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "c"} {
		_, err := store.SetMarkerIfAbsent(ctx, id, time.Minute)
		require.NoError(t, err)
	}

	online, err := store.MarkersExisting(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "c": {}}, online)

	ids, err := store.ScanMarkers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestMemoryPresenceStoreWatchDeliversOnlyExpiry(t *testing.T) {
	store := NewMemoryPresenceStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		expired []string
	)
	go store.WatchExpirations(ctx, func(userID string) { //nolint:errcheck
		mu.Lock()
		expired = append(expired, userID)
		mu.Unlock()
	})

	_, err := store.SetMarkerIfAbsent(ctx, "deleted", time.Minute)
	require.NoError(t, err)
	_, err = store.SetMarkerIfAbsent(ctx, "expiring", 30*time.Millisecond)
	require.NoError(t, err)

	// Explicit deletion must not look like an expiry.
	_, err = store.DeleteMarker(ctx, "deleted")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1 && expired[0] == "expiring"
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, store.Healthy())
}
