package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/presence/cache"
	"github.com/pilab-dev/presence/domain"
)

// eventRecorder collects transition events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.PresenceEvent
}

func (r *eventRecorder) record(ev domain.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []domain.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PresenceEvent(nil), r.events...)
}

func (r *eventRecorder) count(userID string, online bool) int {
	n := 0
	for _, ev := range r.all() {
		if ev.UserID == userID && ev.BecameOnline == online {
			n++
		}
	}
	return n
}

// newTrackerForTest builds a tracker over a fresh in-memory store with its
// expiry listener running.
func newTrackerForTest(t *testing.T, ttl time.Duration) (*PresenceTracker, *eventRecorder) {
	t.Helper()
	store := cache.NewMemoryPresenceStore()
	t.Cleanup(store.Close)

	tracker := NewPresenceTracker(store, ttl)
	rec := &eventRecorder{}
	tracker.SubscribeTransitions(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tracker.Run(ctx) //nolint:errcheck

	return tracker, rec
}

func TestMarkOnlineEmitsExactlyOnce(t *testing.T) {
	tracker, rec := newTrackerForTest(t, time.Minute)
	ctx := context.Background()

	const concurrency = 32
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.MarkOnline(ctx, "u1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.count("u1", true), "exactly one online event per episode")
	assert.True(t, tracker.IsOnline(ctx, "u1"))
}

func TestTTLExpirySelfHeals(t *testing.T) {
	tracker, rec := newTrackerForTest(t, 50*time.Millisecond)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "u1")
	require.True(t, tracker.IsOnline(ctx, "u1"))

	require.Eventually(t, func() bool {
		return rec.count("u1", false) == 1
	}, 2*time.Second, 10*time.Millisecond, "marker expiry should fire one offline event")

	offline := rec.all()[len(rec.all())-1]
	assert.Equal(t, domain.ReasonTTLExpired, offline.Reason)
	assert.False(t, tracker.IsOnline(ctx, "u1"))
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	tracker, rec := newTrackerForTest(t, 120*time.Millisecond)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "u1")
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		tracker.Heartbeat(ctx, "u1")
		time.Sleep(40 * time.Millisecond)
	}

	assert.True(t, tracker.IsOnline(ctx, "u1"), "heartbeats must keep the user online")
	assert.Zero(t, rec.count("u1", false), "no offline event while heartbeats keep arriving")
	assert.Equal(t, 1, rec.count("u1", true), "refreshes must not re-emit the online event")
}

func TestHeartbeatAfterExpiryReEntersOnline(t *testing.T) {
	tracker, rec := newTrackerForTest(t, 40*time.Millisecond)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "u1")
	require.Eventually(t, func() bool {
		return rec.count("u1", false) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A half-open socket kept sending heartbeats after the marker expired;
	// the flapping user must come back online with a fresh event.
	tracker.Heartbeat(ctx, "u1")

	assert.True(t, tracker.IsOnline(ctx, "u1"))
	assert.Equal(t, 2, rec.count("u1", true))
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	tracker, rec := newTrackerForTest(t, time.Minute)
	ctx := context.Background()

	tracker.MarkOffline(ctx, "u1")
	assert.Empty(t, rec.all(), "offline without a marker emits nothing")

	tracker.MarkOnline(ctx, "u1")
	tracker.MarkOffline(ctx, "u1")
	tracker.MarkOffline(ctx, "u1")

	assert.Equal(t, 1, rec.count("u1", false))
	offline := rec.all()[len(rec.all())-1]
	assert.Equal(t, domain.ReasonExplicitDisconnect, offline.Reason)
}

func TestTransitionsAreIsolatedPerUser(t *testing.T) {
	tracker, rec := newTrackerForTest(t, time.Minute)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "alice")
	tracker.MarkOnline(ctx, "bob")
	tracker.MarkOffline(ctx, "alice")

	for _, ev := range rec.all() {
		if ev.UserID == "bob" {
			assert.True(t, ev.BecameOnline, "bob must never be taken offline by alice's transitions")
		}
	}
	assert.True(t, tracker.IsOnline(ctx, "bob"))
	assert.False(t, tracker.IsOnline(ctx, "alice"))
}

func TestOnlineSubset(t *testing.T) {
	tracker, _ := newTrackerForTest(t, time.Minute)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "a")
	tracker.MarkOnline(ctx, "c")

	online := tracker.OnlineSubset(ctx, []string{"a", "b", "c"})
	assert.Equal(t, map[string]struct{}{"a": {}, "c": {}}, online)

	assert.Empty(t, tracker.OnlineSubset(ctx, nil))
}

func TestAllOnlineUserIDs(t *testing.T) {
	tracker, _ := newTrackerForTest(t, time.Minute)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "a")
	tracker.MarkOnline(ctx, "b")
	tracker.MarkOffline(ctx, "b")

	assert.ElementsMatch(t, []string{"a"}, tracker.AllOnlineUserIDs(ctx))
}

// failingPresenceStore simulates an unreachable shared store.
type failingPresenceStore struct{}

func (failingPresenceStore) SetMarkerIfAbsent(context.Context, string, time.Duration) (bool, error) {
	return false, domain.ErrStoreUnavailable
}

func (failingPresenceStore) RefreshMarker(context.Context, string, time.Duration) (bool, error) {
	return false, domain.ErrStoreUnavailable
}

func (failingPresenceStore) DeleteMarker(context.Context, string) (bool, error) {
	return false, domain.ErrStoreUnavailable
}

func (failingPresenceStore) MarkerExists(context.Context, string) (bool, error) {
	return false, domain.ErrStoreUnavailable
}

func (failingPresenceStore) MarkersExisting(context.Context, []string) (map[string]struct{}, error) {
	return nil, domain.ErrStoreUnavailable
}

func (failingPresenceStore) ScanMarkers(context.Context) ([]string, error) {
	return nil, domain.ErrStoreUnavailable
}

func (failingPresenceStore) WatchExpirations(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (failingPresenceStore) Healthy() bool { return false }

func TestStoreFailureReadsAsOffline(t *testing.T) {
	tracker := NewPresenceTracker(failingPresenceStore{}, time.Minute)
	rec := &eventRecorder{}
	tracker.SubscribeTransitions(rec.record)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "u1")
	tracker.Heartbeat(ctx, "u1")
	tracker.MarkOffline(ctx, "u1")

	assert.Empty(t, rec.all(), "no transition may be invented while the store is down")
	assert.False(t, tracker.IsOnline(ctx, "u1"))
	assert.Empty(t, tracker.OnlineSubset(ctx, []string{"u1"}))
	assert.False(t, tracker.Healthy())
}
