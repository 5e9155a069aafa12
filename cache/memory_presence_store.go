package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pilab-dev/presence/domain"
)

// MemoryPresenceStore keeps presence markers in a process-local TTL cache.
// It backs single-node deployments and tests; clustered deployments use the
// Redis store, which has the same semantics. The cache's eviction callback
// stands in for the store-side expired-key notification.
type MemoryPresenceStore struct {
	mu      sync.Mutex
	markers *ttlcache.Cache[string, time.Time]
}

// NewMemoryPresenceStore creates a started [MemoryPresenceStore]. Call Close
// to stop its expiry janitor.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	markers := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go markers.Start()
	return &MemoryPresenceStore{markers: markers}
}

// Close stops the cache's expiry janitor.
func (s *MemoryPresenceStore) Close() {
	s.markers.Stop()
}

// live reports marker existence respecting expiry, not just eviction.
// Must be called with s.mu held.
func (s *MemoryPresenceStore) live(userID string) bool {
	return s.markers.Get(userID) != nil
}

// SetMarkerIfAbsent creates the marker only when no live marker exists.
func (s *MemoryPresenceStore) SetMarkerIfAbsent(_ context.Context, userID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(userID) {
		return false, nil
	}
	s.markers.Set(userID, time.Now(), ttl)
	return true, nil
}

// RefreshMarker pushes the deadline forward, re-creating an expired marker.
func (s *MemoryPresenceStore) RefreshMarker(_ context.Context, userID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := s.live(userID)
	s.markers.Set(userID, time.Now(), ttl)
	return !existed, nil
}

// DeleteMarker removes the marker and reports whether it was live.
func (s *MemoryPresenceStore) DeleteMarker(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live(userID) {
		return false, nil
	}
	s.markers.Delete(userID)
	return true, nil
}

func (s *MemoryPresenceStore) MarkerExists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(userID), nil
}

func (s *MemoryPresenceStore) MarkersExisting(_ context.Context, userIDs []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if s.live(id) {
			online[id] = struct{}{}
		}
	}
	return online, nil
}

func (s *MemoryPresenceStore) ScanMarkers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, key := range s.markers.Keys() {
		if s.live(key) {
			ids = append(ids, key)
		}
	}
	return ids, nil
}

// WatchExpirations delivers expired marker keys until ctx is canceled.
// Explicit deletions are filtered out: only the cache's own expiry counts,
// matching the Redis expired-keyevent channel.
func (s *MemoryPresenceStore) WatchExpirations(ctx context.Context, onExpired func(userID string)) error {
	unsubscribe := s.markers.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, time.Time]) {
		if reason == ttlcache.EvictionReasonExpired {
			onExpired(item.Key())
		}
	})
	<-ctx.Done()
	unsubscribe()
	return ctx.Err()
}

// Healthy always reports true: the in-process janitor cannot lose its
// subscription.
func (s *MemoryPresenceStore) Healthy() bool { return true }

var _ domain.PresenceStore = (*MemoryPresenceStore)(nil)
