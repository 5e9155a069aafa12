package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
	"github.com/pilab-dev/presence/internal/metrics"
)

// PresenceTracker is the single source of truth for online/offline. The
// state machine lives entirely in the shared store's marker: present means
// online, absent means offline. Every mutation goes through the store's
// atomic primitives so that concurrent calls for the same user cannot
// double-emit or lose a transition; the tracker itself holds no per-user
// lock.
//
// All three transition triggers (conditional create, delete-and-check,
// store-side expiry) funnel into the one emit function, so exactly one
// event is observed per transition.
type PresenceTracker struct {
	store domain.PresenceStore
	ttl   time.Duration

	mu        sync.RWMutex
	listeners []func(domain.PresenceEvent)
}

// NewPresenceTracker creates a tracker. ttl is the marker lifetime; with
// the recommended 20-25s client heartbeat, ~60s tolerates one or two
// missed beats before declaring offline.
func NewPresenceTracker(store domain.PresenceStore, ttl time.Duration) *PresenceTracker {
	return &PresenceTracker{
		store: store,
		ttl:   ttl,
	}
}

// SubscribeTransitions registers a listener invoked synchronously for every
// transition event this process observes.
func (t *PresenceTracker) SubscribeTransitions(fn func(domain.PresenceEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *PresenceTracker) emit(userID string, online bool, reason domain.TransitionReason) {
	ev := domain.PresenceEvent{
		UserID:       userID,
		BecameOnline: online,
		Timestamp:    time.Now().UTC(),
		Reason:       reason,
	}
	if online {
		metrics.OnlineTransitionsTotal.Inc()
	} else {
		metrics.OfflineTransitionsTotal.Inc()
	}
	log.Debug().
		Str("user_id", userID).
		Bool("online", online).
		Str("reason", string(reason)).
		Msg("Presence transition")

	t.mu.RLock()
	listeners := make([]func(domain.PresenceEvent), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// MarkOnline records that the user gained a connection. Only the call that
// actually creates the marker emits the online event; concurrent callers
// are a no-op.
func (t *PresenceTracker) MarkOnline(ctx context.Context, userID string) {
	created, err := t.store.SetMarkerIfAbsent(ctx, userID, t.ttl)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to set presence marker")
		return
	}
	if created {
		t.emit(userID, true, domain.ReasonConnected)
	}
}

// Heartbeat pushes the marker deadline forward. If the marker had expired
// moments earlier (race with the expiry listener), the store's
// conditional-create re-runs the offline-to-online transition so a
// flapping connection is corrected instead of left silently offline.
func (t *PresenceTracker) Heartbeat(ctx context.Context, userID string) {
	created, err := t.store.RefreshMarker(ctx, userID, t.ttl)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to refresh presence marker")
		return
	}
	if created {
		t.emit(userID, true, domain.ReasonConnected)
	}
}

// MarkOffline records that the user's last connection is gone. Only the
// call that actually deleted the marker emits the offline event.
func (t *PresenceTracker) MarkOffline(ctx context.Context, userID string) {
	existed, err := t.store.DeleteMarker(ctx, userID)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete presence marker")
		return
	}
	if existed {
		t.emit(userID, false, domain.ReasonExplicitDisconnect)
	}
}

// IsOnline reports whether the user's marker is live. Store failure reads
// as offline: "unknown" and "offline" are identical to callers.
func (t *PresenceTracker) IsOnline(ctx context.Context, userID string) bool {
	exists, err := t.store.MarkerExists(ctx, userID)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Warn().Err(err).Str("user_id", userID).Msg("Presence lookup failed, reporting offline")
		return false
	}
	return exists
}

// OnlineSubset returns which of the given users are online, in a single
// pipelined store round trip regardless of len(userIDs). Store failure
// reads as everyone offline.
func (t *PresenceTracker) OnlineSubset(ctx context.Context, userIDs []string) map[string]struct{} {
	if len(userIDs) == 0 {
		return map[string]struct{}{}
	}
	online, err := t.store.MarkersExisting(ctx, userIDs)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Warn().Err(err).Int("count", len(userIDs)).
			Msg("Bulk presence lookup failed, reporting all offline")
		return map[string]struct{}{}
	}
	return online
}

// AllOnlineUserIDs lists every user with a live marker. Administrative and
// monitoring use only; backed by a cursor scan, never a blocking key-space
// operation.
func (t *PresenceTracker) AllOnlineUserIDs(ctx context.Context) []string {
	ids, err := t.store.ScanMarkers(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Warn().Err(err).Msg("Presence scan failed")
		return nil
	}
	return ids
}

// Run owns the store's expiry notification stream for the lifetime of the
// process, turning expired markers into offline transitions through the
// same emission path as explicit disconnects. Blocks until ctx is
// canceled; run it as a dedicated goroutine.
func (t *PresenceTracker) Run(ctx context.Context) error {
	return t.store.WatchExpirations(ctx, func(userID string) {
		metrics.ExpiredMarkersTotal.Inc()
		t.emit(userID, false, domain.ReasonTTLExpired)
	})
}

// Healthy reports whether the expiry subscription is live. Wired into the
// liveness probe: accurate offline detection depends on it.
func (t *PresenceTracker) Healthy() bool {
	return t.store.Healthy()
}
