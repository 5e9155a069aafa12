package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
	"github.com/pilab-dev/presence/internal/metrics"
)

// PresenceStore implements domain.PresenceStore on Redis. A marker is a
// plain string key with a TTL; its existence is the whole record. Offline
// detection without heartbeats relies on Redis keyspace notifications for
// expired keys, so the server must run with notify-keyspace-events
// including "Ex" (EnableKeyEvents attempts to set it).
type PresenceStore struct {
	client  *redis.Client
	prefix  string
	db      int
	timeout time.Duration
	healthy atomic.Bool
}

// NewPresenceStore creates a new [PresenceStore]. The db argument must match
// the database of the client's options; it selects the keyevent channel to
// subscribe to.
func NewPresenceStore(client *redis.Client, prefix string, db int, timeout time.Duration) *PresenceStore {
	s := &PresenceStore{
		client:  client,
		prefix:  prefix,
		db:      db,
		timeout: timeout,
	}
	s.healthy.Store(true)
	return s
}

// markerKey returns the Redis key for a user's presence marker.
func (s *PresenceStore) markerKey(userID string) string {
	return fmt.Sprintf("%s:online:%s", s.prefix, userID)
}

// opCtx bounds a single store round trip. Timeouts are treated as failure
// by the caller, never retried synchronously.
func (s *PresenceStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// storeErr tags a transient Redis failure so callers can match
// domain.ErrStoreUnavailable with errors.Is.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrStoreUnavailable)
}

// EnableKeyEvents asks Redis to publish expired-key events. Managed Redis
// offerings often forbid CONFIG SET; the caller logs and continues, the
// operator then has to configure notify-keyspace-events out of band.
func (s *PresenceStore) EnableKeyEvents(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return storeErr("config set notify-keyspace-events", err)
	}
	return nil
}

func (s *PresenceStore) SetMarkerIfAbsent(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	created, err := s.client.SetNX(ctx, s.markerKey(userID), "1", ttl).Result()
	if err != nil {
		return false, storeErr("setnx presence marker", err)
	}
	return created, nil
}

// RefreshMarker extends the marker's TTL. When the marker has already
// expired the refresh falls back to the conditional create, so the
// expiry/heartbeat race cannot produce two winners for the same
// offline-to-online transition.
func (s *PresenceStore) RefreshMarker(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	key := s.markerKey(userID)
	for attempt := 0; attempt < 2; attempt++ {
		refreshed, err := s.client.Expire(ctx, key, ttl).Result()
		if err != nil {
			return false, storeErr("expire presence marker", err)
		}
		if refreshed {
			return false, nil
		}
		created, err := s.client.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			return false, storeErr("setnx presence marker", err)
		}
		if created {
			return true, nil
		}
		// Another process created the marker between EXPIRE and SETNX;
		// fall through and push the deadline once more.
	}
	return false, nil
}

func (s *PresenceStore) DeleteMarker(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	deleted, err := s.client.Del(ctx, s.markerKey(userID)).Result()
	if err != nil {
		return false, storeErr("del presence marker", err)
	}
	return deleted > 0, nil
}

func (s *PresenceStore) MarkerExists(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, s.markerKey(userID)).Result()
	if err != nil {
		return false, storeErr("exists presence marker", err)
	}
	return n > 0, nil
}

// MarkersExisting checks all markers in one pipelined round trip.
func (s *PresenceStore) MarkersExisting(ctx context.Context, userIDs []string) (map[string]struct{}, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.Exists(ctx, s.markerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("pipelined exists", err)
	}

	online := make(map[string]struct{}, len(userIDs))
	for id, cmd := range cmds {
		if cmd.Val() > 0 {
			online[id] = struct{}{}
		}
	}
	return online, nil
}

// ScanMarkers walks the marker key space with a cursor so it never blocks
// Redis the way KEYS would.
func (s *PresenceStore) ScanMarkers(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pattern := s.markerKey("*")
	keyPrefix := s.markerKey("")
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, storeErr("scan presence markers", err)
		}
		for _, key := range keys {
			if id, ok := strings.CutPrefix(key, keyPrefix); ok {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// WatchExpirations subscribes to the expired-keyevent channel and invokes
// onExpired for every presence marker Redis drops. The subscription is
// rebuilt with exponential backoff when lost; Healthy reports false while
// it is down so the liveness probe can surface the degradation.
func (s *PresenceStore) WatchExpirations(ctx context.Context, onExpired func(userID string)) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", s.db)
	backoff := time.Second
	for {
		err := s.watchOnce(ctx, channel, onExpired)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.healthy.Store(false)
		metrics.SubscriptionReconnectsTotal.Inc()
		log.Warn().Err(err).Dur("backoff", backoff).
			Msg("Expiry subscription lost, resubscribing")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *PresenceStore) watchOnce(ctx context.Context, channel string, onExpired func(userID string)) error {
	pubsub := s.client.PSubscribe(ctx, channel)
	defer pubsub.Close()

	// Confirm the subscription before reporting healthy.
	if _, err := pubsub.Receive(ctx); err != nil {
		return storeErr("psubscribe expired keyevents", err)
	}
	s.healthy.Store(true)
	log.Info().Str("channel", channel).Msg("Subscribed to marker expiry events")

	keyPrefix := s.markerKey("")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("expiry subscription channel closed: %w", domain.ErrStoreUnavailable)
			}
			// The channel carries every expired key in the database;
			// only presence markers are ours to act on.
			if userID, ok := strings.CutPrefix(msg.Payload, keyPrefix); ok {
				onExpired(userID)
			}
		}
	}
}

func (s *PresenceStore) Healthy() bool {
	return s.healthy.Load()
}

var _ domain.PresenceStore = (*PresenceStore)(nil)
