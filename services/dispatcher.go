package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
	"github.com/pilab-dev/presence/internal/metrics"
)

// NotificationDispatcher turns presence transition events into targeted
// pushes. The audience comes from the injected domain.InterestResolver;
// delivery goes through the transport's per-session push primitive, looked
// up via the connection registry.
//
// Delivery is best effort and eventually consistent: a party with no live
// session is skipped (no queuing, no retry) and re-bootstraps through the
// snapshot on its next connect.
type NotificationDispatcher struct {
	registry *ConnectionRegistry
	tracker  *PresenceTracker
	resolve  domain.InterestResolver
	pusher   domain.SessionPusher
}

// NewNotificationDispatcher creates a dispatcher. Wire it to the tracker
// with tracker.SubscribeTransitions(dispatcher.HandleTransition).
func NewNotificationDispatcher(
	registry *ConnectionRegistry,
	tracker *PresenceTracker,
	resolve domain.InterestResolver,
	pusher domain.SessionPusher,
) *NotificationDispatcher {
	return &NotificationDispatcher{
		registry: registry,
		tracker:  tracker,
		resolve:  resolve,
		pusher:   pusher,
	}
}

// HandleTransition adapts Dispatch to the tracker's listener signature.
// Transition callbacks carry no context; dispatch gets its own deadline so
// a slow fan-out cannot stall the emitting path.
func (d *NotificationDispatcher) HandleTransition(ev domain.PresenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Dispatch(ctx, ev)
}

// Dispatch resolves the interested parties for the event's user and pushes
// the presence frame to each of their live sessions.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, ev domain.PresenceEvent) {
	parties, err := d.resolve(ctx, ev.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", ev.UserID).
			Msg("Interest resolution failed, dropping presence event")
		return
	}

	msg := domain.NewPresenceMessage(ev)
	for _, party := range parties {
		sessionIDs := d.registry.AllSessionIDsForUser(ctx, party)
		if len(sessionIDs) == 0 {
			// Party is not reachable right now; the event is superseded
			// by their next bootstrap snapshot.
			metrics.NotificationsDroppedTotal.Inc()
			continue
		}
		for _, sessionID := range sessionIDs {
			if err := d.pusher.PushToSession(sessionID, msg); err != nil {
				metrics.NotificationsDroppedTotal.Inc()
				log.Debug().Err(err).
					Str("session_id", sessionID).
					Str("party", party).
					Msg("Presence push failed, dropping")
				continue
			}
			metrics.NotificationsPushedTotal.Inc()
		}
	}
}

// Snapshot answers "which of these users are online right now" for a
// client bootstrapping its presence view, in one store round trip.
func (d *NotificationDispatcher) Snapshot(ctx context.Context, userIDs []string) map[string]struct{} {
	return d.tracker.OnlineSubset(ctx, userIDs)
}

// SendSnapshot pushes the one-shot bootstrap frame to a freshly connected
// session, listing which of the given users are currently online.
func (d *NotificationDispatcher) SendSnapshot(ctx context.Context, sessionID string, userIDs []string) {
	online := d.tracker.OnlineSubset(ctx, userIDs)
	ids := make([]string, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	msg := domain.SnapshotMessage{
		Type:      domain.MessageTypeSnapshot,
		Online:    ids,
		Timestamp: time.Now().UTC(),
	}
	if err := d.pusher.PushToSession(sessionID, msg); err != nil {
		metrics.NotificationsDroppedTotal.Inc()
		log.Debug().Err(err).Str("session_id", sessionID).
			Msg("Snapshot push failed, dropping")
	}
}
