package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
)

// Core wires the transport entry points (connect, disconnect, heartbeat)
// to the registry, tracker and dispatcher. It is the only surface the
// transport layer talks to, and it is transport-agnostic so the whole
// connect/disconnect flow is testable without sockets.
//
// Nothing here ever returns an error to the transport: presence
// inaccuracy is an acceptable degraded mode, dropping the client's
// connection is not.
type Core struct {
	registry   *ConnectionRegistry
	tracker    *PresenceTracker
	dispatcher *NotificationDispatcher
	resolve    domain.InterestResolver
}

// NewCore assembles the presence core. resolve is the same interest policy
// the dispatcher uses; the core needs it to pick the audience of a new
// session's bootstrap snapshot.
func NewCore(
	registry *ConnectionRegistry,
	tracker *PresenceTracker,
	dispatcher *NotificationDispatcher,
	resolve domain.InterestResolver,
) *Core {
	return &Core{
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		resolve:    resolve,
	}
}

// OnConnect handles a successfully authenticated transport session:
// register it, mark the user online (first connection of an episode emits
// the event), and send the session its bootstrap snapshot.
func (c *Core) OnConnect(ctx context.Context, conn *domain.Connection) {
	c.registry.Register(ctx, conn)
	c.tracker.MarkOnline(ctx, conn.UserID)

	parties, err := c.resolve(ctx, conn.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", conn.UserID).
			Msg("Interest resolution failed, skipping bootstrap snapshot")
		return
	}
	if len(parties) > 0 {
		c.dispatcher.SendSnapshot(ctx, conn.SessionID, parties)
	}
}

// OnDisconnect handles a closed transport session, clean or detected-stale.
// The user goes offline only when this was their last live session
// anywhere in the cluster.
func (c *Core) OnDisconnect(ctx context.Context, sessionID string) {
	conn, err := c.registry.Unregister(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			log.Debug().Str("session_id", sessionID).Msg("Disconnect for unknown session")
		} else {
			log.Error().Err(err).Str("session_id", sessionID).
				Msg("Failed to unregister session, presence left to TTL self-heal")
		}
		return
	}
	if !c.registry.HasAnyConnection(ctx, conn.UserID) {
		c.tracker.MarkOffline(ctx, conn.UserID)
	}
}

// OnHeartbeat refreshes the user's presence marker and the TTL safety net
// of their session records.
func (c *Core) OnHeartbeat(ctx context.Context, userID string) {
	c.tracker.Heartbeat(ctx, userID)
	c.registry.Touch(ctx, userID)
}

// OnRoleSwitch replaces a session's role context: a logically new
// connection under the same session ID, with fresh metadata.
func (c *Core) OnRoleSwitch(ctx context.Context, sessionID, roleContextID string) {
	conn, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Role switch for unknown session")
		return
	}
	conn.RoleContextID = roleContextID
	conn.ConnectedAt = time.Now().UTC()
	c.registry.Register(ctx, conn)
}

// IsOnline exposes the tracker's single-user check to the surrounding
// application.
func (c *Core) IsOnline(ctx context.Context, userID string) bool {
	return c.tracker.IsOnline(ctx, userID)
}

// OnlineSubset exposes the tracker's pipelined bulk check.
func (c *Core) OnlineSubset(ctx context.Context, userIDs []string) map[string]struct{} {
	return c.tracker.OnlineSubset(ctx, userIDs)
}

// AllOnlineUserIDs exposes the tracker's administrative scan.
func (c *Core) AllOnlineUserIDs(ctx context.Context) []string {
	return c.tracker.AllOnlineUserIDs(ctx)
}

// Healthy reports whether the tracker's expiry subscription is live.
func (c *Core) Healthy() bool {
	return c.tracker.Healthy()
}
