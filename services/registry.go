package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
	"github.com/pilab-dev/presence/internal/metrics"
)

// ConnectionRegistry maintains the cluster-wide set of live transport
// sessions per user and per device. It is pure bookkeeping: registering a
// session never decides presence, that is the caller's job.
//
// Store failures never propagate in a way that could drop a transport
// session: writes are logged and absorbed, reads degrade to "no sessions".
// The next heartbeat re-touches the records and self-heals.
type ConnectionRegistry struct {
	store      domain.SessionStore
	sessionTTL time.Duration
}

// NewConnectionRegistry creates a registry over the given shared store.
// sessionTTL is the safety-net lifetime of session records and indexes;
// it is refreshed on every heartbeat and should comfortably exceed the
// heartbeat interval.
func NewConnectionRegistry(store domain.SessionStore, sessionTTL time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		store:      store,
		sessionTTL: sessionTTL,
	}
}

// Register adds a connection. Re-registering a live session ID is not an
// error: the metadata is overwritten, which also serves session migration
// on role switch.
func (r *ConnectionRegistry) Register(ctx context.Context, conn *domain.Connection) {
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now().UTC()
	}
	replaced, err := r.store.Save(ctx, conn, r.sessionTTL)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).
			Str("session_id", conn.SessionID).
			Str("user_id", conn.UserID).
			Msg("Failed to register connection, continuing without tracking")
		return
	}
	if replaced {
		// Usually a client reconnect race or a role switch.
		log.Debug().
			Str("session_id", conn.SessionID).
			Str("user_id", conn.UserID).
			Msg("Duplicate session registration, metadata overwritten")
	}
	metrics.ConnectionsRegisteredTotal.Inc()
}

// Unregister removes a connection and returns it so the caller can decide
// whether it was the user's last session. Returns
// domain.ErrSessionNotFound for unknown session IDs.
func (r *ConnectionRegistry) Unregister(ctx context.Context, sessionID string) (*domain.Connection, error) {
	conn, err := r.store.Remove(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	metrics.ConnectionsUnregisteredTotal.Inc()
	return conn, nil
}

// Get returns the live connection for a session ID.
func (r *ConnectionRegistry) Get(ctx context.Context, sessionID string) (*domain.Connection, error) {
	return r.store.Get(ctx, sessionID)
}

// HasAnyConnection reports whether the user has at least one live session
// anywhere in the cluster. Degrades to false on store failure.
func (r *ConnectionRegistry) HasAnyConnection(ctx context.Context, userID string) bool {
	return len(r.ConnectionsForUser(ctx, userID)) > 0
}

// ConnectionsForUser returns every live connection of a user.
func (r *ConnectionRegistry) ConnectionsForUser(ctx context.Context, userID string) []domain.Connection {
	conns, err := r.store.SessionsForUser(ctx, userID)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list user connections")
		return nil
	}
	return conns
}

// ConnectionsForDevice returns the live connections of one device
// (multi-tab: zero or more).
func (r *ConnectionRegistry) ConnectionsForDevice(ctx context.Context, userID, deviceID string) []domain.Connection {
	conns, err := r.store.SessionsForDevice(ctx, userID, deviceID)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Str("device_id", deviceID).
			Msg("Failed to list device connections")
		return nil
	}
	return conns
}

// AllSessionIDsForUser returns the live session handles used to physically
// deliver a push to a user.
func (r *ConnectionRegistry) AllSessionIDsForUser(ctx context.Context, userID string) []string {
	ids, err := r.store.SessionIDsForUser(ctx, userID)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list user session IDs")
		return nil
	}
	return ids
}

// Touch refreshes the TTL safety net of a user's session records, typically
// on heartbeat.
func (r *ConnectionRegistry) Touch(ctx context.Context, userID string) {
	if err := r.store.Touch(ctx, userID, r.sessionTTL); err != nil {
		metrics.StoreErrorsTotal.Inc()
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to touch session records")
	}
}
