package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session ID has no live record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps transient shared-store failures (timeout,
	// dropped connection). Callers treat it as "presence unknown".
	ErrStoreUnavailable = errors.New("presence store unavailable")
)

// PresenceStore is the shared TTL-keyed marker store behind the presence
// tracker. A marker's existence is the sole source of truth for "online";
// there is no separate offline flag. All mutating operations are atomic so
// that concurrent callers for the same user cannot double-observe a
// transition.
type PresenceStore interface {
	// SetMarkerIfAbsent creates the marker with the given TTL only when it
	// does not exist. It reports whether this call created it.
	SetMarkerIfAbsent(ctx context.Context, userID string, ttl time.Duration) (created bool, err error)

	// RefreshMarker pushes the marker's deadline forward. If the marker had
	// already expired it is re-created through the same conditional-create
	// primitive, and created reports true so the caller can re-run the
	// offline-to-online transition.
	RefreshMarker(ctx context.Context, userID string, ttl time.Duration) (created bool, err error)

	// DeleteMarker removes the marker and reports whether it existed.
	DeleteMarker(ctx context.Context, userID string) (existed bool, err error)

	// MarkerExists reports whether the marker is currently live.
	MarkerExists(ctx context.Context, userID string) (bool, error)

	// MarkersExisting checks many markers in a single store round trip.
	MarkersExisting(ctx context.Context, userIDs []string) (map[string]struct{}, error)

	// ScanMarkers iterates every live marker without blocking the store's
	// whole key space. Administrative use only.
	ScanMarkers(ctx context.Context) ([]string, error)

	// WatchExpirations blocks, invoking onExpired with the user ID of every
	// marker the store drops on its own, until ctx is canceled. The
	// implementation resubscribes with backoff when the notification
	// channel is lost.
	WatchExpirations(ctx context.Context, onExpired func(userID string)) error

	// Healthy reports whether the expiry notification subscription is live.
	Healthy() bool
}

// SessionStore is the shared store behind the connection registry. Session
// records and their per-user / per-device indexes carry a safety-net TTL so
// entries leaked by a crashed process age out on their own.
type SessionStore interface {
	// Save writes the session record and index memberships, refreshing
	// their TTLs. Saving an already-present session ID overwrites its
	// metadata and reports replaced=true.
	Save(ctx context.Context, conn *Connection, ttl time.Duration) (replaced bool, err error)

	// Get returns the live record for a session ID, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Connection, error)

	// Remove deletes the record and its index memberships, returning the
	// removed connection, or ErrSessionNotFound.
	Remove(ctx context.Context, sessionID string) (*Connection, error)

	// SessionsForUser returns every live connection of a user. Index
	// members whose underlying record expired are reconciled away lazily.
	SessionsForUser(ctx context.Context, userID string) ([]Connection, error)

	// SessionsForDevice returns the live connections of one device.
	SessionsForDevice(ctx context.Context, userID, deviceID string) ([]Connection, error)

	// SessionIDsForUser returns the live session handles of a user.
	SessionIDsForUser(ctx context.Context, userID string) ([]string, error)

	// Touch refreshes the TTLs of a user's session records and indexes,
	// healing entries that were about to age out while still live.
	Touch(ctx context.Context, userID string, ttl time.Duration) error
}
