package domain

import (
	"context"
	"time"
)

// TransitionReason explains what triggered a presence transition.
type TransitionReason string

const (
	// ReasonConnected marks the first live connection of an online episode.
	ReasonConnected TransitionReason = "connected"
	// ReasonExplicitDisconnect marks a clean last-connection disconnect.
	ReasonExplicitDisconnect TransitionReason = "explicit-disconnect"
	// ReasonTTLExpired marks an offline transition detected through marker
	// expiry in the shared store (heartbeats stopped arriving).
	ReasonTTLExpired TransitionReason = "ttl-expired"
)

// PresenceEvent is emitted exactly once per online/offline transition.
// It is transient: consumed by the dispatcher, never persisted.
type PresenceEvent struct {
	UserID       string           `json:"user_id"`
	BecameOnline bool             `json:"became_online"`
	Timestamp    time.Time        `json:"timestamp"`
	Reason       TransitionReason `json:"reason"`
}

// InterestResolver is the injected "who cares about this user" policy.
// The surrounding application supplies it at wiring time; the presence
// core never inspects the social or organizational graph itself.
type InterestResolver func(ctx context.Context, userID string) ([]string, error)

// SessionPusher delivers a message to one live transport session.
// Implemented by the transport layer (websocket hub).
type SessionPusher interface {
	PushToSession(sessionID string, message any) error
}
