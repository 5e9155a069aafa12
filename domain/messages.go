package domain

import "time"

// Message type discriminators for frames pushed to live sessions.
const (
	MessageTypePresence = "presence"
	MessageTypeSnapshot = "presence_snapshot"
)

// PresenceMessage is the per-transition frame pushed to interested parties.
type PresenceMessage struct {
	Type      string           `json:"type"`
	UserID    string           `json:"user_id"`
	Online    bool             `json:"online"`
	Reason    TransitionReason `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewPresenceMessage builds the push frame for a transition event.
func NewPresenceMessage(ev PresenceEvent) PresenceMessage {
	return PresenceMessage{
		Type:      MessageTypePresence,
		UserID:    ev.UserID,
		Online:    ev.BecameOnline,
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}
}

// SnapshotMessage is the one-shot bootstrap frame a freshly connected
// session receives: which of the users it cares about are online right now.
type SnapshotMessage struct {
	Type      string    `json:"type"`
	Online    []string  `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}
