package domain

import "time"

// Connection represents one live transport session between a client and a
// server process. It is owned by the connection registry for its lifetime;
// the transport layer keeps only the SessionID it needs to push messages.
type Connection struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id"`
	RoleContextID string    `json:"role_context_id"` // tenant/role this session authenticated as
	UserAgent     string    `json:"user_agent,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}
