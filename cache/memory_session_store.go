package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pilab-dev/presence/domain"
)

type memorySession struct {
	conn     domain.Connection
	deadline time.Time
}

// MemorySessionStore keeps session records and their user/device indexes in
// process-local maps with per-record deadlines. Expired records are dropped
// lazily on read, mirroring the Redis store's TTL safety net.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	byUser   map[string]map[string]struct{}
	byDevice map[string]map[string]struct{}
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*memorySession),
		byUser:   make(map[string]map[string]struct{}),
		byDevice: make(map[string]map[string]struct{}),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "\x00" + deviceID
}

// evictLocked removes a session and its index memberships.
func (s *MemorySessionStore) evictLocked(sessionID string) {
	rec, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if ids, ok := s.byUser[rec.conn.UserID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(s.byUser, rec.conn.UserID)
		}
	}
	dk := deviceKey(rec.conn.UserID, rec.conn.DeviceID)
	if ids, ok := s.byDevice[dk]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(s.byDevice, dk)
		}
	}
}

// liveLocked returns the session record if present and not expired,
// reconciling it away otherwise.
func (s *MemorySessionStore) liveLocked(sessionID string) *memorySession {
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if time.Now().After(rec.deadline) {
		s.evictLocked(sessionID)
		return nil
	}
	return rec
}

func (s *MemorySessionStore) Save(_ context.Context, conn *domain.Connection, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := s.liveLocked(conn.SessionID) != nil
	if replaced {
		// Re-registration may carry new metadata (role switch); drop the
		// old index memberships before re-adding.
		s.evictLocked(conn.SessionID)
	}

	s.sessions[conn.SessionID] = &memorySession{conn: *conn, deadline: time.Now().Add(ttl)}
	if s.byUser[conn.UserID] == nil {
		s.byUser[conn.UserID] = make(map[string]struct{})
	}
	s.byUser[conn.UserID][conn.SessionID] = struct{}{}
	dk := deviceKey(conn.UserID, conn.DeviceID)
	if s.byDevice[dk] == nil {
		s.byDevice[dk] = make(map[string]struct{})
	}
	s.byDevice[dk][conn.SessionID] = struct{}{}
	return replaced, nil
}

func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.liveLocked(sessionID)
	if rec == nil {
		return nil, domain.ErrSessionNotFound
	}
	conn := rec.conn
	return &conn, nil
}

func (s *MemorySessionStore) Remove(_ context.Context, sessionID string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.liveLocked(sessionID)
	if rec == nil {
		return nil, domain.ErrSessionNotFound
	}
	conn := rec.conn
	s.evictLocked(sessionID)
	return &conn, nil
}

func (s *MemorySessionStore) SessionsForUser(_ context.Context, userID string) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(s.byUser[userID]), nil
}

func (s *MemorySessionStore) SessionsForDevice(_ context.Context, userID, deviceID string) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(s.byDevice[deviceKey(userID, deviceID)]), nil
}

func (s *MemorySessionStore) SessionIDsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.collectLocked(s.byUser[userID])
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.SessionID)
	}
	return ids, nil
}

func (s *MemorySessionStore) Touch(_ context.Context, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(ttl)
	for sessionID := range s.byUser[userID] {
		if rec := s.liveLocked(sessionID); rec != nil {
			rec.deadline = deadline
		}
	}
	return nil
}

// collectLocked hydrates the live connections behind an index set. Iterating
// over a snapshot of the IDs keeps reconciliation (which mutates the set)
// safe.
func (s *MemorySessionStore) collectLocked(ids map[string]struct{}) []domain.Connection {
	if len(ids) == 0 {
		return nil
	}
	snapshot := make([]string, 0, len(ids))
	for id := range ids {
		snapshot = append(snapshot, id)
	}
	var conns []domain.Connection
	for _, id := range snapshot {
		if rec := s.liveLocked(id); rec != nil {
			conns = append(conns, rec.conn)
		}
	}
	return conns
}

var _ domain.SessionStore = (*MemorySessionStore)(nil)
