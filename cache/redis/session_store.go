package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
)

// SessionStore implements domain.SessionStore on Redis: one hash per
// session plus one set per user and per (user, device) mapping to session
// IDs. Every key carries the session TTL as a safety net against entries
// leaked by processes that crashed before unregistering; index members
// whose hash has expired are reconciled away lazily on read.
type SessionStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewSessionStore creates a new [SessionStore] instance.
func NewSessionStore(client *redis.Client, prefix string, timeout time.Duration) *SessionStore {
	return &SessionStore{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
	}
}

func (s *SessionStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *SessionStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *SessionStore) devKey(userID, deviceID string) string {
	return fmt.Sprintf("%s:device:%s:%s", s.prefix, userID, deviceID)
}

func (s *SessionStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SessionStore) Save(ctx context.Context, conn *domain.Connection, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sessKey := s.sessionKey(conn.SessionID)
	existed, err := s.client.Exists(ctx, sessKey).Result()
	if err != nil {
		return false, storeErr("exists session", err)
	}

	entry := map[string]interface{}{
		"user_id":         conn.UserID,
		"device_id":       conn.DeviceID,
		"role_context_id": conn.RoleContextID,
		"user_agent":      conn.UserAgent,
		"ip_address":      conn.IPAddress,
		"connected_at":    conn.ConnectedAt.Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessKey, entry)
	pipe.Expire(ctx, sessKey, ttl)
	pipe.SAdd(ctx, s.userKey(conn.UserID), conn.SessionID)
	pipe.Expire(ctx, s.userKey(conn.UserID), ttl)
	pipe.SAdd(ctx, s.devKey(conn.UserID, conn.DeviceID), conn.SessionID)
	pipe.Expire(ctx, s.devKey(conn.UserID, conn.DeviceID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, storeErr("save session", err)
	}
	return existed > 0, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.Connection, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.hydrate(ctx, sessionID)
}

func (s *SessionStore) Remove(ctx context.Context, sessionID string) (*domain.Connection, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	conn, err := s.hydrate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.SRem(ctx, s.userKey(conn.UserID), sessionID)
	pipe.SRem(ctx, s.devKey(conn.UserID, conn.DeviceID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("remove session", err)
	}
	return conn, nil
}

func (s *SessionStore) SessionsForUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.collect(ctx, s.userKey(userID))
}

func (s *SessionStore) SessionsForDevice(ctx context.Context, userID, deviceID string) ([]domain.Connection, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.collect(ctx, s.devKey(userID, deviceID))
}

func (s *SessionStore) SessionIDsForUser(ctx context.Context, userID string) ([]string, error) {
	conns, err := s.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.SessionID)
	}
	return ids, nil
}

// Touch pushes the TTLs of a user's session records and indexes forward,
// typically on heartbeat, so live sessions never age out of the safety net.
func (s *SessionStore) Touch(ctx context.Context, userID string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	conns, err := s.collect(ctx, s.userKey(userID))
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.userKey(userID), ttl)
	for _, conn := range conns {
		pipe.Expire(ctx, s.sessionKey(conn.SessionID), ttl)
		pipe.Expire(ctx, s.devKey(userID, conn.DeviceID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("touch sessions", err)
	}
	return nil
}

// collect hydrates the live sessions behind an index set, removing members
// whose underlying record expired.
func (s *SessionStore) collect(ctx context.Context, indexKey string) ([]domain.Connection, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, storeErr("smembers session index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("pipelined hgetall sessions", err)
	}

	var (
		conns    []domain.Connection
		orphaned []interface{}
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Record expired under the index entry; reconcile.
			orphaned = append(orphaned, ids[i])
			continue
		}
		conns = append(conns, connFromFields(ids[i], fields))
	}

	if len(orphaned) > 0 {
		if err := s.client.SRem(ctx, indexKey, orphaned...).Err(); err != nil {
			log.Warn().Err(err).Str("index", indexKey).
				Msg("Failed to reconcile orphaned session index members")
		}
	}
	return conns, nil
}

func (s *SessionStore) hydrate(ctx context.Context, sessionID string) (*domain.Connection, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, storeErr("hgetall session", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	conn := connFromFields(sessionID, fields)
	return &conn, nil
}

func connFromFields(sessionID string, fields map[string]string) domain.Connection {
	connectedAt, err := strconv.ParseInt(fields["connected_at"], 10, 64)
	if err != nil {
		connectedAt = 0
	}
	return domain.Connection{
		SessionID:     sessionID,
		UserID:        fields["user_id"],
		DeviceID:      fields["device_id"],
		RoleContextID: fields["role_context_id"],
		UserAgent:     fields["user_agent"],
		IPAddress:     fields["ip_address"],
		ConnectedAt:   time.Unix(connectedAt, 0),
	}
}

var _ domain.SessionStore = (*SessionStore)(nil)
