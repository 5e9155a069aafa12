package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/presence/domain"
	"github.com/pilab-dev/presence/internal/metrics"
	"github.com/pilab-dev/presence/services"
)

// Authenticator resolves an already-authorized handshake into the identity
// the presence core trusts. Supplied by the surrounding auth layer; this
// package does no credential checking itself.
type Authenticator func(r *http.Request) (userID, deviceID, roleContextID string, err error)

// ErrNoSuchSession is returned by PushToSession when the session does not
// live on this process.
var ErrNoSuchSession = errors.New("no such session on this process")

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
)

// clientFrame is what clients send upstream: heartbeats and role switches.
type clientFrame struct {
	Type          string `json:"type"`
	RoleContextID string `json:"role_context_id,omitempty"`
}

// session is one live websocket with its write pump. Reads happen on the
// handler goroutine, writes only on the pump, so the gorilla connection is
// never written concurrently.
type session struct {
	id   string
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("session_id", s.id).Msg("Websocket write failed")
				s.close()
				return
			}
		}
	}
}

// Hub owns every websocket session on this process, keyed by session ID,
// and implements domain.SessionPusher for the dispatcher. Cross-process
// reachability comes from the shared-store registry, not from the hub.
type Hub struct {
	core     *services.Core
	auth     Authenticator
	readWait time.Duration
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates a hub. heartbeatInterval is the client-facing contract;
// the read deadline tolerates two missed beats before the socket is
// declared stale. The core is attached with SetCore once assembled: the
// hub doubles as the dispatcher's pusher, so it must exist before the
// core does.
func NewHub(auth Authenticator, heartbeatInterval time.Duration) *Hub {
	return &Hub{
		auth:     auth,
		readWait: 3 * heartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*session),
	}
}

// SetCore attaches the presence core. Must be called before the hub
// serves its first websocket.
func (h *Hub) SetCore(core *services.Core) {
	h.core = core
}

// PushToSession delivers a message to one live session on this process.
// A full send buffer drops the message: presence frames are transient and
// superseded by the next state.
func (h *Hub) PushToSession(sessionID string, message any) error {
	h.mu.RLock()
	sess, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSuchSession
	}
	select {
	case sess.send <- message:
		return nil
	case <-sess.done:
		return ErrNoSuchSession
	default:
		return fmt.Errorf("session %s send buffer full", sessionID)
	}
}

// LocalSessionCount reports the number of live sessions on this process.
func (h *Hub) LocalSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWS upgrades an authenticated request into a tracked websocket
// session and blocks reading client frames until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, roleContextID, err := h.auth(r)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan any, sendBufferSize),
		done: make(chan struct{}),
	}
	h.add(sess)
	go sess.writePump()

	conn := &domain.Connection{
		SessionID:     sess.id,
		UserID:        userID,
		DeviceID:      deviceID,
		RoleContextID: roleContextID,
		UserAgent:     r.UserAgent(),
		IPAddress:     r.RemoteAddr,
		ConnectedAt:   time.Now().UTC(),
	}
	h.core.OnConnect(r.Context(), conn)

	h.readPump(r.Context(), sess, userID)

	h.remove(sess.id)
	sess.close()
	// The request context is gone once the socket closes; the disconnect
	// path gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.core.OnDisconnect(ctx, sess.id)
}

func (h *Hub) readPump(ctx context.Context, sess *session, userID string) {
	sess.ws.SetReadLimit(1024)
	sess.ws.SetReadDeadline(time.Now().Add(h.readWait))
	for {
		var frame clientFrame
		if err := sess.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sess.id).Msg("Websocket read failed")
			}
			return
		}
		sess.ws.SetReadDeadline(time.Now().Add(h.readWait))

		switch frame.Type {
		case "heartbeat":
			h.core.OnHeartbeat(ctx, userID)
		case "role_switch":
			h.core.OnRoleSwitch(ctx, sess.id, frame.RoleContextID)
		default:
			log.Debug().Str("type", frame.Type).Str("session_id", sess.id).
				Msg("Ignoring unknown client frame")
		}
	}
}

func (h *Hub) add(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	metrics.LocalConnectionsGauge.Inc()
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if ok {
		metrics.LocalConnectionsGauge.Dec()
	}
}

// Shutdown closes every live session, typically on process termination.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
		metrics.LocalConnectionsGauge.Dec()
	}
}

var _ domain.SessionPusher = (*Hub)(nil)
