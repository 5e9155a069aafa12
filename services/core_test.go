package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/presence/cache"
	"github.com/pilab-dev/presence/domain"
)

// recordingPusher collects pushed frames per session.
type recordingPusher struct {
	mu     sync.Mutex
	frames map[string][]any
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{frames: make(map[string][]any)}
}

func (p *recordingPusher) PushToSession(sessionID string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[sessionID] = append(p.frames[sessionID], message)
	return nil
}

func (p *recordingPusher) framesFor(sessionID string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.frames[sessionID]...)
}

func newCoreFixture(t *testing.T, resolve domain.InterestResolver) (*Core, *eventRecorder, *recordingPusher) {
	t.Helper()
	store := cache.NewMemoryPresenceStore()
	t.Cleanup(store.Close)

	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), time.Minute)
	tracker := NewPresenceTracker(store, time.Minute)
	pusher := newRecordingPusher()
	dispatcher := NewNotificationDispatcher(registry, tracker, resolve, pusher)
	tracker.SubscribeTransitions(dispatcher.HandleTransition)

	rec := &eventRecorder{}
	tracker.SubscribeTransitions(rec.record)

	return NewCore(registry, tracker, dispatcher, resolve), rec, pusher
}

func emptyResolver(context.Context, string) ([]string, error) { return nil, nil }

// Full connect/disconnect lifecycle across two devices of one user.
func TestCoreMultiDeviceLifecycle(t *testing.T) {
	core, rec, _ := newCoreFixture(t, emptyResolver)
	ctx := context.Background()

	core.OnConnect(ctx, testConn("s1", "u1", "phone"))
	assert.True(t, core.IsOnline(ctx, "u1"))
	require.Equal(t, 1, rec.count("u1", true))
	require.Equal(t, domain.ReasonConnected, rec.all()[0].Reason)

	core.OnConnect(ctx, testConn("s2", "u1", "laptop"))
	assert.Equal(t, 1, rec.count("u1", true), "second device must not re-emit the online event")

	core.OnDisconnect(ctx, "s1")
	assert.True(t, core.IsOnline(ctx, "u1"), "one session remains, user stays online")
	assert.Zero(t, rec.count("u1", false))

	core.OnDisconnect(ctx, "s2")
	assert.False(t, core.IsOnline(ctx, "u1"))
	require.Equal(t, 1, rec.count("u1", false))
	last := rec.all()[len(rec.all())-1]
	assert.Equal(t, domain.ReasonExplicitDisconnect, last.Reason)
}

func TestCoreDisconnectUnknownSession(t *testing.T) {
	core, rec, _ := newCoreFixture(t, emptyResolver)

	core.OnDisconnect(context.Background(), "never-registered")

	assert.Empty(t, rec.all())
}

func TestCoreHeartbeatKeepsUserOnline(t *testing.T) {
	core, rec, _ := newCoreFixture(t, emptyResolver)
	ctx := context.Background()

	core.OnConnect(ctx, testConn("s1", "u1", "phone"))
	core.OnHeartbeat(ctx, "u1")
	core.OnHeartbeat(ctx, "u1")

	assert.True(t, core.IsOnline(ctx, "u1"))
	assert.Equal(t, 1, rec.count("u1", true))
}

func TestCoreBootstrapSnapshot(t *testing.T) {
	// The connecting user cares about u-friend.
	resolve := func(_ context.Context, userID string) ([]string, error) {
		return []string{"u-friend"}, nil
	}
	core, _, pusher := newCoreFixture(t, resolve)
	ctx := context.Background()

	// u-friend is already online when u1 connects.
	core.OnConnect(ctx, testConn("sf", "u-friend", "phone"))
	core.OnConnect(ctx, testConn("s1", "u1", "phone"))

	var snapshot *domain.SnapshotMessage
	for _, frame := range pusher.framesFor("s1") {
		if msg, ok := frame.(domain.SnapshotMessage); ok {
			snapshot = &msg
			break
		}
	}
	require.NotNil(t, snapshot, "new session must receive a bootstrap snapshot")
	assert.Equal(t, []string{"u-friend"}, snapshot.Online)
}

func TestCoreDispatchesTransitionsToInterestedParties(t *testing.T) {
	// Everyone is interested in u-watched.
	resolve := func(_ context.Context, userID string) ([]string, error) {
		return []string{"u-watcher"}, nil
	}
	core, _, pusher := newCoreFixture(t, resolve)
	ctx := context.Background()

	core.OnConnect(ctx, testConn("sw", "u-watcher", "phone"))
	core.OnConnect(ctx, testConn("s1", "u-watched", "phone"))
	core.OnDisconnect(ctx, "s1")

	var got []domain.PresenceMessage
	for _, frame := range pusher.framesFor("sw") {
		if msg, ok := frame.(domain.PresenceMessage); ok && msg.UserID == "u-watched" {
			got = append(got, msg)
		}
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].Online)
	assert.False(t, got[1].Online)
	assert.Equal(t, domain.ReasonExplicitDisconnect, got[1].Reason)
}

func TestCoreRoleSwitch(t *testing.T) {
	core, rec, _ := newCoreFixture(t, emptyResolver)
	ctx := context.Background()

	core.OnConnect(ctx, testConn("s1", "u1", "phone"))
	core.OnRoleSwitch(ctx, "s1", "tenant-b")

	conns := core.registry.ConnectionsForUser(ctx, "u1")
	require.Len(t, conns, 1, "role switch replaces the connection, it does not add one")
	assert.Equal(t, "tenant-b", conns[0].RoleContextID)
	assert.Equal(t, 1, rec.count("u1", true), "role switch is not a presence transition")
}

func TestCoreOnlineSubsetAndScan(t *testing.T) {
	core, _, _ := newCoreFixture(t, emptyResolver)
	ctx := context.Background()

	core.OnConnect(ctx, testConn("s1", "a", "phone"))
	core.OnConnect(ctx, testConn("s2", "c", "phone"))

	assert.Equal(t, map[string]struct{}{"a": {}, "c": {}}, core.OnlineSubset(ctx, []string{"a", "b", "c"}))
	assert.ElementsMatch(t, []string{"a", "c"}, core.AllOnlineUserIDs(ctx))
	assert.True(t, core.Healthy())
}
