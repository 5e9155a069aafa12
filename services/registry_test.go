package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/presence/cache"
	"github.com/pilab-dev/presence/domain"
)

func testConn(sessionID, userID, deviceID string) *domain.Connection {
	return &domain.Connection{
		SessionID:     sessionID,
		UserID:        userID,
		DeviceID:      deviceID,
		RoleContextID: "tenant-a",
		UserAgent:     "test-agent",
		IPAddress:     "127.0.0.1",
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), time.Minute)
	ctx := context.Background()

	registry.Register(ctx, testConn("s1", "u1", "phone"))
	registry.Register(ctx, testConn("s2", "u1", "laptop"))
	registry.Register(ctx, testConn("s3", "u2", "phone"))

	assert.True(t, registry.HasAnyConnection(ctx, "u1"))
	assert.True(t, registry.HasAnyConnection(ctx, "u2"))
	assert.False(t, registry.HasAnyConnection(ctx, "u3"))

	assert.Len(t, registry.ConnectionsForUser(ctx, "u1"), 2)
	assert.Len(t, registry.ConnectionsForDevice(ctx, "u1", "phone"), 1)
	assert.ElementsMatch(t, []string{"s1", "s2"}, registry.AllSessionIDsForUser(ctx, "u1"))
	assert.ElementsMatch(t, []string{"s3"}, registry.AllSessionIDsForUser(ctx, "u2"))
}

func TestRegistryMultiTab(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), time.Minute)
	ctx := context.Background()

	// Two tabs of the same device are distinct sessions.
	registry.Register(ctx, testConn("tab1", "u1", "laptop"))
	registry.Register(ctx, testConn("tab2", "u1", "laptop"))

	assert.Len(t, registry.ConnectionsForDevice(ctx, "u1", "laptop"), 2)
}

func TestRegistryDuplicateSessionOverwrites(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), time.Minute)
	ctx := context.Background()

	registry.Register(ctx, testConn("s1", "u1", "phone"))

	migrated := testConn("s1", "u1", "phone")
	migrated.RoleContextID = "tenant-b"
	registry.Register(ctx, migrated)

	conns := registry.ConnectionsForUser(ctx, "u1")
	require.Len(t, conns, 1, "re-registering a session ID must not duplicate it")
	assert.Equal(t, "tenant-b", conns[0].RoleContextID)
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), time.Minute)
	ctx := context.Background()

	registry.Register(ctx, testConn("s1", "u1", "phone"))

	conn, err := registry.Unregister(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", conn.UserID)
	assert.Equal(t, "phone", conn.DeviceID)
	assert.False(t, registry.HasAnyConnection(ctx, "u1"))

	_, err = registry.Unregister(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRegistryTTLSafetyNet(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), 50*time.Millisecond)
	ctx := context.Background()

	registry.Register(ctx, testConn("s1", "u1", "phone"))
	require.True(t, registry.HasAnyConnection(ctx, "u1"))

	// No heartbeat: the leaked record ages out on its own.
	time.Sleep(80 * time.Millisecond)
	assert.False(t, registry.HasAnyConnection(ctx, "u1"))
	assert.Empty(t, registry.AllSessionIDsForUser(ctx, "u1"))
}

func TestRegistryTouchExtendsSafetyNet(t *testing.T) {
	registry := NewConnectionRegistry(cache.NewMemorySessionStore(), 60*time.Millisecond)
	ctx := context.Background()

	registry.Register(ctx, testConn("s1", "u1", "phone"))
	time.Sleep(40 * time.Millisecond)
	registry.Touch(ctx, "u1")
	time.Sleep(40 * time.Millisecond)

	// 80ms after registration, but only 40ms after the last touch.
	assert.True(t, registry.HasAnyConnection(ctx, "u1"))
}
