package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekit/core"
)

// newTestClient spins up a miniredis server and returns a client plus cleanup.
func newTestClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestStore_IncrementXP(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	total, err := store.IncrementXP(ctx, userID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)

	total, err = store.IncrementXP(ctx, userID, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(75), total)

	// deductions floor at zero
	total, err = store.IncrementXP(ctx, userID, -200)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStore_SetLevelIfHigher(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	require.NoError(t, store.SetLevelIfHigher(ctx, userID, 3))
	require.NoError(t, store.SetLevelIfHigher(ctx, userID, 1))

	level, err := client.HGet(ctx, userCoreKey(userID), "level").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(3), level, "level must not regress")

	require.NoError(t, store.SetLevelIfHigher(ctx, userID, 5))
	level, err = client.HGet(ctx, userCoreKey(userID), "level").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), level)
}

func TestStore_MarkFired_Idempotent(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	newly, err := store.MarkFired(ctx, userID, "observer_warned")
	require.NoError(t, err)
	assert.True(t, newly)

	newly, err = store.MarkFired(ctx, userID, "observer_warned")
	require.NoError(t, err)
	assert.False(t, newly, "duplicate insert must be a no-op")

	members, err := client.SMembers(ctx, userFiredKey(userID)).Result()
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestStore_UpsertFlag(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	require.NoError(t, store.UpsertFlag(ctx, userID, "intro_seen", "done"))
	require.NoError(t, store.UpsertFlag(ctx, userID, "intro_seen", "done"))

	state, err := store.GetState(ctx, userID)
	require.NoError(t, err)
	require.Contains(t, state.Flags, "intro_seen")
	assert.Equal(t, "done", state.Flags["intro_seen"].Value)
	assert.False(t, state.Flags["intro_seen"].SetAt.IsZero())
}

func TestStore_IncrementVariable(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	val, err := store.IncrementVariable(ctx, userID, "chapters_read", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = store.IncrementVariable(ctx, userID, "chapters_read", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)
}

func TestStore_AdjustMeters_Clamps(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	anomaly, observer, err := store.AdjustMeters(ctx, userID, 30, 150)
	require.NoError(t, err)
	assert.Equal(t, 30, anomaly)
	assert.Equal(t, 100, observer, "observer load clamps at 100")

	anomaly, observer, err = store.AdjustMeters(ctx, userID, -100, -500)
	require.NoError(t, err)
	assert.Equal(t, 0, anomaly)
	assert.Equal(t, 0, observer)
}

func TestStore_UpdateLoginRecord_And_GetState(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")
	lastLogin := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := store.IncrementXP(ctx, userID, 120)
	require.NoError(t, err)
	require.NoError(t, store.SetLevelIfHigher(ctx, userID, 1))
	require.NoError(t, store.UpdateLoginRecord(ctx, userID, 4, 2, lastLogin))
	_, err = store.MarkFired(ctx, userID, "level1_reached")
	require.NoError(t, err)

	state, err := store.GetState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, state.UserID)
	assert.Equal(t, int64(120), state.XP)
	assert.Equal(t, 1, state.Level)
	assert.Equal(t, 4, state.LoginCount)
	assert.Equal(t, 2, state.Streak)
	require.NotNil(t, state.LastLoginAt)
	assert.True(t, state.LastLoginAt.Equal(lastLogin))
	assert.Contains(t, state.Fired, "level1_reached")
}

func TestStore_GetState_Cache(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user-cache")

	_, err := store.IncrementXP(ctx, userID, 200)
	require.NoError(t, err)

	// First get should build from keys and cache
	state1, err := store.GetState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), state1.XP)

	exists, err := client.Exists(ctx, userStateKey(userID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	// Modify underlying data directly (simulating external change)
	require.NoError(t, client.HSet(ctx, userCoreKey(userID), "xp", 300).Err())

	// Second get should return cached data (old value)
	state2, err := store.GetState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), state2.XP)

	// A write through the store invalidates the cache
	_, err = store.IncrementXP(ctx, userID, 50)
	require.NoError(t, err)

	state3, err := store.GetState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), state3.XP)
}

func TestStore_EmptyUser(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	state, err := store.GetState(ctx, core.UserID("nonexistent-user"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.XP)
	assert.Equal(t, 0, state.Level)
	assert.Nil(t, state.LastLoginAt)
	assert.Empty(t, state.Flags)
	assert.Empty(t, state.Fired)
	assert.True(t, time.Since(state.Updated) < time.Second)
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "", config.Password)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 10, config.PoolSize)
	assert.Equal(t, 2, config.MinIdleConns)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 3*time.Second, config.ReadTimeout)
	assert.Equal(t, 3*time.Second, config.WriteTimeout)
}
