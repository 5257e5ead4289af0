package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekit/core"
)

func TestIncrementXPConcurrent(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementXP(ctx, user, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(500), st.XP)
}

func TestSetLevelIfHigherIsMonotonic(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")

	require.NoError(t, store.SetLevelIfHigher(ctx, user, 3))
	require.NoError(t, store.SetLevelIfHigher(ctx, user, 1))

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Level, "level must never regress")
}

func TestMarkFiredIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")

	newly, err := store.MarkFired(ctx, user, "observer_warned")
	require.NoError(t, err)
	assert.True(t, newly)

	newly, err = store.MarkFired(ctx, user, "observer_warned")
	require.NoError(t, err)
	assert.False(t, newly, "duplicate insert must be a no-op, not an error")

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	assert.Len(t, st.Fired, 1)
}

func TestUpsertFlagOverwrites(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")

	require.NoError(t, store.UpsertFlag(ctx, user, "intro_seen", "done"))
	require.NoError(t, store.UpsertFlag(ctx, user, "intro_seen", "done"))

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	require.Len(t, st.Flags, 1)
	assert.Equal(t, "done", st.Flags["intro_seen"].Value)
	assert.False(t, st.Flags["intro_seen"].SetAt.IsZero())
}

func TestAdjustMetersClamps(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")

	anomaly, observer, err := store.AdjustMeters(ctx, user, 20, 150)
	require.NoError(t, err)
	assert.Equal(t, 20, anomaly)
	assert.Equal(t, 100, observer, "observer load clamps at 100")

	anomaly, observer, err = store.AdjustMeters(ctx, user, -100, -500)
	require.NoError(t, err)
	assert.Equal(t, 0, anomaly)
	assert.Equal(t, 0, observer)
}

func TestUpdateLoginRecord(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpdateLoginRecord(ctx, user, 4, 2, now))

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 4, st.LoginCount)
	assert.Equal(t, 2, st.Streak)
	require.NotNil(t, st.LastLoginAt)
	assert.True(t, st.LastLoginAt.Equal(now))
}

func TestGetStateReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	user := core.UserID("alice")
	require.NoError(t, store.UpsertFlag(ctx, user, "a", "1"))

	st, err := store.GetState(ctx, user)
	require.NoError(t, err)
	st.Flags["b"] = core.Flag{Value: "2"}

	again, err := store.GetState(ctx, user)
	require.NoError(t, err)
	assert.Len(t, again.Flags, 1, "mutating a snapshot must not leak into the store")
}
