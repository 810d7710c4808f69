package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, "gemini_proxy_test:"), mr
}

func TestRedisInitializeKeysWireFormat(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1", "k2": "g2"}, false))

	members, err := r.Candidates(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k1", "k2"}, members)

	require.Equal(t, "false", mr.HGet("gemini_proxy_test:key_state:k1", "is_blocked"))
	require.Equal(t, "0", mr.HGet("gemini_proxy_test:key_state:k1", "consecutive_failures"))
	require.Equal(t, "g1", mr.HGet("gemini_proxy_test:key_state:k1", "group_name"))
}

func TestRedisInitializeKeysIsIdempotentAndPreservesState(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	members := map[string]string{"k1": "g1"}

	require.NoError(t, r.InitializeKeys(ctx, members, false))
	_, err := r.RecordFailure(ctx, "k1", false, 5)
	require.NoError(t, err)

	// Re-initializing with the same membership is a no-op for existing state.
	require.NoError(t, r.InitializeKeys(ctx, members, false))
	st, err := r.GetState(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 1, st.ConsecutiveFailures)
}

func TestRedisInitializeKeysRemovesDeparted(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1", "k2": "g1"}, false))
	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k2": "g1"}, false))

	members, err := r.Candidates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k2"}, members)
	require.False(t, mr.Exists("gemini_proxy_test:key_state:k1"))
}

func TestRedisRecordFailure(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1"}, false))

	st, err := r.RecordFailure(ctx, "k1", false, 2)
	require.NoError(t, err)
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.False(t, st.Blocked)

	st, err = r.RecordFailure(ctx, "k1", false, 2)
	require.NoError(t, err)
	require.Equal(t, 2, st.ConsecutiveFailures)
	require.True(t, st.Blocked)
	require.Equal(t, "g1", st.GroupName)

	// Round-trips through the wire format.
	got, err := r.GetState(ctx, "k1")
	require.NoError(t, err)
	require.True(t, got.Blocked)
	require.Equal(t, 2, got.ConsecutiveFailures)
	require.False(t, got.LastFailure.IsZero())
}

func TestRedisRateLimitSetsTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1"}, false))

	require.NoError(t, r.RateLimit(ctx, "k1", 30*time.Second))
	st, err := r.GetState(ctx, "k1")
	require.NoError(t, err)
	require.True(t, st.Blocked)
	require.False(t, st.CooldownUntil.IsZero())

	// TTL expiry restores availability: the record simply disappears.
	mr.FastForward(31 * time.Second)
	st, err = r.GetState(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestRedisResetClearsCooldown(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1"}, false))

	require.NoError(t, r.RateLimit(ctx, "k1", time.Hour))
	require.NoError(t, r.Reset(ctx, "k1"))

	st, err := r.GetState(ctx, "k1")
	require.NoError(t, err)
	require.False(t, st.Blocked)
	require.Zero(t, st.ConsecutiveFailures)
	require.True(t, st.CooldownUntil.IsZero())
}

func TestRedisNextRotationIndex(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		got, err := r.NextRotationIndex(ctx, "g1")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := r.NextRotationIndex(ctx, DefaultGroup)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
}

func TestRedisWipeRequiresTestPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	prod := NewRedisWithClient(client, "gemini_proxy:")
	err := prod.InitializeKeys(context.Background(), map[string]string{"k1": "g1"}, true)
	require.ErrorContains(t, err, "refusing wildcard wipe")

	testStore := NewRedisWithClient(client, "gemini_proxy_test:")
	require.NoError(t, testStore.InitializeKeys(context.Background(), map[string]string{"k1": "g1"}, true))
}

func TestRedisGetAllStates(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.InitializeKeys(ctx, map[string]string{"k1": "g1", "k2": "g2"}, false))
	_, err := r.RecordFailure(ctx, "k2", true, 3)
	require.NoError(t, err)

	states, err := r.GetAllStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.False(t, states["k1"].Blocked)
	require.True(t, states["k2"].Blocked)
}
