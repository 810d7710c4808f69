package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func initMemory(t *testing.T, members map[string]string) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.InitializeKeys(context.Background(), members, false))
	return m
}

func TestMemoryInitializeAndCandidates(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1", "k2": "g1", "k3": "g2"})
	candidates, err := m.Candidates(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k1", "k2", "k3"}, candidates)

	// Shrinking the membership discards removed state.
	_, err = m.RecordFailure(context.Background(), "k3", true, 3)
	require.NoError(t, err)
	require.NoError(t, m.InitializeKeys(context.Background(), map[string]string{"k1": "g1"}, false))

	candidates, err = m.Candidates(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, candidates)
	st, err := m.GetState(context.Background(), "k3")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestMemoryNextRotationIndexMonotonic(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	for want := uint64(1); want <= 5; want++ {
		got, err := m.NextRotationIndex(context.Background(), "g1")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	// Cursors are independent per group.
	got, err := m.NextRotationIndex(context.Background(), DefaultGroup)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
}

func TestMemoryRecordFailureBlocksAtThreshold(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	ctx := context.Background()

	st, err := m.RecordFailure(ctx, "k1", false, 3)
	require.NoError(t, err)
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.False(t, st.Blocked)

	_, err = m.RecordFailure(ctx, "k1", false, 3)
	require.NoError(t, err)
	st, err = m.RecordFailure(ctx, "k1", false, 3)
	require.NoError(t, err)
	require.Equal(t, 3, st.ConsecutiveFailures)
	require.True(t, st.Blocked)
}

func TestMemoryRecordFailureTerminalBlocksImmediately(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	st, err := m.RecordFailure(context.Background(), "k1", true, 99)
	require.NoError(t, err)
	require.True(t, st.Blocked)
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.False(t, st.LastFailure.IsZero())
}

func TestMemoryConcurrentFailuresSingleWriter(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := m.RecordFailure(ctx, "k1", false, 3)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := m.GetState(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, n, st.ConsecutiveFailures)
	require.True(t, st.Blocked)
}

func TestMemoryRateLimitCooldownExpiry(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.RateLimit(context.Background(), "k1", time.Minute))
	st, err := m.GetState(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, st.Blocked)
	require.False(t, st.Available(now))

	// Once the cooldown elapses the key reads as a fresh baseline.
	now = now.Add(61 * time.Second)
	st, err = m.GetState(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, st.Blocked)
	require.Zero(t, st.ConsecutiveFailures)
	require.True(t, st.Available(now))
}

func TestMemoryReset(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	ctx := context.Background()
	_, err := m.RecordFailure(ctx, "k1", true, 1)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx, "k1"))
	st, err := m.GetState(ctx, "k1")
	require.NoError(t, err)
	require.False(t, st.Blocked)
	require.Zero(t, st.ConsecutiveFailures)
	require.Equal(t, "g1", st.GroupName)
}

func TestMemoryInitializeWipe(t *testing.T) {
	m := initMemory(t, map[string]string{"k1": "g1"})
	_, err := m.RecordFailure(context.Background(), "k1", true, 1)
	require.NoError(t, err)

	require.NoError(t, m.InitializeKeys(context.Background(), map[string]string{"k1": "g1"}, true))
	st, err := m.GetState(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, st.Blocked)
	require.Zero(t, st.ConsecutiveFailures)
}
