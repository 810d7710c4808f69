package credential

import (
	"bytes"
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gemini-proxy-go/internal/config"
	apperr "gemini-proxy-go/internal/errors"
	"gemini-proxy-go/internal/secret"
	"gemini-proxy-go/internal/store"
)

func testConfig(groups ...config.GroupConfig) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 1, TestMode: true},
		Groups: groups,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	mgr := NewManager(Options{Store: store.NewMemory(), MaxFailuresThreshold: cfg.MaxFailuresThreshold})
	require.NoError(t, mgr.ApplyConfig(context.Background(), cfg))
	return mgr
}

func TestNextRoundRobinFairness(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa", "key-0002-bbbb", "key-0003-cccc"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)

	const m = 90
	counts := make(map[string]int)
	for i := 0; i < m; i++ {
		info, err := mgr.Next(context.Background(), "gemini-1.5-pro")
		require.NoError(t, err)
		counts[info.Key.Preview()]++
	}
	require.Len(t, counts, 3)
	for preview, n := range counts {
		require.InDelta(t, m/3, n, 1, "selections for %s", preview)
	}
}

func TestNextSkipsBlockedKeys(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa", "key-0002-bbbb"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, mgr.RecordFailure(ctx, secret.New("key-0001-aaaa"), true))

	for i := 0; i < 10; i++ {
		info, err := mgr.Next(ctx, "gemini-1.5-pro")
		require.NoError(t, err)
		require.Equal(t, "key-…bbbb", info.Key.Preview())
	}
}

func TestNextSkipsCoolingKeysUntilExpiry(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa", "key-0002-bbbb"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	now := time.Now()
	mgr.now = func() time.Time { return now }

	require.NoError(t, mgr.HandleRateLimit(ctx, secret.New("key-0001-aaaa"), time.Minute))
	info, err := mgr.Next(ctx, "gemini-1.5-pro")
	require.NoError(t, err)
	require.Equal(t, "key-…bbbb", info.Key.Preview())

	now = now.Add(2 * time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		info, err := mgr.Next(ctx, "gemini-1.5-pro")
		require.NoError(t, err)
		seen[info.Key.Preview()] = true
	}
	require.True(t, seen["key-…aaaa"], "cooldown expiry restores availability")
}

func TestNextNoneAvailable(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, mgr.RecordFailure(ctx, secret.New("key-0001-aaaa"), true))
	_, err := mgr.Next(ctx, "gemini-1.5-pro")
	require.ErrorIs(t, err, apperr.ErrNoHealthyKeys)
}

func TestNextCrossGroupRotation(t *testing.T) {
	cfg := testConfig(
		config.GroupConfig{Name: "g1", TargetURL: "https://u1.example", APIKeys: []string{"k1a-00000001", "k1b-00000001"}},
		config.GroupConfig{Name: "g2", TargetURL: "https://u2.example", APIKeys: []string{"k2a-00000001"}},
		config.GroupConfig{Name: "g3", TargetURL: "https://u3.example", APIKeys: []string{"k3a-00000001"}},
	)
	mgr := newTestManager(t, cfg)

	var got []string
	for i := 0; i < 6; i++ {
		info, err := mgr.Next(context.Background(), "")
		require.NoError(t, err)
		got = append(got, info.Key.Reveal())
	}
	want := []string{
		"k1a-00000001", "k2a-00000001", "k3a-00000001",
		"k1b-00000001", "k2a-00000001", "k3a-00000001",
	}
	require.Equal(t, want, got)
}

func TestRecordFailureBlocksAtThreshold(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	cfg.MaxFailuresThreshold = 3
	mgr := newTestManager(t, cfg)
	ctx := context.Background()
	key := secret.New("key-0001-aaaa")

	require.NoError(t, mgr.RecordFailure(ctx, key, false))
	require.NoError(t, mgr.RecordFailure(ctx, key, false))
	_, err := mgr.Next(ctx, "gemini-1.5-pro")
	require.NoError(t, err, "two failures stay below threshold")

	require.NoError(t, mgr.RecordFailure(ctx, key, false))
	_, err = mgr.Next(ctx, "gemini-1.5-pro")
	require.ErrorIs(t, err, apperr.ErrNoHealthyKeys)
}

func TestResetByPreview(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-0001-aaaa"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, mgr.RecordFailure(ctx, secret.New("key-0001-aaaa"), true))
	_, err := mgr.Next(ctx, "gemini-1.5-pro")
	require.ErrorIs(t, err, apperr.ErrNoHealthyKeys)

	require.NoError(t, mgr.Reset(ctx, secret.Preview("key-0001-aaaa")))
	_, err = mgr.Next(ctx, "gemini-1.5-pro")
	require.NoError(t, err)

	require.ErrorIs(t, mgr.Reset(ctx, "nope…nope"), ErrUnknownKey)
}

func TestSelectionLoggingNeverLeaksRawKey(t *testing.T) {
	cfg := testConfig(config.GroupConfig{
		Name:         "g1",
		TargetURL:    "https://upstream.example",
		APIKeys:      []string{"key-secret-raw-0001"},
		ModelAliases: []string{"gemini-1.5-pro"},
	})
	mgr := newTestManager(t, cfg)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(log.InfoLevel)

	ctx := context.Background()
	_, err := mgr.Next(ctx, "gemini-1.5-pro")
	require.NoError(t, err)
	require.NoError(t, mgr.RecordFailure(ctx, secret.New("key-secret-raw-0001"), false))
	require.NoError(t, mgr.HandleRateLimit(ctx, secret.New("key-secret-raw-0001"), time.Second))

	out := buf.String()
	require.NotContains(t, out, "key-secret-raw-0001")
	require.Contains(t, out, secret.Preview("key-secret-raw-0001"))
}

func TestKeyViewsAndRollups(t *testing.T) {
	cfg := testConfig(
		config.GroupConfig{Name: "g1", TargetURL: "https://u1.example", APIKeys: []string{"key-0001-aaaa", "key-0002-bbbb"}},
		config.GroupConfig{Name: "g2", TargetURL: "https://u2.example", APIKeys: []string{"key-0003-cccc"}},
	)
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, mgr.RecordFailure(ctx, secret.New("key-0001-aaaa"), true))
	require.NoError(t, mgr.HandleRateLimit(ctx, secret.New("key-0003-cccc"), time.Hour))

	views, err := mgr.KeyViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 3)
	byPreview := map[string]KeyView{}
	for _, v := range views {
		byPreview[v.Preview] = v
		require.NotContains(t, v.Preview, "key-0001-aaaa")
	}
	require.Equal(t, HealthInvalid, byPreview["key-…aaaa"].Health)
	require.Equal(t, HealthAvailable, byPreview["key-…bbbb"].Health)
	require.Equal(t, HealthLimited, byPreview["key-…cccc"].Health)

	rollups, err := mgr.Rollups(ctx)
	require.NoError(t, err)
	require.Len(t, rollups, 2)
	require.Equal(t, GroupRollup{Group: "g1", Total: 2, Available: 1, Invalid: 1}, rollups[0])
	require.Equal(t, GroupRollup{Group: "g2", Total: 1, Limited: 1}, rollups[1])
}
