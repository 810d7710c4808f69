package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Groups: []GroupConfig{
			{
				Name:         "primary",
				TargetURL:    "https://generativelanguage.googleapis.com",
				APIKeys:      []string{"key-aaaa-0001", "key-aaaa-0002"},
				ModelAliases: []string{"gemini-1.5-pro"},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsDuplicateGroupNames(t *testing.T) {
	cfg := validConfig()
	cfg.Groups = append(cfg.Groups, GroupConfig{
		Name:      "primary",
		TargetURL: "https://example.com",
		APIKeys:   []string{"key-bbbb-0001"},
	})
	require.ErrorContains(t, cfg.Validate(), "duplicate group name")
}

func TestValidateRejectsDuplicateCredentialsAcrossGroups(t *testing.T) {
	cfg := validConfig()
	cfg.Groups = append(cfg.Groups, GroupConfig{
		Name:      "secondary",
		TargetURL: "https://example.com",
		APIKeys:   []string{"key-aaaa-0001"},
	})
	err := cfg.Validate()
	require.Error(t, err)
	// The duplicate is reported by preview, never verbatim.
	require.NotContains(t, err.Error(), "key-aaaa-0001")
	require.Contains(t, err.Error(), "key-…0001")
}

func TestValidateRejectsBadProxyScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Groups[0].ProxyURL = "ftp://proxy.local:21"
	require.ErrorContains(t, cfg.Validate(), "proxy_url scheme")

	for _, scheme := range []string{"http://p:1", "https://p:1", "socks5://p:1"} {
		cfg.Groups[0].ProxyURL = scheme
		require.NoError(t, cfg.Validate(), scheme)
	}
}

func TestValidatePortRules(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	require.ErrorContains(t, cfg.Validate(), "server.port")

	cfg.Server.TestMode = true
	require.NoError(t, cfg.Validate())
}

func TestValidateRateLimitBehavior(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitBehavior = "block"
	require.NoError(t, cfg.Validate())

	cfg.RateLimitBehavior = "retry"
	require.ErrorContains(t, cfg.Validate(), "reserved")

	cfg.RateLimitBehavior = "bogus"
	require.ErrorContains(t, cfg.Validate(), "rate_limit_behavior")
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9000
groups:
  - name: g1
    target_url: https://upstream.example
    api_keys: ["key-cccc-0001"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvRedisURL, "redis://127.0.0.1:6379/2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	require.Equal(t, "redis://127.0.0.1:6379/2", cfg.RedisURL)
	require.Equal(t, DefaultRedisKeyPrefix, cfg.RedisKeyPrefix)
	require.Equal(t, 3, cfg.MaxFailuresThreshold)
	require.Equal(t, "block", cfg.RateLimitBehavior)
}

func TestGroupTopPPrefersGroupOverGlobal(t *testing.T) {
	cfg := validConfig()
	global := 0.9
	local := 0.5
	cfg.Server.TopP = &global
	require.Equal(t, &global, cfg.GroupTopP("primary"))

	cfg.Groups[0].TopP = &local
	require.Equal(t, &local, cfg.GroupTopP("primary"))
	require.Equal(t, &global, cfg.GroupTopP("unknown-group"))
}

func TestCheckAdminToken(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AdminToken = "plaintext-token"
	require.True(t, CheckAdminToken(cfg, "plaintext-token"))
	require.False(t, CheckAdminToken(cfg, "wrong"))
	require.False(t, CheckAdminToken(cfg, ""))

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-token"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Server.AdminToken = ""
	cfg.Server.AdminTokenHash = string(hash)
	require.True(t, CheckAdminToken(cfg, "hashed-token"))
	require.False(t, CheckAdminToken(cfg, "plaintext-token"))
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	clone := cfg.Clone()
	clone.Groups[0].APIKeys[0] = "mutated"
	clone.Groups[0].Name = "renamed"
	require.Equal(t, "key-aaaa-0001", cfg.Groups[0].APIKeys[0])
	require.Equal(t, "primary", cfg.Groups[0].Name)
}
