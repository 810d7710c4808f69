package config

import (
	"time"
)

// DefaultRedisKeyPrefix is applied when redis_url is set without a prefix.
const DefaultRedisKeyPrefix = "gemini_proxy:"

// ServerConfig groups listener and outbound-client settings.
type ServerConfig struct {
	Host                string  `yaml:"host" json:"host"`
	Port                int     `yaml:"port" json:"port"`
	ConnectTimeoutSecs  int     `yaml:"connect_timeout_secs" json:"connect_timeout_secs"`
	RequestTimeoutSecs  int     `yaml:"request_timeout_secs" json:"request_timeout_secs"`
	MaxTokensPerRequest int     `yaml:"max_tokens_per_request" json:"max_tokens_per_request"`
	MaxRequestSizeBytes int64   `yaml:"max_request_size_bytes" json:"max_request_size_bytes"`
	TestMode            bool    `yaml:"test_mode" json:"test_mode"`
	Debug               bool    `yaml:"debug" json:"debug"`
	LogFile             string  `yaml:"log_file" json:"log_file"`
	AdminToken          string  `yaml:"admin_token" json:"admin_token"`
	AdminTokenHash      string  `yaml:"admin_token_hash" json:"admin_token_hash"`
	TopP                *float64 `yaml:"top_p" json:"top_p,omitempty"`

	// Inbound rate limiting (per client key/IP).
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// GroupConfig is a named pool of credentials routed to one upstream.
type GroupConfig struct {
	Name         string   `yaml:"name" json:"name"`
	TargetURL    string   `yaml:"target_url" json:"target_url"`
	ProxyURL     string   `yaml:"proxy_url" json:"proxy_url"`
	APIKeys      []string `yaml:"api_keys" json:"api_keys"`
	ModelAliases []string `yaml:"model_aliases" json:"model_aliases"`
	TopP         *float64 `yaml:"top_p" json:"top_p,omitempty"`
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutSecs int `yaml:"recovery_timeout_secs" json:"recovery_timeout_secs"`
	SuccessThreshold    int `yaml:"success_threshold" json:"success_threshold"`
}

// Config is the full file configuration.
type Config struct {
	Server ServerConfig  `yaml:"server" json:"server"`
	Groups []GroupConfig `yaml:"groups" json:"groups"`

	RedisURL       string `yaml:"redis_url" json:"redis_url"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" json:"redis_key_prefix"`

	MaxFailuresThreshold  int    `yaml:"max_failures_threshold" json:"max_failures_threshold"`
	TemporaryBlockMinutes int    `yaml:"temporary_block_minutes" json:"temporary_block_minutes"`
	InternalRetries       int    `yaml:"internal_retries" json:"internal_retries"`
	RetryAfterCeilingSecs int    `yaml:"retry_after_ceiling_secs" json:"retry_after_ceiling_secs"`
	RateLimitBehavior     string `yaml:"rate_limit_behavior" json:"rate_limit_behavior"`

	Breaker BreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// ConnectTimeout returns the outbound connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	if c.Server.ConnectTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ConnectTimeoutSecs) * time.Second
}

// RequestTimeout returns the total outbound request timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// TemporaryBlock returns the default cooldown applied when the upstream
// gives no Retry-After hint.
func (c *Config) TemporaryBlock() time.Duration {
	if c.TemporaryBlockMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TemporaryBlockMinutes) * time.Minute
}

// RetryAfterCeiling caps WaitFor durations parsed from upstream responses.
func (c *Config) RetryAfterCeiling() time.Duration {
	if c.RetryAfterCeilingSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RetryAfterCeilingSecs) * time.Second
}

// GroupTopP resolves the sampling override for a group, preferring the
// per-group value over the global one. Nil means no rewrite.
func (c *Config) GroupTopP(groupName string) *float64 {
	for i := range c.Groups {
		if c.Groups[i].Name == groupName {
			if c.Groups[i].TopP != nil {
				return c.Groups[i].TopP
			}
			break
		}
	}
	return c.Server.TopP
}

// Group returns the group config by name.
func (c *Config) Group(name string) (GroupConfig, bool) {
	for i := range c.Groups {
		if c.Groups[i].Name == name {
			return c.Groups[i], true
		}
	}
	return GroupConfig{}, false
}
