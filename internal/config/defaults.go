package config

// ApplyDefaults fills unset fields with their documented defaults.
// It is called after file parsing and before env overrides.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ConnectTimeoutSecs <= 0 {
		c.Server.ConnectTimeoutSecs = 10
	}
	if c.Server.RequestTimeoutSecs <= 0 {
		c.Server.RequestTimeoutSecs = 60
	}
	if c.Server.MaxRequestSizeBytes <= 0 {
		c.Server.MaxRequestSizeBytes = 8 << 20
	}
	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = DefaultRedisKeyPrefix
	}
	if c.MaxFailuresThreshold <= 0 {
		c.MaxFailuresThreshold = 3
	}
	if c.TemporaryBlockMinutes <= 0 {
		c.TemporaryBlockMinutes = 5
	}
	if c.InternalRetries <= 0 {
		c.InternalRetries = 32
	}
	if c.RetryAfterCeilingSecs <= 0 {
		c.RetryAfterCeilingSecs = 60
	}
	if c.RateLimitBehavior == "" {
		c.RateLimitBehavior = "block"
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeoutSecs <= 0 {
		c.Breaker.RecoveryTimeoutSecs = 30
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 1
	}
}
