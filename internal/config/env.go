package config

import (
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Environment variable names recognized as overrides. Environment wins over
// the file for every one of these.
const (
	EnvHost               = "GEMINI_PROXY_HOST"
	EnvPort               = "GEMINI_PROXY_PORT"
	EnvRedisURL           = "REDIS_URL"
	EnvLogLevel           = "LOG_LEVEL"
	EnvAdminToken         = "GEMINI_PROXY_ADMIN_TOKEN"
	EnvMaxRequestSize     = "GEMINI_PROXY_MAX_REQUEST_SIZE"
	EnvRequestTimeoutSecs = "GEMINI_PROXY_REQUEST_TIMEOUT_SECS"
)

// ApplyEnvOverrides overlays recognized environment variables onto the config.
func (c *Config) ApplyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		c.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			log.WithField("value", v).Warnf("ignoring non-numeric %s", EnvPort)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		c.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminToken)); v != "" {
		c.Server.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxRequestSize)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Server.MaxRequestSizeBytes = n
		} else {
			log.WithField("value", v).Warnf("ignoring invalid %s", EnvMaxRequestSize)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRequestTimeoutSecs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.RequestTimeoutSecs = n
		} else {
			log.WithField("value", v).Warnf("ignoring invalid %s", EnvRequestTimeoutSecs)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if strings.EqualFold(v, "debug") || strings.EqualFold(v, "trace") {
			c.Server.Debug = true
		}
	}
}
