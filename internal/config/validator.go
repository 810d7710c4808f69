package config

import (
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/secret"
)

var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// Validate enforces the invariants a config must satisfy before it may be
// applied, at startup or via reload. Violations are configuration errors and
// never originate from the hot path.
func (c *Config) Validate() error {
	if c.Server.Port == 0 && !c.Server.TestMode {
		return fmt.Errorf("server.port is required (port=0 is only permitted in test_mode)")
	}
	if c.Server.ConnectTimeoutSecs <= 0 && !c.Server.TestMode {
		return fmt.Errorf("server.connect_timeout_secs must be positive")
	}
	if c.Server.RequestTimeoutSecs <= 0 && !c.Server.TestMode {
		return fmt.Errorf("server.request_timeout_secs must be positive")
	}

	switch c.RateLimitBehavior {
	case "", "block":
	case "retry":
		return fmt.Errorf("rate_limit_behavior=retry is reserved and not yet implemented; use \"block\"")
	default:
		return fmt.Errorf("rate_limit_behavior must be one of {block, retry}, got %q", c.RateLimitBehavior)
	}

	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}

	groupNames := make(map[string]bool, len(c.Groups))
	keyOwners := make(map[string]string)
	aliasOwners := make(map[string]string)

	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if groupNames[g.Name] {
			return fmt.Errorf("duplicate group name %q", g.Name)
		}
		groupNames[g.Name] = true

		if g.TargetURL == "" {
			return fmt.Errorf("group %q: target_url is required", g.Name)
		}
		target, err := url.Parse(g.TargetURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("group %q: target_url %q is not an absolute URL", g.Name, g.TargetURL)
		}

		if g.ProxyURL != "" {
			proxyURL, err := url.Parse(g.ProxyURL)
			if err != nil {
				return fmt.Errorf("group %q: proxy_url: %w", g.Name, err)
			}
			if !allowedProxySchemes[strings.ToLower(proxyURL.Scheme)] {
				return fmt.Errorf("group %q: proxy_url scheme %q not in {http, https, socks5}", g.Name, proxyURL.Scheme)
			}
		}

		if len(g.APIKeys) == 0 {
			return fmt.Errorf("group %q: at least one api key is required", g.Name)
		}
		for _, key := range g.APIKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("group %q: empty api key", g.Name)
			}
			if owner, dup := keyOwners[key]; dup {
				return fmt.Errorf("credential %s appears in both group %q and group %q", secret.Preview(key), owner, g.Name)
			}
			keyOwners[key] = g.Name
		}

		// Overlapping aliases route by first match; warn, don't fail.
		for _, alias := range g.ModelAliases {
			if owner, dup := aliasOwners[alias]; dup {
				log.WithFields(log.Fields{
					"alias":  alias,
					"first":  owner,
					"second": g.Name,
				}).Warn("model alias declared in multiple groups; first group wins")
				continue
			}
			aliasOwners[alias] = g.Name
		}
	}

	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("redis_url: %w", err)
		}
	}
	return nil
}
