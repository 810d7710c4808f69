package config

import "golang.org/x/crypto/bcrypt"

// CheckAdminToken verifies a candidate against the configured admin
// credential. A plaintext admin_token is compared exactly; admin_token_hash
// holds a bcrypt hash and is preferred for configs checked into files.
func CheckAdminToken(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" {
		return false
	}
	if cfg.Server.AdminToken != "" && candidate == cfg.Server.AdminToken {
		return true
	}
	if cfg.Server.AdminTokenHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Server.AdminTokenHash), []byte(candidate)); err == nil {
			return true
		}
	}
	return false
}
