package credential

import (
	"time"

	"gemini-proxy-go/internal/secret"
	"gemini-proxy-go/internal/store"
)

// KeyInfo is the selection result handed to the retry loop: the credential
// plus everything needed to build the outbound request.
type KeyInfo struct {
	Key       secret.Key
	GroupName string
	TargetURL string
	ProxyURL  string
	TopP      *float64
}

// HealthClass buckets a key's state for admin rollups.
type HealthClass string

const (
	HealthAvailable HealthClass = "available"
	HealthLimited   HealthClass = "limited"
	HealthInvalid   HealthClass = "invalid"
)

// Classify maps a key state to its health bucket. A nil state is a key with
// no recorded history, which is available by definition.
func Classify(st *store.KeyState, now time.Time) HealthClass {
	if st == nil || st.Available(now) {
		return HealthAvailable
	}
	if !st.CooldownUntil.IsZero() && st.CooldownUntil.After(now) {
		return HealthLimited
	}
	return HealthInvalid
}

// KeyView is the admin-facing description of one credential. Only the
// preview is ever exposed.
type KeyView struct {
	Preview             string      `json:"preview"`
	Group               string      `json:"group"`
	Health              HealthClass `json:"health"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastFailure         *time.Time  `json:"last_failure,omitempty"`
	CooldownUntil       *time.Time  `json:"cooldown_until,omitempty"`
}

// GroupRollup aggregates key health per group.
type GroupRollup struct {
	Group     string `json:"group"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Limited   int    `json:"limited"`
	Invalid   int    `json:"invalid"`
}
