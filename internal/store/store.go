// Package store owns persistence of credential health state and rotation
// cursors. Two implementations exist: an in-process map (Memory) and a shared
// Redis store for multi-instance deployments.
package store

import (
	"context"
	"time"
)

// DefaultGroup is the sentinel group id for the cross-group rotation cursor
// used when a request carries no extractable model.
const DefaultGroup = "__default_all_keys__"

// KeyState is the per-credential mutable health record.
type KeyState struct {
	GroupName           string
	Blocked             bool
	ConsecutiveFailures int
	LastFailure         time.Time
	// CooldownUntil is the zero time when no cooldown is set. A blocked key
	// whose cooldown has elapsed is presented as available again.
	CooldownUntil time.Time
}

// Available reports whether a key in this state may be selected at now.
func (s *KeyState) Available(now time.Time) bool {
	if s == nil {
		return true
	}
	if !s.CooldownUntil.IsZero() && !s.CooldownUntil.After(now) {
		return true
	}
	return !s.Blocked
}

// Store is the capability set backing the credential manager. All operations
// may fail with errors.ErrStorageUnavailable (wrapped); the Redis
// implementation additionally surfaces timeouts the same way.
type Store interface {
	// Candidates returns the current membership of the rotation set.
	Candidates(ctx context.Context) ([]string, error)

	// NextRotationIndex atomically increments the per-group monotonic
	// counter and returns its post-increment (1-based) value.
	NextRotationIndex(ctx context.Context, groupID string) (uint64, error)

	// RecordFailure increments the consecutive-failure counter, stamps the
	// failure time and blocks the key when terminal or when the new count
	// reaches maxFailures. It returns the post-mutation state.
	RecordFailure(ctx context.Context, key string, terminal bool, maxFailures int) (KeyState, error)

	// RateLimit blocks the key for the given duration. Availability is
	// restored automatically once the cooldown elapses.
	RateLimit(ctx context.Context, key string, d time.Duration) error

	// Reset unblocks the key and clears its failure history.
	Reset(ctx context.Context, key string) error

	// GetState returns the state for key, or nil when the key has no
	// recorded history (absence means available).
	GetState(ctx context.Context, key string) (*KeyState, error)

	// GetAllStates snapshots every recorded state.
	GetAllStates(ctx context.Context) (map[string]KeyState, error)

	// InitializeKeys makes the rotation set equal members (key -> owning
	// group). New members get a baseline unblocked state; members no longer
	// present are discarded together with their state. When wipe is set
	// (test mode) all pre-existing state is destroyed first.
	InitializeKeys(ctx context.Context, members map[string]string, wipe bool) error

	// Close releases backing resources.
	Close() error
}
