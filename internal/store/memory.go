package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the in-process Store. The authoritative state map is protected
// by a reader-writer lock; rotation cursors are atomic counters so the
// selection path never contends with state writers.
type Memory struct {
	mu      sync.RWMutex
	states  map[string]*KeyState
	members map[string]string

	cursorMu sync.Mutex
	cursors  map[string]*atomic.Uint64

	now func() time.Time
}

// NewMemory constructs an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		states:  make(map[string]*KeyState),
		members: make(map[string]string),
		cursors: make(map[string]*atomic.Uint64),
		now:     time.Now,
	}
}

func (m *Memory) Candidates(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for key := range m.members {
		out = append(out, key)
	}
	return out, nil
}

func (m *Memory) NextRotationIndex(_ context.Context, groupID string) (uint64, error) {
	return m.cursor(groupID).Add(1), nil
}

func (m *Memory) cursor(groupID string) *atomic.Uint64 {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	c, ok := m.cursors[groupID]
	if !ok {
		c = &atomic.Uint64{}
		m.cursors[groupID] = c
	}
	return c
}

func (m *Memory) RecordFailure(_ context.Context, key string, terminal bool, maxFailures int) (KeyState, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(key, now)
	st.ConsecutiveFailures++
	st.LastFailure = now
	if terminal || (maxFailures > 0 && st.ConsecutiveFailures >= maxFailures) {
		st.Blocked = true
	}
	m.states[key] = st
	return *st, nil
}

func (m *Memory) RateLimit(_ context.Context, key string, d time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(key, now)
	st.Blocked = true
	st.CooldownUntil = now.Add(d)
	m.states[key] = st
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group := m.members[key]
	if st, ok := m.states[key]; ok {
		group = st.GroupName
	}
	m.states[key] = &KeyState{GroupName: group}
	return nil
}

func (m *Memory) GetState(_ context.Context, key string) (*KeyState, error) {
	now := m.now()
	m.mu.RLock()
	st, ok := m.states[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return normalize(st, now), nil
}

func (m *Memory) GetAllStates(_ context.Context) (map[string]KeyState, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]KeyState, len(m.states))
	for key, st := range m.states {
		out[key] = *normalize(st, now)
	}
	return out, nil
}

func (m *Memory) InitializeKeys(_ context.Context, members map[string]string, wipe bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wipe {
		m.states = make(map[string]*KeyState)
	}

	for key := range m.states {
		if _, keep := members[key]; !keep {
			delete(m.states, key)
		}
	}
	next := make(map[string]string, len(members))
	for key, group := range members {
		next[key] = group
		if st, ok := m.states[key]; ok {
			st.GroupName = group
			continue
		}
		m.states[key] = &KeyState{GroupName: group}
	}
	m.members = next
	return nil
}

func (m *Memory) Close() error { return nil }

// stateLocked returns the mutable state for key, creating a baseline record
// on first touch and folding in an elapsed cooldown. Callers hold m.mu.
func (m *Memory) stateLocked(key string, now time.Time) *KeyState {
	st, ok := m.states[key]
	if !ok {
		st = &KeyState{GroupName: m.members[key]}
		m.states[key] = st
	}
	if !st.CooldownUntil.IsZero() && !st.CooldownUntil.After(now) {
		// Cooldown elapsed: mirror the Redis TTL semantics where the record
		// simply expires back to baseline.
		*st = KeyState{GroupName: st.GroupName}
	}
	return st
}

// normalize presents an elapsed cooldown as a fresh baseline without
// mutating the stored record (read paths hold only the read lock).
func normalize(st *KeyState, now time.Time) *KeyState {
	if !st.CooldownUntil.IsZero() && !st.CooldownUntil.After(now) {
		return &KeyState{GroupName: st.GroupName}
	}
	copied := *st
	return &copied
}
