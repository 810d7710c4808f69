// Package breaker guards each upstream target with a circuit breaker so a
// dying target sheds load instead of burning every credential in the pool.
package breaker

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	apperr "gemini-proxy-go/internal/errors"
	"gemini-proxy-go/internal/events"
)

// State is the breaker lifecycle position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings tune one breaker.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	return s
}

// Breaker is a three-state circuit breaker for one target URL.
type Breaker struct {
	target   string
	settings Settings

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	nextAttempt   time.Time
	probeInFlight bool

	now       func() time.Time
	publisher events.Publisher
}

func newBreaker(target string, settings Settings, publisher events.Publisher, now func() time.Time) *Breaker {
	return &Breaker{
		target:    target,
		settings:  settings.withDefaults(),
		state:     StateClosed,
		now:       now,
		publisher: publisher,
	}
}

// Call wraps op with the breaker's admission check. The op runs outside the
// lock. A rejected call returns ErrCircuitOpen without invoking op.
func (b *Breaker) Call(ctx context.Context, op func() (*http.Response, error)) (*http.Response, error) {
	if err := b.admit(ctx); err != nil {
		return nil, err
	}

	resp, err := op()
	if err != nil {
		b.onFailure(ctx)
		return nil, err
	}
	if resp != nil && resp.StatusCode >= 500 {
		b.onFailure(ctx)
	} else {
		b.onSuccess(ctx)
	}
	return resp, nil
}

// admit decides whether a call may proceed, applying the Open to Half-Open
// transition when the recovery timeout has elapsed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return apperr.ErrCircuitOpen
		}
		b.transitionLocked(ctx, StateHalfOpen)
		b.successes = 0
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return apperr.ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) onSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transitionLocked(ctx, StateClosed)
			b.failures = 0
			b.successes = 0
			b.nextAttempt = time.Time{}
		}
	}
}

func (b *Breaker) onFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transitionLocked(ctx, StateOpen)
			b.nextAttempt = now.Add(b.settings.RecoveryTimeout)
			b.failures = 0
			b.successes = 0
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionLocked(ctx, StateOpen)
		b.nextAttempt = now.Add(b.settings.RecoveryTimeout)
		b.failures = 0
		b.successes = 0
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	log.WithFields(log.Fields{
		"target": b.target,
		"from":   string(from),
		"to":     string(to),
	}).Info("circuit_state_changed")
	if b.publisher != nil {
		b.publisher.Publish(ctx, events.TopicCircuitChanged, string(to), map[string]string{
			"target": b.target,
			"from":   string(from),
		})
	}
}

// Snapshot is the admin view of one breaker.
type Snapshot struct {
	Target      string     `json:"target"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
}

// Snapshot returns the breaker's current state for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Target:    b.target,
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailure = &t
	}
	if !b.nextAttempt.IsZero() {
		t := b.nextAttempt
		snap.NextAttempt = &t
	}
	return snap
}

// Registry hands out one breaker per target URL, created lazily. Breakers
// survive config reloads since they are keyed by target, not credential.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	settings  Settings
	publisher events.Publisher

	now func() time.Time
}

// NewRegistry builds an empty registry with shared settings.
func NewRegistry(settings Settings, publisher events.Publisher) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		settings:  settings.withDefaults(),
		publisher: publisher,
		now:       time.Now,
	}
}

// For returns the breaker guarding target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = newBreaker(target, r.settings, r.publisher, r.now)
	r.breakers[target] = b
	return b
}

// Snapshots lists every breaker's current state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
