// Package credential owns the pool of upstream API keys: which group serves
// a model, which key a request gets next, and how failures and rate limits
// move keys in and out of rotation. All state mutation flows through the
// backing store's atomic operations; the manager itself holds no lock across
// I/O.
package credential

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/events"
	"gemini-proxy-go/internal/secret"
	"gemini-proxy-go/internal/store"
)

// Options configure the credential manager.
type Options struct {
	Store                store.Store
	MaxFailuresThreshold int
	Publisher            events.Publisher
}

// Manager selects credentials and applies health events.
type Manager struct {
	store       store.Store
	maxFailures int
	publisher   events.Publisher

	cfg atomic.Pointer[config.Config]

	now func() time.Time
}

// NewManager constructs a manager around a store and an initial config.
// InitializeKeys must have been called (or call ApplyConfig) before Next.
func NewManager(opts Options) *Manager {
	maxFailures := opts.MaxFailuresThreshold
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Manager{
		store:       opts.Store,
		maxFailures: maxFailures,
		publisher:   opts.Publisher,
		now:         time.Now,
	}
}

// ApplyConfig swaps the config snapshot and synchronizes the store's
// rotation set to the new membership. In-flight selections keep the snapshot
// they already read; the next call sees the new one.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	members := make(map[string]string)
	for _, g := range cfg.Groups {
		for _, key := range g.APIKeys {
			members[key] = g.Name
		}
	}
	if err := m.store.InitializeKeys(ctx, members, cfg.Server.TestMode); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	log.WithFields(log.Fields{
		"groups": len(cfg.Groups),
		"keys":   len(members),
	}).Info("credential membership applied")
	return nil
}

// Config returns the current config snapshot.
func (m *Manager) Config() *config.Config {
	return m.cfg.Load()
}

// GroupForModel returns the first group whose alias list contains model.
func (m *Manager) GroupForModel(model string) (config.GroupConfig, bool) {
	cfg := m.cfg.Load()
	if cfg == nil || model == "" {
		return config.GroupConfig{}, false
	}
	for _, g := range cfg.Groups {
		for _, alias := range g.ModelAliases {
			if alias == model {
				return g, true
			}
		}
	}
	return config.GroupConfig{}, false
}

// RecordFailure applies a failure event to a key. Terminal failures block
// immediately; otherwise the key blocks once consecutive failures reach the
// configured threshold.
func (m *Manager) RecordFailure(ctx context.Context, key secret.Key, terminal bool) error {
	st, err := m.store.RecordFailure(ctx, key.Reveal(), terminal, m.maxFailures)
	if err != nil {
		return err
	}

	entry := log.WithFields(log.Fields{
		"key":                  key.Preview(),
		"group":                st.GroupName,
		"consecutive_failures": st.ConsecutiveFailures,
		"terminal":             terminal,
	})
	if st.Blocked {
		entry.Warn("key_blocked")
		m.publish(ctx, events.TopicKeyBlocked, key, st.GroupName)
	} else {
		entry.Info("key_failure_recorded")
		m.publish(ctx, events.TopicKeyFailure, key, st.GroupName)
	}
	return nil
}

// HandleRateLimit puts a key into cooldown for d.
func (m *Manager) HandleRateLimit(ctx context.Context, key secret.Key, d time.Duration) error {
	if err := m.store.RateLimit(ctx, key.Reveal(), d); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"key":         key.Preview(),
		"cooldown_ms": d.Milliseconds(),
	}).Info("key_rate_limited")
	m.publish(ctx, events.TopicKeyRateLimited, key, "")
	return nil
}

// Reset unblocks a key identified by its raw value or its preview.
func (m *Manager) Reset(ctx context.Context, keyOrPreview string) error {
	raw, err := m.resolveKey(ctx, keyOrPreview)
	if err != nil {
		return err
	}
	if err := m.store.Reset(ctx, raw); err != nil {
		return err
	}
	key := secret.New(raw)
	log.WithField("key", key.Preview()).Info("key_reset")
	m.publish(ctx, events.TopicKeyReset, key, "")
	return nil
}

// Lookup resolves a raw credential or its preview to the full KeyInfo, using
// the current config snapshot for group routing details.
func (m *Manager) Lookup(ctx context.Context, keyOrPreview string) (KeyInfo, error) {
	raw, err := m.resolveKey(ctx, keyOrPreview)
	if err != nil {
		return KeyInfo{}, err
	}
	cfg := m.cfg.Load()
	if cfg == nil {
		return KeyInfo{}, ErrUnknownKey
	}
	for _, g := range cfg.Groups {
		for _, k := range g.APIKeys {
			if k == raw {
				return KeyInfo{
					Key:       secret.New(raw),
					GroupName: g.Name,
					TargetURL: g.TargetURL,
					ProxyURL:  g.ProxyURL,
					TopP:      cfg.GroupTopP(g.Name),
				}, nil
			}
		}
	}
	return KeyInfo{}, ErrUnknownKey
}

// resolveKey accepts either a raw credential or its preview form and returns
// the raw member it denotes.
func (m *Manager) resolveKey(ctx context.Context, keyOrPreview string) (string, error) {
	candidates, err := m.store.Candidates(ctx)
	if err != nil {
		return "", err
	}
	for _, raw := range candidates {
		if raw == keyOrPreview || secret.Preview(raw) == keyOrPreview {
			return raw, nil
		}
	}
	return "", ErrUnknownKey
}

func (m *Manager) publish(ctx context.Context, topic string, key secret.Key, group string) {
	if m.publisher == nil {
		return
	}
	meta := map[string]string{"key": key.Preview()}
	if group != "" {
		meta["group"] = group
	}
	m.publisher.Publish(ctx, topic, key.Preview(), meta)
}
