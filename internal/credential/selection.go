package credential

import (
	"context"
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/config"
	apperr "gemini-proxy-go/internal/errors"
	"gemini-proxy-go/internal/events"
	"gemini-proxy-go/internal/secret"
	"gemini-proxy-go/internal/store"
)

// ErrUnknownKey is returned when a reset target matches no pool member.
var ErrUnknownKey = errors.New("unknown credential")

// Next picks an available credential for the request. When the model maps to
// a group, rotation happens within that group. When no model is given (or no
// group claims it), the cross-group cursor rotates over the groups in
// configured order and each group rotates internally on its own cursor, so
// traffic interleaves across groups instead of draining one pool first.
func (m *Manager) Next(ctx context.Context, model string) (KeyInfo, error) {
	cfg := m.cfg.Load()
	if cfg == nil || len(cfg.Groups) == 0 {
		return KeyInfo{}, apperr.ErrNoHealthyKeys
	}

	if group, ok := m.GroupForModel(model); ok {
		info, err := m.nextInGroup(ctx, cfg, group)
		if err != nil {
			if errors.Is(err, apperr.ErrNoHealthyKeys) {
				return KeyInfo{}, apperr.ErrNoHealthyKeys
			}
			return KeyInfo{}, err
		}
		return info, nil
	}

	// Cross-group rotation via the sentinel cursor.
	cursor, err := m.store.NextRotationIndex(ctx, store.DefaultGroup)
	if err != nil {
		return KeyInfo{}, err
	}
	numGroups := len(cfg.Groups)
	start := int((cursor - 1) % uint64(numGroups))
	for i := 0; i < numGroups; i++ {
		group := cfg.Groups[(start+i)%numGroups]
		info, err := m.nextInGroup(ctx, cfg, group)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, apperr.ErrNoHealthyKeys) {
			return KeyInfo{}, err
		}
	}
	return KeyInfo{}, apperr.ErrNoHealthyKeys
}

// nextInGroup scans the group's candidates circularly from the rotation
// cursor and returns the first key that is not blocked or cooling down.
func (m *Manager) nextInGroup(ctx context.Context, cfg *config.Config, group config.GroupConfig) (KeyInfo, error) {
	candidates := append([]string(nil), group.APIKeys...)
	if len(candidates) == 0 {
		return KeyInfo{}, apperr.ErrNoHealthyKeys
	}
	// Deterministic order independent of config listing and map iteration.
	sort.Strings(candidates)

	cursor, err := m.store.NextRotationIndex(ctx, group.Name)
	if err != nil {
		return KeyInfo{}, err
	}
	n := len(candidates)
	start := int((cursor - 1) % uint64(n))
	now := m.now()

	for i := 0; i < n; i++ {
		raw := candidates[(start+i)%n]
		st, err := m.store.GetState(ctx, raw)
		if err != nil {
			return KeyInfo{}, err
		}
		if st != nil && !st.Available(now) {
			continue
		}

		key := secret.New(raw)
		log.WithFields(log.Fields{
			"key":        key.Preview(),
			"group":      group.Name,
			"rotation":   "round_robin",
			"candidates": n,
		}).Debug("key_selected")
		m.publish(ctx, events.TopicKeySelected, key, group.Name)

		return KeyInfo{
			Key:       key,
			GroupName: group.Name,
			TargetURL: group.TargetURL,
			ProxyURL:  group.ProxyURL,
			TopP:      cfg.GroupTopP(group.Name),
		}, nil
	}
	return KeyInfo{}, apperr.ErrNoHealthyKeys
}
