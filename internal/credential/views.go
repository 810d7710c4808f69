package credential

import (
	"context"
	"sort"

	"gemini-proxy-go/internal/secret"
)

// KeyViews returns the admin listing of every pool member, previews only,
// sorted for stable output.
func (m *Manager) KeyViews(ctx context.Context) ([]KeyView, error) {
	candidates, err := m.store.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	states, err := m.store.GetAllStates(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()

	views := make([]KeyView, 0, len(candidates))
	for _, raw := range candidates {
		view := KeyView{Preview: secret.Preview(raw)}
		if st, ok := states[raw]; ok {
			stCopy := st
			view.Group = st.GroupName
			view.Health = Classify(&stCopy, now)
			view.ConsecutiveFailures = st.ConsecutiveFailures
			if !st.LastFailure.IsZero() {
				t := st.LastFailure
				view.LastFailure = &t
			}
			if !st.CooldownUntil.IsZero() && st.CooldownUntil.After(now) {
				t := st.CooldownUntil
				view.CooldownUntil = &t
			}
		} else {
			view.Health = HealthAvailable
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Group != views[j].Group {
			return views[i].Group < views[j].Group
		}
		return views[i].Preview < views[j].Preview
	})
	return views, nil
}

// Rollups aggregates key health per group, sorted by group name.
func (m *Manager) Rollups(ctx context.Context) ([]GroupRollup, error) {
	views, err := m.KeyViews(ctx)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[string]*GroupRollup)
	for _, v := range views {
		roll, ok := byGroup[v.Group]
		if !ok {
			roll = &GroupRollup{Group: v.Group}
			byGroup[v.Group] = roll
		}
		roll.Total++
		switch v.Health {
		case HealthAvailable:
			roll.Available++
		case HealthLimited:
			roll.Limited++
		case HealthInvalid:
			roll.Invalid++
		}
	}
	out := make([]GroupRollup, 0, len(byGroup))
	for _, roll := range byGroup {
		out = append(out, *roll)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}
