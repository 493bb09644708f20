package realtime

import "sync"

// PresenceState mirrors the server's synchronized presence set for one
// channel. It is rebuilt from presence_state messages and patched by
// presence_diff messages; join/leave deltas are computed per key so
// consumers see each participant appear and disappear exactly once.
type PresenceState struct {
	mu    sync.RWMutex
	state map[string][]map[string]any // presenceKey -> metas
}

// NewPresenceState creates an empty presence state.
func NewPresenceState() *PresenceState {
	return &PresenceState{
		state: make(map[string][]map[string]any),
	}
}

// Replace installs the full server state and returns the keys that joined
// and left relative to the previous state. Payload changes for a key that
// stays present are not reported as joins.
func (ps *PresenceState) Replace(state map[string][]map[string]any) (joins, leaves map[string][]map[string]any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	joins = make(map[string][]map[string]any)
	leaves = make(map[string][]map[string]any)

	for key, metas := range state {
		if _, ok := ps.state[key]; !ok {
			joins[key] = metas
		}
	}
	for key, metas := range ps.state {
		if _, ok := state[key]; !ok {
			leaves[key] = metas
		}
	}

	ps.state = make(map[string][]map[string]any, len(state))
	for key, metas := range state {
		ps.state[key] = metas
	}
	return joins, leaves
}

// ApplyDiff patches the state with a presence_diff. A key leaves only when
// all of its metas are gone; a multi-tab participant dropping one
// connection does not produce a leave.
func (ps *PresenceState) ApplyDiff(joins, leaves map[string][]map[string]any) (joined, left map[string][]map[string]any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	joined = make(map[string][]map[string]any)
	left = make(map[string][]map[string]any)

	for key, metas := range joins {
		if _, ok := ps.state[key]; !ok {
			joined[key] = metas
		}
		ps.state[key] = append(ps.state[key], metas...)
	}

	for key, metas := range leaves {
		current, ok := ps.state[key]
		if !ok {
			continue
		}
		remaining := current[:0]
		for _, m := range current {
			if !containsRef(metas, m) {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			delete(ps.state, key)
			left[key] = metas
		} else {
			ps.state[key] = remaining
		}
	}
	return joined, left
}

// Get returns a snapshot of the current presence set.
func (ps *PresenceState) Get() map[string][]map[string]any {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := make(map[string][]map[string]any, len(ps.state))
	for key, metas := range ps.state {
		copied := make([]map[string]any, len(metas))
		copy(copied, metas)
		result[key] = copied
	}
	return result
}

// Keys returns the set of present participant keys.
func (ps *PresenceState) Keys() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	keys := make([]string, 0, len(ps.state))
	for key := range ps.state {
		keys = append(keys, key)
	}
	return keys
}

// Reset clears the state, e.g. after a transport reconnect.
func (ps *PresenceState) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.state = make(map[string][]map[string]any)
}

// containsRef reports whether metas contains an entry with the same
// phx_ref as m. Metas without refs are matched by identity of the map.
func containsRef(metas []map[string]any, m map[string]any) bool {
	ref, _ := m["phx_ref"].(string)
	for _, candidate := range metas {
		if ref != "" {
			if cref, _ := candidate["phx_ref"].(string); cref == ref {
				return true
			}
			continue
		}
		if len(candidate) == len(m) {
			same := true
			for k, v := range m {
				if candidate[k] != v {
					same = false
					break
				}
			}
			if same {
				return true
			}
		}
	}
	return false
}
