package history

import (
	"sort"
)

// Snapshot is a read-only view of one conversation's sync state.
type Snapshot struct {
	Key               string       `json:"key"`
	Selected          bool         `json:"selected"`
	Loaded            bool         `json:"loaded"`
	Loading           bool         `json:"loading"`
	Cursor            int64        `json:"cursor"`
	HasMore           *bool        `json:"has_more,omitempty"`
	ReadMarker        int64        `json:"read_marker,omitempty"`
	Cached            int          `json:"cached"`
	Requested         bool         `json:"requested"`
	DeltaRequested    bool         `json:"delta_requested"`
	PrefetchRequested bool         `json:"prefetch_requested"`
	PreviewRequested  bool         `json:"preview_requested"`
	WarmupQueued      bool         `json:"warmup_queued"`
	WarmupInFlight    bool         `json:"warmup_in_flight"`
	BypassGrants      int          `json:"bypass_grants"`
	BypassAvailable   bool         `json:"bypass_available"`
	Attempts          map[Mode]int `json:"attempts,omitempty"`
	Pending           []Mode       `json:"pending_timeouts,omitempty"`
}

// Snapshot returns the sync state for key.
func (r *Router) Snapshot(key string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := r.store.Meta(key)
	snap := Snapshot{
		Key:            key,
		Selected:       key == r.selected,
		Loaded:         meta.Loaded,
		Loading:        meta.Loading,
		Cursor:         meta.Cursor,
		HasMore:        meta.HasMore,
		ReadMarker:     meta.ReadMarker,
		Cached:         r.store.Len(key),
		WarmupQueued:   r.warm.queued[key],
		WarmupInFlight: r.warm.inFlight[key],
	}

	st, ok := r.syncs[key]
	if !ok {
		return snap
	}

	snap.Requested = st.requested
	snap.DeltaRequested = st.deltaRequested
	snap.PrefetchRequested = st.prefetchRequested
	snap.PreviewRequested = st.previewRequested
	snap.BypassGrants = st.bypass.grants
	snap.BypassAvailable = st.bypass.available(r.now())

	for mode, n := range st.attempts {
		if n > 0 {
			if snap.Attempts == nil {
				snap.Attempts = make(map[Mode]int)
			}

			snap.Attempts[mode] = n
		}
	}

	for mode := range st.timers {
		snap.Pending = append(snap.Pending, mode)
	}

	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i] < snap.Pending[j] })

	return snap
}

// Keys returns every conversation the router has seen, sorted.
func (r *Router) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.targets))
	for key := range r.targets {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
