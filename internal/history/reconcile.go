package history

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// HandleHistoryResult reconciles one server page with the cache. It is
// the only place in-flight markers are cleared on success. Results that
// arrive after their request timed out are still applied.
func (r *Router) HandleHistoryResult(res models.HistoryResult) error {
	b := &batch{}

	r.mu.Lock()
	t, ok := r.resolveLocked(res.Room, res.Peer)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("history result without room or peer: %w", apperrors.ErrMalformedResult)
	}

	key := t.Key()

	switch {
	case res.Preview:
		r.applyPreviewLocked(key, res)
	case res.IsBackward():
		r.applyBackwardLocked(b, t, res)
	default:
		r.applyDeltaLocked(b, t, res)
	}

	if res.ReadUpTo != nil {
		r.store.SetReadMarker(key, *res.ReadUpTo)
	}

	b.update(key)
	r.mu.Unlock()

	r.flush(b)

	return nil
}

// HandleLiveMessage merges a pushed message through the same id-keyed
// merge as history pages.
func (r *Router) HandleLiveMessage(msg models.LiveMessage) error {
	b := &batch{}

	r.mu.Lock()
	t, ok := r.resolveLocked(msg.Room, msg.Peer)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("live message without room or peer: %w", apperrors.ErrMalformedResult)
	}

	key := t.Key()
	if r.store.Ingest(key, msg.Message).Changed() {
		b.update(key)
	}
	r.mu.Unlock()

	r.flush(b)

	return nil
}

func (r *Router) applyPreviewLocked(key string, res models.HistoryResult) {
	st := r.sync(key)
	st.previewRequested = false
	stopTimer(st, ModePreview)

	for i := len(res.Rows) - 1; i >= 0; i-- {
		if res.Rows[i].Anchored() {
			r.store.SetPreview(key, res.Rows[i])
			return
		}
	}
}

// applyBackwardLocked handles tail pages (before_id 0) and older pages.
func (r *Router) applyBackwardLocked(b *batch, t models.Target, res models.HistoryResult) {
	key := t.Key()
	st := r.sync(key)

	st.requested = false
	st.prefetchRequested = false
	st.olderBefore = 0
	stopTimer(st, ModeHistory)
	stopTimer(st, ModePrefetch)
	st.attempts[ModeHistory] = 0

	before := *res.BeforeID
	meta := r.store.Meta(key)

	// Rows older than a cursor the server called exhausted.
	if before > 0 && meta.HasMore != nil && !*meta.HasMore && len(res.Rows) > 0 {
		r.grantBypassLocked(key, st)
	}

	merged := r.store.MergeRows(key, res.Rows)
	minID, hasMin := r.store.MinID(key)

	r.store.UpdateMeta(key, func(m *cache.Meta) {
		m.Loaded = true
		m.Loading = false

		if hasMin {
			m.Cursor = minID
		}

		switch {
		case res.HasMore != nil:
			m.HasMore = models.Bool(*res.HasMore)
		case before > 0 && len(res.Rows) == 0:
			m.HasMore = models.Bool(false)
		}
	})

	if r.warm.inFlight[key] {
		r.releaseWarmupLocked(key)
	}

	if key == r.selected {
		if r.status == StatusHistoryTimeout {
			r.setStatusLocked(b, "")
		}

		r.scheduleDrainLocked(r.warmupDelay())
	}

	r.logger.Debug("history page applied",
		slog.String("conversation", key),
		slog.Int64("before_id", before),
		slog.Int("rows", len(res.Rows)),
		slog.Int("added", merged.Added),
	)
}

func (r *Router) applyDeltaLocked(b *batch, t models.Target, res models.HistoryResult) {
	key := t.Key()
	st := r.sync(key)

	st.deltaRequested = false
	stopTimer(st, ModeDelta)
	st.attempts[ModeDelta] = 0

	merged := r.store.MergeRows(key, res.Rows)

	if minID, ok := r.store.MinID(key); ok {
		r.store.UpdateMeta(key, func(m *cache.Meta) {
			if m.Cursor == 0 || minID < m.Cursor {
				m.Cursor = minID
			}
		})
	}

	if key == r.selected && r.status == StatusHistoryTimeout {
		r.setStatusLocked(b, "")
	}

	r.logger.Debug("delta applied",
		slog.String("conversation", key),
		slog.Int("rows", len(res.Rows)),
		slog.Int("added", merged.Added),
	)

	// The server capped the page; keep going until caught up.
	if res.HasMore != nil && *res.HasMore && len(res.Rows) > 0 {
		if maxID, ok := r.store.MaxID(key); ok {
			r.requestDeltaLocked(b, t, maxID, RequestOptions{Force: true, DeltaLimit: ForceDeltaLimit})
		}
	}
}

func (r *Router) grantBypassLocked(key string, st *syncState) {
	if st.bypass.grants >= bypassMaxGrants {
		r.logger.Warn("has-more bypass limit reached", slog.String("conversation", key))
		return
	}

	st.bypass.grants++
	st.bypass.until = r.now().Add(bypassTTL)
	st.bypass.used = false

	r.logger.Info("server returned rows past has_more=false, granting bypass",
		slog.String("conversation", key),
		slog.Int("grants", st.bypass.grants),
	)
}

// resolveLocked maps a response's room or peer back to a target. Rooms
// the router has not seen default to group.
func (r *Router) resolveLocked(room, peer string) (models.Target, bool) {
	if peer != "" {
		return models.Target{Kind: models.KindDM, ID: peer}, true
	}

	if room == "" {
		return models.Target{}, false
	}

	kind, ok := r.rooms[room]
	if !ok {
		kind = models.KindGroup
	}

	return models.Target{Kind: kind, ID: room}, true
}
