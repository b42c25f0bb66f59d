package history

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
)

// armLocked starts the timeout for (key, mode), replacing any earlier
// timer for the same pair. Each timer carries a generation so a callback
// racing a Stop is ignored.
func (r *Router) armLocked(key string, mode Mode) {
	st := r.sync(key)
	stopTimer(st, mode)

	r.timerGen++
	gen := r.timerGen

	timeout := r.caps.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	st.timers[mode] = &requestTimer{
		gen: gen,
		timer: time.AfterFunc(timeout, func() {
			r.handleTimeout(key, mode, gen)
		}),
	}
}

func stopTimer(st *syncState, mode Mode) {
	if rt, ok := st.timers[mode]; ok {
		rt.timer.Stop()
		delete(st.timers, mode)
	}
}

func stopTimers(st *syncState) {
	for mode := range st.timers {
		stopTimer(st, mode)
	}
}

// handleTimeout runs when a request got no response in time. History and
// delta requests are retried once; a second consecutive timeout gives up
// and surfaces StatusHistoryTimeout. Background requests only release
// their markers.
func (r *Router) handleTimeout(key string, mode Mode, gen uint64) {
	b := &batch{}

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		r.flush(b)
	}()

	st, ok := r.syncs[key]
	if !ok {
		return
	}

	rt, ok := st.timers[mode]
	if !ok || rt.gen != gen {
		return
	}

	delete(st.timers, mode)

	r.logger.Warn("history request timed out",
		slog.String("conversation", key),
		slog.String("mode", string(mode)),
		slog.Int("attempt", st.attempts[mode]+1),
	)

	switch mode {
	case ModePreview:
		st.previewRequested = false
	case ModePrefetch:
		st.requested = false
		st.prefetchRequested = false
	case ModeWarmup:
		r.releaseWarmupLocked(key)
	case ModeHistory:
		st.requested = false
		// An adopted warmup page is lost too; the retry is a real tail.
		r.releaseWarmupLocked(key)
		r.retryLocked(b, key, st, mode)
	case ModeDelta:
		st.deltaRequested = false
		r.retryLocked(b, key, st, mode)
	}
}

func (r *Router) retryLocked(b *batch, key string, st *syncState, mode Mode) {
	st.attempts[mode]++

	if st.attempts[mode] >= maxAttempts {
		if mode == ModeHistory {
			st.olderBefore = 0
		}

		r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = false })

		if r.selected == "" || r.selected == key {
			r.setStatusLocked(b, StatusHistoryTimeout)
		}

		r.logger.Error("history retries exhausted",
			slog.String("conversation", key),
			slog.String("mode", string(mode)),
		)
		r.scheduleDrainLocked(r.warmupDelay())

		return
	}

	t, ok := r.targets[key]
	if !ok {
		r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = false })
		return
	}

	// An older page is asked for again as is. Has-more was settled when
	// it was first sent, possibly by a bypass that is now spent.
	if mode == ModeHistory && st.olderBefore > 0 {
		r.sendOlderLocked(b, t, st.olderBefore)
		return
	}

	r.requestHistoryLocked(b, t, RequestOptions{Force: true, DeltaLimit: ForceDeltaLimit})
}
