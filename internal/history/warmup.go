package history

import (
	"log/slog"
	"slices"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// warmup is the background queue that fetches the first page of
// conversations the user has not opened yet.
type warmup struct {
	queue     []string
	queued    map[string]bool
	inFlight  map[string]bool
	requested map[string]bool

	timer *time.Timer
	gen   uint64
}

func newWarmup() *warmup {
	return &warmup{
		queued:    make(map[string]bool),
		inFlight:  make(map[string]bool),
		requested: make(map[string]bool),
	}
}

func (w *warmup) push(key string) {
	w.queue = append(w.queue, key)
	w.queued[key] = true
}

func (w *warmup) pop() string {
	key := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, key)

	return key
}

func (w *warmup) drop(key string) {
	if !w.queued[key] {
		return
	}

	w.queue = slices.DeleteFunc(w.queue, func(k string) bool { return k == key })
	delete(w.queued, key)
}

// requeueInFlight puts in-flight keys back at the head of the queue.
func (w *warmup) requeueInFlight() {
	if len(w.inFlight) == 0 {
		return
	}

	keys := make([]string, 0, len(w.inFlight))
	for key := range w.inFlight {
		keys = append(keys, key)
	}

	slices.Sort(keys)
	clear(w.inFlight)

	for _, key := range keys {
		w.queued[key] = true
	}

	w.queue = append(keys, w.queue...)
}

func (w *warmup) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	w.gen++
}

// ScheduleWarmup queues conversations for a background first-page fetch.
// Conversations that are open, loaded, already queued, or already warmed
// are skipped. The queue is bounded by HistoryWarmupLimit.
func (r *Router) ScheduleWarmup(targets []models.Target) {
	b := &batch{}

	r.mu.Lock()
	limit := r.caps.HistoryWarmupLimit
	added := 0

	for _, t := range targets {
		if len(r.warm.queue) >= limit {
			break
		}

		if !t.Valid() {
			continue
		}

		key := t.Key()
		if key == r.selected || r.warm.queued[key] || r.warm.inFlight[key] || r.warm.requested[key] {
			continue
		}

		if r.store.Meta(key).Loaded || r.store.HasAnchoredEvidence(key) {
			continue
		}

		if st, ok := r.syncs[key]; ok && st.requested {
			continue
		}

		r.remember(t)
		r.warm.push(key)
		added++
	}

	if added > 0 {
		r.logger.Debug("warmup scheduled", slog.Int("queued", added), slog.Int("pending", len(r.warm.queue)))
	}

	r.drainWarmupLocked(b)
	r.mu.Unlock()

	r.flush(b)
}

// drainWarmupLocked issues queued warmups up to the concurrency limit.
// It pauses while the page is hidden or off the main view. While the
// open conversation's first page is in flight it yields and polls.
func (r *Router) drainWarmupLocked(b *batch) {
	if len(r.warm.queue) == 0 {
		return
	}

	if !r.visible || !r.mainView {
		r.logger.Debug("warmup paused", slog.Bool("visible", r.visible), slog.Bool("main_view", r.mainView))
		return
	}

	if r.selected != "" {
		if r.store.Meta(r.selected).Loading {
			r.scheduleDrainLocked(r.warmupDelay())
			return
		}
	}

	concurrency := max(1, r.caps.HistoryWarmupConcurrency)
	pageLimit := r.caps.HistoryWarmupPageLimit
	if pageLimit <= 0 {
		pageLimit = TailLimit
	}

	for len(r.warm.inFlight) < concurrency && len(r.warm.queue) > 0 {
		key := r.warm.pop()

		t, ok := r.targets[key]
		if !ok {
			continue
		}

		if st, ok := r.syncs[key]; ok && st.requested {
			continue
		}

		if r.store.Meta(key).Loaded {
			continue
		}

		r.warm.inFlight[key] = true

		req := models.NewHistoryRequest(t, pageLimit)
		req.BeforeID = models.Int64(0)
		b.send(req)
		r.armLocked(key, ModeWarmup)

		r.logger.Debug("warming conversation", slog.String("conversation", key))
	}
}

// releaseWarmupLocked frees the in-flight slot held by key and queues
// the next batch after the inter-batch delay.
func (r *Router) releaseWarmupLocked(key string) {
	if !r.warm.inFlight[key] {
		return
	}

	delete(r.warm.inFlight, key)
	r.warm.requested[key] = true

	if st, ok := r.syncs[key]; ok {
		stopTimer(st, ModeWarmup)
	}

	r.scheduleDrainLocked(r.warmupDelay())
}

// scheduleDrainLocked arms a single pending drain. A drain already
// scheduled is kept.
func (r *Router) scheduleDrainLocked(delay time.Duration) {
	if len(r.warm.queue) == 0 || r.warm.timer != nil {
		return
	}

	r.warm.gen++
	gen := r.warm.gen
	w := r.warm

	w.timer = time.AfterFunc(delay, func() {
		b := &batch{}

		r.mu.Lock()
		if r.warm != w || w.gen != gen {
			r.mu.Unlock()
			return
		}

		w.timer = nil
		r.drainWarmupLocked(b)
		r.mu.Unlock()

		r.flush(b)
	})
}

func (r *Router) warmupDelay() time.Duration {
	if d := r.caps.WarmupDelay(); d > 0 {
		return d
	}

	return defaultWarmupDelay
}
