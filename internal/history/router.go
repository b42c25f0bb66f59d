// Package history keeps each conversation's cached messages consistent
// with the server's paginated history.
//
// The Router owns every per-conversation request lifecycle: the initial
// tail fetch, backward pagination, delta sync after reconnect, passive
// previews, background prefetch, and warmup of conversations that are
// not open. Responses come back through HandleHistoryResult, the single
// place the cache is reconciled with the server.
//
// Concurrency: all router state is guarded by one mutex. Timer callbacks
// and transport callbacks take the same lock, so the router behaves as a
// single logical owner. Outbound requests and host hooks are collected
// while locked and delivered after unlocking, which lets a synchronous
// transport call straight back into HandleHistoryResult.
package history

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	"github.com/alexjbarnes/timeline-sync/internal/models"
)

const (
	// TailLimit is the page size of tail and backward page requests.
	TailLimit = 200

	// DefaultDeltaLimit is the page size of a delta request.
	DefaultDeltaLimit = 200

	// ForceDeltaLimit is used for explicit and automatic retries so one
	// response can close a long gap.
	ForceDeltaLimit = 2000

	// previewLimit is the page size of a passive preview request.
	previewLimit = 1

	// deltaThrottle is the minimum spacing of unforced delta requests
	// for one conversation.
	deltaThrottle = 1500 * time.Millisecond

	// maxAttempts is the number of consecutive timeouts per
	// (conversation, mode) after which the router stops retrying and
	// reports failure.
	maxAttempts = 2

	// bypassMaxGrants caps has-more bypasses per conversation.
	bypassMaxGrants = 2

	// bypassTTL is how long a granted bypass stays usable.
	bypassTTL = 8 * time.Second

	// defaultRequestTimeout applies when the device caps carry none.
	defaultRequestTimeout = 12 * time.Second

	// defaultWarmupDelay applies when the device caps carry none.
	defaultWarmupDelay = 400 * time.Millisecond
)

// StatusHistoryTimeout is surfaced once automatic retries are exhausted.
const StatusHistoryTimeout = "История не отвечает. Повторите позже."

// Sender writes a request to the transport. It must not block on the
// response; results arrive through HandleHistoryResult.
type Sender interface {
	Send(req models.HistoryRequest)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(req models.HistoryRequest)

// Send calls f(req).
func (f SenderFunc) Send(req models.HistoryRequest) { f(req) }

// Mode identifies a request lifecycle tracked per conversation.
type Mode string

const (
	ModeHistory  Mode = "history"
	ModeDelta    Mode = "delta"
	ModePrefetch Mode = "prefetch"
	ModePreview  Mode = "preview"
	ModeWarmup   Mode = "warmup"
)

// RequestOptions modifies RequestHistory.
type RequestOptions struct {
	// Force skips the delta throttle.
	Force bool
	// DeltaLimit overrides DefaultDeltaLimit when positive.
	DeltaLimit int
	// PrefetchBefore additionally asks for the page before the cursor
	// when background fetches are allowed.
	PrefetchBefore bool
}

// Config wires a Router to its collaborators.
type Config struct {
	Sender Sender
	Store  *cache.Store
	Caps   models.DeviceCaps

	// OnStatus receives the user-visible status line. Empty clears it.
	OnStatus func(status string)
	// OnBeforePrepend runs right before a backward page is requested for
	// a conversation, so the renderer can capture its prepend anchor.
	OnBeforePrepend func(key string)
	// OnUpdate runs after a result changed the cache for a conversation.
	OnUpdate func(key string)
}

// Router is the Sync Request Router.
type Router struct {
	mu     sync.Mutex
	sender Sender
	store  *cache.Store
	caps   models.DeviceCaps
	logger *slog.Logger
	now    func() time.Time

	onStatus        func(string)
	onBeforePrepend func(string)
	onUpdate        func(string)

	targets map[string]models.Target
	rooms   map[string]models.Kind
	syncs   map[string]*syncState
	warm    *warmup

	selected string
	visible  bool
	mainView bool
	status   string
	timerGen uint64
}

// syncState is the request bookkeeping for one conversation.
type syncState struct {
	requested         bool
	deltaRequested    bool
	previewRequested  bool
	prefetchRequested bool
	olderBefore       int64
	lastDelta         time.Time
	attempts          map[Mode]int
	timers            map[Mode]*requestTimer
	bypass            bypass
}

// bypass lets one backward page through after the server contradicted
// its own has_more=false. Grants are capped per conversation.
type bypass struct {
	grants int
	until  time.Time
	used   bool
}

func (b bypass) available(now time.Time) bool {
	return b.grants > 0 && !b.used && now.Before(b.until)
}

type requestTimer struct {
	timer *time.Timer
	gen   uint64
}

// batch collects side effects produced under the lock.
type batch struct {
	prepend       []string
	reqs          []models.HistoryRequest
	updates       []string
	status        string
	statusChanged bool
}

func (b *batch) send(req models.HistoryRequest) {
	b.reqs = append(b.reqs, req)
}

func (b *batch) update(key string) {
	for _, k := range b.updates {
		if k == key {
			return
		}
	}

	b.updates = append(b.updates, key)
}

// New creates a Router. The page starts visible and on the main view.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		sender:          cfg.Sender,
		store:           cfg.Store,
		caps:            cfg.Caps,
		logger:          logger,
		now:             time.Now,
		onStatus:        cfg.OnStatus,
		onBeforePrepend: cfg.OnBeforePrepend,
		onUpdate:        cfg.OnUpdate,
		targets:         make(map[string]models.Target),
		rooms:           make(map[string]models.Kind),
		syncs:           make(map[string]*syncState),
		warm:            newWarmup(),
		visible:         true,
		mainView:        true,
	}
}

// SetHooks replaces the host hooks. Used when the renderer is created
// after the router.
func (r *Router) SetHooks(onBeforePrepend, onUpdate func(key string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onBeforePrepend = onBeforePrepend
	r.onUpdate = onUpdate
}

// SetCaps replaces the device capability profile.
func (r *Router) SetCaps(caps models.DeviceCaps) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.caps = caps
	r.logger.Info("device caps updated",
		slog.Bool("constrained", caps.Constrained),
		slog.Bool("prefetch", caps.PrefetchAllowed),
		slog.Int("warmup_concurrency", caps.HistoryWarmupConcurrency),
	)
}

// SetVisibility records whether the page is visible and on the main
// view. Warmup drains only while both hold.
func (r *Router) SetVisibility(visible, mainView bool) {
	b := &batch{}

	r.mu.Lock()
	r.visible = visible
	r.mainView = mainView
	r.drainWarmupLocked(b)
	r.mu.Unlock()

	r.flush(b)
}

// Status returns the current status line.
func (r *Router) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Selected returns the open conversation.
func (r *Router) Selected() (models.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selected == "" {
		return models.Target{}, false
	}

	return r.targets[r.selected], true
}

// Select opens a conversation. Pending timers of the previously open
// conversation are cancelled. Its in-flight markers are kept so that
// switching back does not send the same request twice; responses still
// in flight for it are applied to the cache when they arrive.
func (r *Router) Select(t models.Target) {
	if !t.Valid() {
		r.logger.Warn("ignoring select of invalid target", slog.String("target", t.Key()))
		return
	}

	b := &batch{}
	key := t.Key()

	r.mu.Lock()
	if prev := r.selected; prev != "" && prev != key {
		r.parkLocked(prev)
	}

	if r.status != "" {
		r.setStatusLocked(b, "")
	}

	r.remember(t)
	r.selected = key
	r.warm.drop(key)
	r.requestHistoryLocked(b, t, RequestOptions{PrefetchBefore: true})
	r.mu.Unlock()

	r.flush(b)
}

// RequestHistory brings the cache for t up to date: a tail fetch when
// nothing server-anchored is cached, otherwise a delta from the newest
// cached id.
func (r *Router) RequestHistory(t models.Target, opts RequestOptions) {
	if !t.Valid() {
		r.logger.Warn("ignoring history request for invalid target", slog.String("target", t.Key()))
		return
	}

	b := &batch{}

	r.mu.Lock()
	r.remember(t)
	r.requestHistoryLocked(b, t, opts)
	r.mu.Unlock()

	r.flush(b)
}

// RequestMoreHistory asks for the page before the cursor of the open
// conversation. It is a no-op until the first page has loaded, and when
// the server has said there is nothing older and no bypass is usable.
func (r *Router) RequestMoreHistory() {
	b := &batch{}

	r.mu.Lock()
	if r.selected != "" {
		r.loadMoreLocked(b, r.selected)
	}
	r.mu.Unlock()

	r.flush(b)
}

// ForceRetrySelected clears every pending marker and timer for t and
// re-issues its history request without throttling. Used for explicit
// user retry after the failure status.
func (r *Router) ForceRetrySelected(t models.Target) {
	if !t.Valid() {
		return
	}

	b := &batch{}
	key := t.Key()

	r.mu.Lock()
	r.remember(t)
	r.releaseLocked(key)
	r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = false })

	st := r.sync(key)
	st.lastDelta = time.Time{}

	if r.status != "" {
		r.setStatusLocked(b, "")
	}

	r.logger.Info("forcing history retry", slog.String("conversation", key))
	r.requestHistoryLocked(b, t, RequestOptions{Force: true, DeltaLimit: ForceDeltaLimit})
	r.mu.Unlock()

	r.flush(b)
}

// RequestPreview asks for the newest message of t without loading its
// history. The row is stored as the conversation preview.
func (r *Router) RequestPreview(t models.Target) {
	if !t.Valid() {
		return
	}

	b := &batch{}
	key := t.Key()

	r.mu.Lock()
	r.remember(t)

	st := r.sync(key)
	if !st.previewRequested {
		st.previewRequested = true
		req := models.NewHistoryRequest(t, previewLimit)
		req.BeforeID = models.Int64(0)
		req.Preview = true
		b.send(req)
		r.armLocked(key, ModePreview)
	}
	r.mu.Unlock()

	r.flush(b)
}

// HandleReconnect re-issues work lost with the previous connection:
// in-flight markers are cleared, in-flight warmups go back to the queue,
// and the open conversation gets a forced delta.
func (r *Router) HandleReconnect() {
	b := &batch{}

	r.mu.Lock()
	for key := range r.syncs {
		r.releaseLocked(key)
	}

	r.store.ClearLoading()
	r.warm.requeueInFlight()

	if r.selected != "" {
		r.requestHistoryLocked(b, r.targets[r.selected], RequestOptions{Force: true, PrefetchBefore: true})
	}

	r.drainWarmupLocked(b)
	r.mu.Unlock()

	r.logger.Info("history state resynced after reconnect")
	r.flush(b)
}

// Reset is logout: every marker, timer, bypass, queued warmup, and
// cached conversation is dropped.
func (r *Router) Reset() {
	r.mu.Lock()
	for _, st := range r.syncs {
		stopTimers(st)
	}

	r.warm.stop()
	r.warm = newWarmup()
	r.syncs = make(map[string]*syncState)
	r.targets = make(map[string]models.Target)
	r.rooms = make(map[string]models.Kind)
	r.selected = ""
	hadStatus := r.status != ""
	r.status = ""
	onStatus := r.onStatus
	r.mu.Unlock()

	r.store.ClearAll()

	if hadStatus && onStatus != nil {
		onStatus("")
	}

	r.logger.Info("history state reset")
}

// Close stops every pending timer. Cached state is kept.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.syncs {
		stopTimers(st)
	}

	r.warm.stop()
}

// requestHistoryLocked implements the RequestHistory branches.
func (r *Router) requestHistoryLocked(b *batch, t models.Target, opts RequestOptions) {
	key := t.Key()
	r.resumeLocked(key)
	meta := r.store.Meta(key)

	if !r.store.HasAnchoredEvidence(key) {
		if meta.Loaded {
			// The cache lost its rows but kept the flag. Demote and
			// start over rather than sending a delta with no anchor.
			r.logger.Warn("stale loaded flag without cached history, refetching tail",
				slog.String("conversation", key),
			)
			r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loaded = false })
		}

		r.requestTailLocked(b, t)

		return
	}

	sinceID, ok := r.store.MaxID(key)
	if !ok {
		// Only a cursor survives; a delta is undefined without an anchor.
		r.logger.Debug("no delta anchor, resetting to tail", slog.String("conversation", key))
		r.requestTailLocked(b, t)

		return
	}

	r.requestDeltaLocked(b, t, sinceID, opts)

	if opts.PrefetchBefore {
		r.requestPrefetchLocked(b, t)
	}
}

func (r *Router) requestTailLocked(b *batch, t models.Target) {
	key := t.Key()
	st := r.sync(key)

	if st.requested {
		r.logger.Debug("tail already in flight", slog.String("conversation", key))
		return
	}

	if r.warm.inFlight[key] {
		// The warmup page is the tail. Adopt it and time it as history so
		// a lost page is retried as a real tail.
		st.requested = true
		r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = true })
		r.armLocked(key, ModeHistory)

		r.logger.Debug("adopting in-flight warmup as tail", slog.String("conversation", key))

		return
	}

	st.requested = true
	r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = true })

	req := models.NewHistoryRequest(t, TailLimit)
	req.BeforeID = models.Int64(0)
	b.send(req)
	r.armLocked(key, ModeHistory)

	r.logger.Debug("requesting tail", slog.String("conversation", key))
}

func (r *Router) requestDeltaLocked(b *batch, t models.Target, sinceID int64, opts RequestOptions) {
	key := t.Key()
	st := r.sync(key)
	now := r.now()

	if st.deltaRequested {
		r.logger.Debug("delta already in flight", slog.String("conversation", key))
		return
	}

	if !opts.Force && !st.lastDelta.IsZero() && now.Sub(st.lastDelta) < deltaThrottle {
		r.logger.Debug("delta throttled", slog.String("conversation", key))
		return
	}

	limit := DefaultDeltaLimit
	if opts.DeltaLimit > 0 {
		limit = opts.DeltaLimit
	}

	st.deltaRequested = true
	st.lastDelta = now

	req := models.NewHistoryRequest(t, limit)
	req.SinceID = models.Int64(sinceID)
	b.send(req)
	r.armLocked(key, ModeDelta)

	r.logger.Debug("requesting delta",
		slog.String("conversation", key),
		slog.Int64("since_id", sinceID),
		slog.Int("limit", limit),
	)
}

func (r *Router) requestPrefetchLocked(b *batch, t models.Target) {
	key := t.Key()
	st := r.sync(key)

	if !r.backgroundAllowedLocked() {
		return
	}

	meta := r.store.Meta(key)
	if meta.Loading || st.requested || st.prefetchRequested || meta.Cursor <= 0 {
		return
	}

	if meta.HasMore != nil && !*meta.HasMore && !r.consumeBypassLocked(key, st) {
		return
	}

	limit := r.caps.HistoryPrefetchLimit
	if limit <= 0 {
		limit = TailLimit
	}

	st.requested = true
	st.prefetchRequested = true

	req := models.NewHistoryRequest(t, limit)
	req.BeforeID = models.Int64(meta.Cursor)
	b.send(req)
	r.armLocked(key, ModePrefetch)

	r.logger.Debug("prefetching older page",
		slog.String("conversation", key),
		slog.Int64("before_id", meta.Cursor),
	)
}

// loadMoreLocked requests the page before the cursor of key.
func (r *Router) loadMoreLocked(b *batch, key string) {
	t, ok := r.targets[key]
	if !ok {
		return
	}

	st := r.sync(key)
	meta := r.store.Meta(key)

	if !meta.Loaded {
		r.logger.Debug("load more before first page", slog.String("conversation", key))
		return
	}

	if st.requested {
		r.resumeLocked(key)
		return
	}

	if meta.Cursor <= 0 {
		return
	}

	if meta.HasMore != nil && !*meta.HasMore && !r.consumeBypassLocked(key, st) {
		r.logger.Debug("history exhausted", slog.String("conversation", key))
		return
	}

	r.sendOlderLocked(b, t, meta.Cursor)
}

// sendOlderLocked requests the page before beforeID. The prepend anchor
// is captured before the request goes out. The id is kept so a retry
// asks for the same page.
func (r *Router) sendOlderLocked(b *batch, t models.Target, beforeID int64) {
	key := t.Key()
	st := r.sync(key)

	b.prepend = append(b.prepend, key)
	st.requested = true
	st.olderBefore = beforeID
	r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = true })

	req := models.NewHistoryRequest(t, TailLimit)
	req.BeforeID = models.Int64(beforeID)
	b.send(req)
	r.armLocked(key, ModeHistory)

	r.logger.Debug("requesting older page",
		slog.String("conversation", key),
		slog.Int64("before_id", beforeID),
	)
}

func (r *Router) consumeBypassLocked(key string, st *syncState) bool {
	if !st.bypass.available(r.now()) {
		return false
	}

	st.bypass.used = true
	r.logger.Info("using has-more bypass", slog.String("conversation", key))

	return true
}

func (r *Router) backgroundAllowedLocked() bool {
	return r.caps.PrefetchAllowed && r.visible && r.mainView
}

// releaseLocked cancels timers and clears in-flight markers for key.
// The caller owns the Loading flag.
func (r *Router) releaseLocked(key string) {
	st, ok := r.syncs[key]
	if !ok {
		return
	}

	stopTimers(st)
	st.requested = false
	st.deltaRequested = false
	st.prefetchRequested = false
	st.previewRequested = false
	st.olderBefore = 0
	clear(st.attempts)
}

// parkLocked cancels the timers of a conversation being switched away
// from. Its requests stay marked in flight; resumeLocked times them
// again if it is reopened before they answer.
func (r *Router) parkLocked(key string) {
	st, ok := r.syncs[key]
	if !ok {
		return
	}

	// A warmup keeps its slot timer; the queue owns it.
	for mode := range st.timers {
		if mode != ModeWarmup {
			stopTimer(st, mode)
		}
	}

	clear(st.attempts)

	r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = false })
}

// resumeLocked re-arms a timer for every request of key that is marked
// in flight but no longer timed.
func (r *Router) resumeLocked(key string) {
	st, ok := r.syncs[key]
	if !ok {
		return
	}

	if st.requested {
		mode := ModeHistory
		if st.prefetchRequested {
			mode = ModePrefetch
		}

		if _, armed := st.timers[mode]; !armed {
			if mode == ModeHistory {
				r.store.UpdateMeta(key, func(m *cache.Meta) { m.Loading = true })
			}

			r.armLocked(key, mode)
			r.logger.Debug("resuming parked request", slog.String("conversation", key), slog.String("mode", string(mode)))
		}
	}

	if _, armed := st.timers[ModeDelta]; st.deltaRequested && !armed {
		r.armLocked(key, ModeDelta)
	}
}

func (r *Router) remember(t models.Target) {
	key := t.Key()
	r.targets[key] = t

	if t.Kind.IsRoom() {
		r.rooms[t.ID] = t.Kind
	}
}

func (r *Router) sync(key string) *syncState {
	st, ok := r.syncs[key]
	if !ok {
		st = &syncState{
			attempts: make(map[Mode]int),
			timers:   make(map[Mode]*requestTimer),
		}
		r.syncs[key] = st
	}

	return st
}

func (r *Router) setStatusLocked(b *batch, status string) {
	r.status = status
	b.status = status
	b.statusChanged = true
}

// flush delivers side effects collected under the lock. Prepend hooks
// run before any request is sent.
func (r *Router) flush(b *batch) {
	r.mu.Lock()
	onBeforePrepend := r.onBeforePrepend
	onStatus := r.onStatus
	onUpdate := r.onUpdate
	r.mu.Unlock()

	if onBeforePrepend != nil {
		for _, key := range b.prepend {
			onBeforePrepend(key)
		}
	}

	if r.sender != nil {
		for _, req := range b.reqs {
			r.sender.Send(req)
		}
	}

	if b.statusChanged && onStatus != nil {
		onStatus(b.status)
	}

	if onUpdate != nil {
		for _, key := range b.updates {
			onUpdate(key)
		}
	}
}
