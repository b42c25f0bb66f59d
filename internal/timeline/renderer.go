package timeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// nearTopPx is the scroll offset under which the renderer asks for older
// history.
const nearTopPx = 160

// Source supplies cached messages and sync flags. *cache.Store
// satisfies it.
type Source interface {
	Messages(key string) []models.Message
	Meta(key string) cache.Meta
}

// Pager loads older history for the open conversation.
type Pager interface {
	RequestMoreHistory()
}

// FrameSink is implemented by hosts that lay frames out themselves, such
// as Layout. Refresh commits frames to it before measuring.
type FrameSink interface {
	Commit(f Frame)
}

// Options tunes the renderer. Zero fields take the package defaults.
type Options struct {
	WindowSize int
	Overscan   int
	Threshold  int
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}

	if o.Overscan <= 0 {
		o.Overscan = DefaultOverscan
	}

	if o.Threshold <= 0 {
		o.Threshold = DefaultVirtualThreshold
	}

	return o
}

// Frame is what the host renders for one conversation.
type Frame struct {
	Key        string           `json:"key"`
	Rows       []models.Message `json:"rows"`
	Window     Window           `json:"window"`
	Total      int              `json:"total"`
	DividerKey string           `json:"divider_key,omitempty"`
	Sticky     bool             `json:"sticky"`
}

// view is the per-conversation render state.
type view struct {
	start      int
	startKey   string
	startSet   bool
	avg        float64
	lastCommit time.Time
	sticky     bool

	divider     string
	dividerDone bool

	// rendered is the row count of the last render. An anchor captured
	// for a prepend is only spent once the count changes.
	rendered     int
	prependTotal int

	reflow   *Anchor
	prepend  *Anchor
	suppress time.Time
}

// Renderer is the Timeline Renderer. It owns window placement, scroll
// anchoring, sticky-bottom state, and the unread divider.
type Renderer struct {
	mu     sync.Mutex
	src    Source
	host   ScrollHost
	pager  Pager
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	views        map[string]*view
	current      string
	searchActive bool
}

// NewRenderer creates a Renderer drawing into host.
func NewRenderer(src Source, host ScrollHost, pager Pager, opts Options, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Renderer{
		src:    src,
		host:   host,
		pager:  pager,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
		views:  make(map[string]*view),
	}
}

// SetPager sets the pager used for near-top pagination.
func (r *Renderer) SetPager(p Pager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pager = p
}

func (r *Renderer) view(key string) *view {
	v, ok := r.views[key]
	if !ok {
		v = &view{avg: DefaultRowHeight}
		r.views[key] = v
	}

	return v
}

// Current returns the open conversation key.
func (r *Renderer) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Select opens key. The previous conversation loses its pin and pending
// anchors; the new one opens pinned to the bottom.
func (r *Renderer) Select(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.views[r.current]; ok && r.current != key {
		prev.sticky = false
		prev.prepend = nil
		prev.reflow = nil
	}

	r.current = key
	v := r.view(key)
	v.sticky = true
	v.startSet = false
	v.prepend = nil
	v.reflow = nil
}

// SetSearchActive toggles in-chat search, which renders every row.
func (r *Renderer) SetSearchActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchActive = active
}

// Render computes the frame for key.
func (r *Renderer) Render(key string) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renderLocked(key)
}

func (r *Renderer) renderLocked(key string) Frame {
	msgs := r.src.Messages(key)
	v := r.view(key)
	total := len(msgs)
	v.rendered = total

	// Once placed the divider holds for the session. Until then every
	// render looks again, so unread that arrives later still gets one.
	if !v.dividerDone && total > 0 {
		meta := r.src.Meta(key)
		v.divider, v.dividerDone = FirstUnreadKey(msgs, meta.Unread, meta.ReadMarker)
	}

	w := FullWindow(total)
	if ShouldVirtualize(total, r.searchActive, r.opts.Threshold) {
		preferred := AtBottom
		if v.startSet && !v.sticky {
			// Follow the first rendered row across prepends.
			preferred = v.start
			if i := indexOfKey(msgs, v.startKey); i >= 0 {
				preferred = i
			}
		}

		w = ComputeWindow(total, preferred, r.opts.WindowSize, v.avg)
		v.start = w.Start
		v.startKey = msgs[w.Start].StableKey()
		v.startSet = true
	}

	return Frame{
		Key:        key,
		Rows:       msgs[w.Start:w.End],
		Window:     w,
		Total:      total,
		DividerKey: v.divider,
		Sticky:     v.sticky,
	}
}

// AfterLayout runs once the host has laid out the last frame for key.
// It refreshes the average row height, then applies at most one
// correction: sticky pin, else the prepend anchor, else the reflow
// anchor. The reflow anchor is recaptured afterwards.
func (r *Renderer) AfterLayout(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterLayoutLocked(key)
}

func (r *Renderer) afterLayoutLocked(key string) {
	if key != r.current {
		return
	}

	v := r.view(key)

	if heights := r.host.RowHeights(); len(heights) > 0 {
		var sum float64
		for _, h := range heights {
			sum += h
		}

		v.avg = ClampRowHeight(sum / float64(len(heights)))
	}

	switch {
	case v.sticky:
		PinBottom(r.host)
		v.prepend = nil
	case v.prepend != nil && v.rendered != v.prependTotal:
		d := v.prepend.Apply(r.host)
		v.prepend = nil
		v.suppress = r.now().Add(SuppressWindow)
		r.logger.Debug("prepend anchor applied", slog.String("conversation", key), slog.Float64("delta", d))
	case v.reflow != nil:
		if d := v.reflow.Apply(r.host); d != 0 {
			v.suppress = r.now().Add(SuppressWindow)
			r.logger.Debug("reflow anchor applied", slog.String("conversation", key), slog.Float64("delta", d))
		}
	}

	if v.sticky {
		v.reflow = nil
		return
	}

	a := CaptureAnchor(r.host, key)
	v.reflow = &a
}

// Refresh renders key, commits the frame to hosts that accept frames,
// and runs AfterLayout. Returns the committed frame.
func (r *Renderer) Refresh(key string) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.renderLocked(key)
	if key != r.current {
		return f
	}

	if sink, ok := r.host.(FrameSink); ok {
		sink.Commit(f)
	}

	r.afterLayoutLocked(key)

	return f
}

// OnScroll handles a user scroll of the open conversation. It updates
// the sticky flag, commits a new window start when the debounce allows,
// and asks the pager for older history near the top. Reports whether
// the window moved and the host should render again.
func (r *Renderer) OnScroll(key string) bool {
	r.mu.Lock()

	if key != r.current {
		r.mu.Unlock()
		return false
	}

	v := r.view(key)
	now := r.now()
	v.sticky = IsAtBottom(r.host)

	moved := false
	msgs := r.src.Messages(key)
	total := len(msgs)

	if ShouldVirtualize(total, r.searchActive, r.opts.Threshold) {
		candidate := StartForScroll(r.host.ScrollTop(), v.avg, r.opts.Overscan, total, r.opts.WindowSize)
		if ShouldCommitStart(now, v.lastCommit, v.start, candidate, r.opts.Overscan) {
			v.start = candidate
			v.startKey = msgs[candidate].StableKey()
			v.startSet = true
			v.lastCommit = now
			moved = true
		}
	}

	if v.sticky {
		v.reflow = nil
	} else {
		a := CaptureAnchor(r.host, key)
		v.reflow = &a
	}

	var pager Pager
	if r.host.ScrollTop() <= nearTopPx && !now.Before(v.suppress) {
		pager = r.pager
	}
	r.mu.Unlock()

	// The pager calls back into CapturePrependAnchor.
	if pager != nil {
		pager.RequestMoreHistory()
	}

	return moved
}

// OnMediaLoaded re-applies anchoring after a row changed height outside
// pagination.
func (r *Renderer) OnMediaLoaded(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterLayoutLocked(key)
}

// CapturePrependAnchor records the anchor used after the next backward
// page for key lands. Ignored for conversations not on screen.
func (r *Renderer) CapturePrependAnchor(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key != r.current {
		return
	}

	v := r.view(key)
	a := CaptureAnchor(r.host, key)
	v.prepend = &a
	v.prependTotal = v.rendered
}

// PinToBottom pins key, used when the local user sends a message.
func (r *Renderer) PinToBottom(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.view(key)
	v.sticky = true
	v.reflow = nil

	if key == r.current {
		PinBottom(r.host)
	}
}

// Suppressed reports whether near-top pagination is currently blocked
// for key.
func (r *Renderer) Suppressed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[key]
	return ok && r.now().Before(v.suppress)
}

// Reset forgets every conversation. Used on logout.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.views = make(map[string]*view)
	r.current = ""
}

func indexOfKey(msgs []models.Message, key string) int {
	if key == "" {
		return -1
	}

	for i, m := range msgs {
		if m.StableKey() == key {
			return i
		}
	}

	return -1
}
