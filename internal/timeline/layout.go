package timeline

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// HeightFunc estimates the rendered height of a row in pixels.
type HeightFunc func(m models.Message) float64

const (
	textLineHeight   = 20
	textLineChars    = 48
	rowPadding       = 16
	mediaMaxWidth    = 320
	mediaMaxHeight   = 360
	mediaPlaceholder = 180
	fileCardHeight   = 56
)

// EstimateHeight is the default HeightFunc: wrapped text lines plus the
// attachment box. Media without probed dimensions gets a placeholder box
// that is corrected once the media loads.
func EstimateHeight(m models.Message) float64 {
	lines := max(1, (utf8.RuneCountInString(m.Text)+textLineChars-1)/textLineChars)
	h := float64(rowPadding + lines*textLineHeight)

	if a := m.Attachment; a != nil {
		switch {
		case a.Width > 0 && a.Height > 0:
			w := min(a.Width, mediaMaxWidth)
			h += min(float64(a.Height)*float64(w)/float64(a.Width), mediaMaxHeight)
		case isMedia(a.Mime):
			h += mediaPlaceholder
		default:
			h += fileCardHeight
		}
	}

	return h
}

func isMedia(mime string) bool {
	return strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "video/")
}

// Layout is a headless ScrollHost. It stacks committed rows under the
// top spacer using estimated heights, and keeps scrollTop fixed across
// commits so callers see the same jumps a browser without native scroll
// anchoring would.
type Layout struct {
	mu        sync.Mutex
	viewport  float64
	scrollTop float64
	estimate  HeightFunc

	keys      []string
	heights   []float64
	index     map[string]int
	top       float64
	bottom    float64
	overrides map[string]float64
}

// NewLayout creates a Layout with the given viewport height. A nil
// estimate uses EstimateHeight.
func NewLayout(viewport float64, estimate HeightFunc) *Layout {
	if estimate == nil {
		estimate = EstimateHeight
	}

	return &Layout{
		viewport:  viewport,
		estimate:  estimate,
		index:     make(map[string]int),
		overrides: make(map[string]float64),
	}
}

// Commit lays out f.
func (l *Layout) Commit(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.keys = l.keys[:0]
	l.heights = l.heights[:0]
	clear(l.index)

	for _, m := range f.Rows {
		key := m.StableKey()
		h, ok := l.overrides[key]
		if !ok {
			h = l.estimate(m)
		}

		l.index[key] = len(l.keys)
		l.keys = append(l.keys, key)
		l.heights = append(l.heights, h)
	}

	l.top = f.Window.TopSpacer
	l.bottom = f.Window.BottomSpacer
	l.clampLocked()
}

// SetRowHeight overrides the height of one row, as when its media
// finishes loading. Applies to the current layout and later commits.
func (l *Layout) SetRowHeight(key string, h float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overrides[key] = h
	if i, ok := l.index[key]; ok {
		l.heights[i] = h
	}
}

// ScrollTop implements ScrollHost.
func (l *Layout) ScrollTop() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrollTop
}

// SetScrollTop implements ScrollHost. The value is clamped to the
// scrollable range.
func (l *Layout) SetScrollTop(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scrollTop = v
	l.clampLocked()
}

// ScrollHeight implements ScrollHost.
func (l *Layout) ScrollHeight() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrollHeightLocked()
}

// ClientHeight implements ScrollHost.
func (l *Layout) ClientHeight() float64 {
	return l.viewport
}

// RowBottom implements ScrollHost.
func (l *Layout) RowBottom(key string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[key]
	if !ok {
		return 0, false
	}

	y := l.top
	for _, h := range l.heights[:i+1] {
		y += h
	}

	return y - l.scrollTop, true
}

// LastVisibleRow implements ScrollHost.
func (l *Layout) LastVisibleRow() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	viewTop := l.scrollTop
	viewBottom := l.scrollTop + l.viewport

	last := -1
	y := l.top

	for i, h := range l.heights {
		if y >= viewBottom {
			break
		}

		if y+h > viewTop {
			last = i
		}

		y += h
	}

	if last < 0 {
		return "", false
	}

	return l.keys[last], true
}

// RowHeights implements ScrollHost.
func (l *Layout) RowHeights() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]float64, len(l.heights))
	copy(out, l.heights)

	return out
}

// VisibleRows returns the keys of rows intersecting the viewport.
func (l *Layout) VisibleRows() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string

	y := l.top
	for i, h := range l.heights {
		if y >= l.scrollTop+l.viewport {
			break
		}

		if y+h > l.scrollTop {
			out = append(out, l.keys[i])
		}

		y += h
	}

	return out
}

func (l *Layout) scrollHeightLocked() float64 {
	total := l.top + l.bottom
	for _, h := range l.heights {
		total += h
	}

	return total
}

func (l *Layout) clampLocked() {
	maxTop := max(0, l.scrollHeightLocked()-l.viewport)
	l.scrollTop = min(max(0, l.scrollTop), maxTop)
}
