package timeline

import (
	"time"
)

const (
	// StickyThreshold is how close to the bottom, in pixels, counts as
	// pinned.
	StickyThreshold = 24

	// SuppressWindow blocks near-top pagination right after a scroll
	// correction so the correction is not read as the user scrolling up.
	SuppressWindow = 350 * time.Millisecond
)

// ScrollHost is the scrollable region rows are laid out in. Row bottoms
// are in viewport coordinates: 0 is the top edge of the visible area.
type ScrollHost interface {
	ScrollTop() float64
	SetScrollTop(v float64)
	ScrollHeight() float64
	ClientHeight() float64
	RowBottom(key string) (float64, bool)
	LastVisibleRow() (string, bool)
	RowHeights() []float64
}

// Anchor is a visual reference point captured before a layout change.
type Anchor struct {
	ConvKey      string  `json:"conv_key"`
	RowKey       string  `json:"row_key,omitempty"`
	Bottom       float64 `json:"bottom"`
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
}

// CaptureAnchor records the last visible row of the host and the scroll
// geometry. With no visible row only the geometry is kept.
func CaptureAnchor(host ScrollHost, convKey string) Anchor {
	a := Anchor{
		ConvKey:      convKey,
		ScrollTop:    host.ScrollTop(),
		ScrollHeight: host.ScrollHeight(),
	}

	if key, ok := host.LastVisibleRow(); ok {
		if bottom, ok := host.RowBottom(key); ok {
			a.RowKey = key
			a.Bottom = bottom
		}
	}

	return a
}

// Correction returns the scrollTop delta that puts the anchor row back
// where it was. If the row is gone the scrollHeight change is used.
func (a Anchor) Correction(host ScrollHost) float64 {
	if a.RowKey != "" {
		if bottom, ok := host.RowBottom(a.RowKey); ok {
			return bottom - a.Bottom
		}
	}

	return host.ScrollHeight() - a.ScrollHeight
}

// Apply shifts the host by Correction and returns the delta applied.
func (a Anchor) Apply(host ScrollHost) float64 {
	d := a.Correction(host)
	if d != 0 {
		host.SetScrollTop(host.ScrollTop() + d)
	}

	return d
}

// IsAtBottom reports whether the host is within StickyThreshold of its
// bottom.
func IsAtBottom(host ScrollHost) bool {
	return host.ScrollHeight()-host.ClientHeight()-host.ScrollTop() <= StickyThreshold
}

// PinBottom scrolls the host to its bottom.
func PinBottom(host ScrollHost) {
	host.SetScrollTop(max(0, host.ScrollHeight()-host.ClientHeight()))
}
