// Package timeline decides which slice of a conversation is rendered and
// keeps the viewport stable while rows are inserted above it or change
// height after paint.
package timeline

import (
	"math"
	"time"
)

const (
	// DefaultVirtualThreshold is the row count at or below which the
	// whole conversation is rendered.
	DefaultVirtualThreshold = 320

	// DefaultWindowSize is the number of rows rendered when virtualized.
	DefaultWindowSize = 240

	// DefaultOverscan is the number of rows kept above the first visible
	// row.
	DefaultOverscan = 80

	// MinRowHeight and MaxRowHeight bound the average row height used for
	// spacer sizing.
	MinRowHeight = 24
	MaxRowHeight = 140

	// DefaultRowHeight is used until rows have been measured.
	DefaultRowHeight = 56

	// commitInterval is the minimum spacing of window start commits.
	commitInterval = 120 * time.Millisecond

	// minHysteresis is the smallest start change worth a commit.
	minHysteresis = 8
)

// AtBottom is passed as the preferred start to anchor the window to the
// newest rows.
const AtBottom = -1

// Window is the rendered slice [Start, End) of a conversation plus the
// spacer heights standing in for the rows outside it.
type Window struct {
	Start        int     `json:"start"`
	End          int     `json:"end"`
	TopSpacer    float64 `json:"top_spacer"`
	BottomSpacer float64 `json:"bottom_spacer"`
	Virtualized  bool    `json:"virtualized"`
}

// ShouldVirtualize reports whether a conversation of total rows renders
// a window. Search needs every row addressable, so it disables
// virtualization.
func ShouldVirtualize(total int, searchActive bool, threshold int) bool {
	if searchActive {
		return false
	}

	return total > threshold
}

// VirtualStart clamps preferred into [0, total-windowSize]. A negative
// preferred start means the bottom of the conversation.
func VirtualStart(total, preferred, windowSize int) int {
	maxStart := max(0, total-windowSize)
	if preferred < 0 {
		return maxStart
	}

	return min(preferred, maxStart)
}

// VirtualEnd returns the exclusive end of a window starting at start.
func VirtualEnd(total, start, windowSize int) int {
	return min(total, start+windowSize)
}

// ClampRowHeight bounds a measured average row height. Unmeasured or
// invalid input yields DefaultRowHeight.
func ClampRowHeight(h float64) float64 {
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return DefaultRowHeight
	}

	return min(max(h, MinRowHeight), MaxRowHeight)
}

// ComputeWindow returns the virtual window for total rows.
func ComputeWindow(total, preferred, windowSize int, avgRowHeight float64) Window {
	avg := ClampRowHeight(avgRowHeight)
	start := VirtualStart(total, preferred, windowSize)
	end := VirtualEnd(total, start, windowSize)

	return Window{
		Start:        start,
		End:          end,
		TopSpacer:    float64(start) * avg,
		BottomSpacer: float64(total-end) * avg,
		Virtualized:  true,
	}
}

// FullWindow renders every row.
func FullWindow(total int) Window {
	return Window{End: total}
}

// StartForScroll maps a raw scroll position to a window start that keeps
// overscan rows above the first visible one.
func StartForScroll(scrollTop, avgRowHeight float64, overscan, total, windowSize int) int {
	first := int(max(0, scrollTop) / ClampRowHeight(avgRowHeight))
	return VirtualStart(total, max(0, first-overscan), windowSize)
}

// ShouldCommitStart gates window start changes: at least commitInterval
// since the last commit and a move larger than max(8, overscan/2).
func ShouldCommitStart(now, lastCommit time.Time, current, candidate, overscan int) bool {
	if now.Sub(lastCommit) < commitInterval {
		return false
	}

	diff := candidate - current
	if diff < 0 {
		diff = -diff
	}

	return diff > max(minHysteresis, overscan/2)
}
