// Package scrollbar draws a one-column scrollbar beside a viewport.
package scrollbar

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/grovetools/embed/tui/theme"
)

const (
	thumb = "█"
	track = "░"
)

// Generate returns one scrollbar cell per line of height. Content that
// fits the viewport gets a blank column.
func Generate(vp *viewport.Model, height int) []string {
	if height <= 0 {
		return nil
	}
	muted := theme.DefaultTheme.Muted
	cells := make([]string, height)

	total := vp.TotalLineCount()
	if total <= vp.Height {
		for i := range cells {
			cells[i] = " "
		}
		return cells
	}

	size := height * vp.Height / total
	if size < 1 {
		size = 1
	}
	pct := vp.ScrollPercent()
	if pct < 0 {
		pct = 0
	} else if pct > 1 {
		pct = 1
	}
	last := height - size
	start := int(float64(last)*pct + 0.5)
	if start > last {
		start = last
	}

	for i := range cells {
		if i >= start && i < start+size {
			cells[i] = muted.Render(thumb)
		} else {
			cells[i] = muted.Render(track)
		}
	}
	return cells
}

// Overlay renders the viewport with the scrollbar appended to each line.
// The viewport should be one column narrower than the space it fills.
func Overlay(vp *viewport.Model) string {
	lines := strings.Split(vp.View(), "\n")
	bar := Generate(vp, len(lines))
	for i := range lines {
		lines[i] += bar[i]
	}
	return strings.Join(lines, "\n")
}
