package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/grovetools/embed/tui/theme"
)

const progressWidth = 30

// ProgressReporter draws a single updating progress line for flashing.
type ProgressReporter struct {
	mu    sync.Mutex
	out   io.Writer
	label string
	start time.Time
	last  int
	// tty selects carriage-return redraws; otherwise a line is printed
	// every 25%.
	tty bool
}

// NewProgressReporter creates a reporter writing to out.
func NewProgressReporter(out io.Writer, label string, tty bool) *ProgressReporter {
	return &ProgressReporter{
		out:   out,
		label: label,
		start: time.Now(),
		last:  -1,
		tty:   tty,
	}
}

// Update is a flash progress callback.
func (p *ProgressReporter) Update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if total <= 0 {
		return
	}
	pct := done * 100 / total
	if p.tty {
		if pct == p.last {
			return
		}
		p.last = pct
		fmt.Fprintf(p.out, "\r%s", p.render(done, total, pct))
		return
	}
	step := pct / 25 * 25
	if step == p.last {
		return
	}
	p.last = step
	fmt.Fprintln(p.out, p.render(done, total, pct))
}

func (p *ProgressReporter) render(done, total, pct int) string {
	t := theme.DefaultTheme
	filled := pct * progressWidth / 100
	bar := t.Accent.Render(strings.Repeat("█", filled)) + t.Muted.Render(strings.Repeat("░", progressWidth-filled))
	return fmt.Sprintf("%s %s %3d%% %s", p.label, bar, pct, t.Muted.Render(fmt.Sprintf("%d/%d bytes", done, total)))
}

// Done finishes the progress line.
func (p *ProgressReporter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last < 0 {
		return
	}
	elapsed := time.Since(p.start).Round(time.Millisecond)
	if p.tty {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "%s completed in %s\n", p.label, elapsed)
}
