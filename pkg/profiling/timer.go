// Package profiling times the phases of a command and writes pprof profiles
// on request. Timing is off unless Enable is called.
package profiling

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stopper ends a timed span.
type Stopper interface {
	Stop()
}

type span struct {
	name     string
	start    time.Time
	duration time.Duration
	depth    int
	stopped  bool
	profiler *Profiler
}

func (s *span) Stop() {
	s.profiler.end(s)
}

// Profiler records spans in the order they started. Spans nest when one is
// started before the previous one stopped, so they should be started and
// stopped from a single goroutine.
type Profiler struct {
	mu      sync.Mutex
	enabled bool
	start   time.Time
	spans   []*span
	open    int
}

var defaultProfiler = &Profiler{}

// Enable turns on the global profiler.
func Enable() {
	defaultProfiler.enable()
}

// Start begins a span on the global profiler, typically used as
// defer profiling.Start("flash").Stop().
func Start(name string) Stopper {
	return defaultProfiler.Start(name)
}

// Summarize writes the global profiler's spans to w.
func Summarize(w io.Writer) {
	defaultProfiler.Summarize(w)
}

func (p *Profiler) enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return
	}
	p.enabled = true
	p.start = time.Now()
	p.spans = nil
	p.open = 0
}

// Start begins a span nested under every span still open.
func (p *Profiler) Start(name string) Stopper {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return noopStopper{}
	}
	s := &span{name: name, start: time.Now(), depth: p.open, profiler: p}
	p.spans = append(p.spans, s)
	p.open++
	return s
}

func (p *Profiler) end(s *span) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.duration = time.Since(s.start)
	if p.open > 0 {
		p.open--
	}
}

// Summarize prints each span indented by nesting, with its share of the
// total run time. Spans still open are shown as running.
func (p *Profiler) Summarize(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	total := time.Since(p.start)
	fmt.Fprintln(w, "\n--- Timing Profile ---")
	for _, s := range p.spans {
		indent := strings.Repeat("  ", s.depth)
		if !s.stopped {
			fmt.Fprintf(w, "%s- %s (running)\n", indent, s.name)
			continue
		}
		pct := float64(s.duration) / float64(total) * 100
		fmt.Fprintf(w, "%s- %s (%v, %.1f%%)\n", indent, s.name, s.duration.Round(100*time.Microsecond), pct)
	}
	fmt.Fprintf(w, "total %v\n", total.Round(time.Millisecond))
	fmt.Fprintln(w, "----------------------")
}

type noopStopper struct{}

func (noopStopper) Stop() {}
