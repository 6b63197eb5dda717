// Package status is the session status board: one slot per subsystem, each
// written by exactly one owner and read through atomic snapshots.
package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of one subsystem.
type State int

const (
	Starting State = iota
	Running
	Degraded
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Slot is an immutable snapshot of one subsystem.
type Slot struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Since     time.Time `json:"since"`
}

// Healthy reports whether the slot never left the happy path.
func (s Slot) Healthy() bool {
	return s.State == Starting || s.State == Running || (s.State == Stopped && s.LastError == "")
}

// Level grades a notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// Notice is a one-off message shown on the dashboard status pane.
type Notice struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
}

const maxNotices = 64

// Board holds the slots of one session.
type Board struct {
	order []string
	slots map[string]*atomic.Pointer[Slot]

	mu      sync.Mutex
	claimed map[string]bool
	notices []Notice
	seq     uint64
	abandon map[string]bool
}

// NewBoard creates a board with one Starting slot per name, in display order.
func NewBoard(names ...string) *Board {
	b := &Board{
		slots:   make(map[string]*atomic.Pointer[Slot], len(names)),
		claimed: make(map[string]bool),
		abandon: make(map[string]bool),
	}
	now := time.Now()
	for _, name := range names {
		if _, dup := b.slots[name]; dup {
			continue
		}
		p := &atomic.Pointer[Slot]{}
		p.Store(&Slot{Name: name, State: Starting, Since: now})
		b.slots[name] = p
		b.order = append(b.order, name)
	}
	return b
}

// Writer hands out the single writer of slot name. A second claim fails.
func (b *Board) Writer(name string) (*Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.slots[name]
	if !ok {
		return nil, fmt.Errorf("status: unknown slot %q", name)
	}
	if b.claimed[name] {
		return nil, fmt.Errorf("status: slot %q already has a writer", name)
	}
	b.claimed[name] = true
	return &Writer{slot: p, name: name}, nil
}

// Slot returns the current snapshot of one slot.
func (b *Board) Slot(name string) (Slot, bool) {
	p, ok := b.slots[name]
	if !ok {
		return Slot{}, false
	}
	return *p.Load(), true
}

// Slots returns every slot in display order.
func (b *Board) Slots() []Slot {
	out := make([]Slot, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.slots[name].Load())
	}
	return out
}

// Post appends a notice. Old notices are dropped past a small bound.
func (b *Board) Post(level Level, format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.notices = append(b.notices, Notice{
		Seq:   b.seq,
		Time:  time.Now(),
		Level: level,
		Text:  fmt.Sprintf(format, args...),
	})
	if len(b.notices) > maxNotices {
		b.notices = append([]Notice(nil), b.notices[len(b.notices)-maxNotices:]...)
	}
}

// Notices returns notices newer than seq.
func (b *Board) Notices(since uint64) []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Notice
	for _, n := range b.notices {
		if n.Seq > since {
			out = append(out, n)
		}
	}
	return out
}

// MarkAbandoned records that a subsystem did not stop within the grace
// period. Only the orchestrator calls this, after the owner stopped answering.
func (b *Board) MarkAbandoned(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandon[name] = true
}

// Abandoned lists subsystems given up on during shutdown.
func (b *Board) Abandoned() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, name := range b.order {
		if b.abandon[name] {
			out = append(out, name)
		}
	}
	return out
}

// Writer is the single owner of one slot. A nil Writer ignores updates, so
// subsystems can run without a board in tests.
type Writer struct {
	slot *atomic.Pointer[Slot]
	name string
}

// Name is the slot's name.
func (w *Writer) Name() string {
	if w == nil {
		return ""
	}
	return w.name
}

// Set moves the slot to state with an optional detail line. The last error
// is kept so a recovered subsystem still shows what happened.
func (w *Writer) Set(state State, detail string) {
	if w == nil {
		return
	}
	prev := w.slot.Load()
	next := *prev
	if prev.State != state {
		next.Since = time.Now()
	}
	next.State = state
	next.Detail = detail
	w.slot.Store(&next)
}

// Running is Set(Running, detail).
func (w *Writer) Running(detail string) { w.Set(Running, detail) }

// Degrade marks the slot Degraded with err as its last error.
func (w *Writer) Degrade(err error) { w.setError(Degraded, err) }

// Fail marks the slot Failed with err as its last error.
func (w *Writer) Fail(err error) { w.setError(Failed, err) }

// Stop marks the slot Stopped. A failed slot stays failed.
func (w *Writer) Stop() {
	if w == nil {
		return
	}
	if w.slot.Load().State == Failed {
		return
	}
	w.Set(Stopped, "")
}

// Current returns the slot as last written.
func (w *Writer) Current() Slot {
	if w == nil {
		return Slot{}
	}
	return *w.slot.Load()
}

func (w *Writer) setError(state State, err error) {
	if w == nil {
		return
	}
	prev := w.slot.Load()
	next := *prev
	if prev.State != state {
		next.Since = time.Now()
	}
	next.State = state
	if err != nil {
		next.LastError = err.Error()
	}
	w.slot.Store(&next)
}
