// Package dashboard renders RTT channels, subsystem status and log output.
// It only reads snapshots; it never touches the probe.
package dashboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/tui"
	"github.com/sirupsen/logrus"
)

// Channels is the RTT side of the dashboard. Send only queues input; the
// reader writes it to the target on its next poll.
type Channels interface {
	Channels() []*rtt.Channel
	Send(index int, text string) error
}

// Options configure a Dashboard.
type Options struct {
	Title string
	Board *status.Board
	// RTT may be nil when RTT is disabled.
	RTT Channels
	// Logs feeds the Log pane.
	Logs       *logging.Buffer
	Refresh    time.Duration
	Timestamps bool
	// Mode is "auto", "tui" or "log".
	Mode string
	// Quit asks the session to shut down. The dashboard itself stops when
	// its context ends.
	Quit   func()
	Status *status.Writer
	Logger *logrus.Entry

	// Output receives log-only mode lines; stdout when nil.
	Output io.Writer
	// ProgramOptions are appended to the bubbletea options.
	ProgramOptions []tea.ProgramOption
}

// Dashboard is the terminal front end of a session.
type Dashboard struct {
	opts Options
	log  *logrus.Entry
}

func New(opts Options) *Dashboard {
	if opts.Refresh <= 0 {
		opts.Refresh = config.DefaultRefresh
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("dashboard")
	}
	return &Dashboard{opts: opts, log: log}
}

// Interactive reports whether Run will start the TUI.
func (d *Dashboard) Interactive() bool {
	switch d.opts.Mode {
	case "log":
		return false
	case "tui":
		return true
	}
	return tui.IsInteractive()
}

// Run shows the dashboard until ctx ends or the user quits.
func (d *Dashboard) Run(ctx context.Context) error {
	defer d.opts.Status.Stop()
	if !d.Interactive() {
		d.opts.Status.Running("log output")
		return d.runLog(ctx)
	}
	d.opts.Status.Running("interactive")
	return d.runTUI(ctx)
}

func (d *Dashboard) runTUI(ctx context.Context) error {
	tui.InitializeTUI()

	// The TUI owns the terminal; log lines go to the Log pane instead.
	prev := logging.SetGlobalOutput(io.Discard)
	defer logging.SetGlobalOutput(prev)

	popts := append([]tea.ProgramOption{tea.WithAltScreen()}, d.opts.ProgramOptions...)
	p := tea.NewProgram(newModel(d.opts), popts...)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
	}()

	if _, err := p.Run(); err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
		d.opts.Status.Fail(err)
		return errors.Wrap(err, errors.ErrCodeInternal, "dashboard failed")
	}
	d.log.Debug("Dashboard closed")
	return nil
}

// runLog prints new records and notices as plain lines.
func (d *Dashboard) runLog(ctx context.Context) error {
	p := newLogPrinter(d.opts)
	ticker := time.NewTicker(d.opts.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case <-ticker.C:
			p.flush()
		}
	}
}

// logPrinter tracks what log-only mode already printed.
type logPrinter struct {
	opts    Options
	cursors map[*rtt.Channel]uint64
	notices uint64
}

func newLogPrinter(opts Options) *logPrinter {
	return &logPrinter{opts: opts, cursors: make(map[*rtt.Channel]uint64)}
}

func (p *logPrinter) flush() {
	w := p.opts.Output
	if p.opts.RTT != nil {
		for _, ch := range p.opts.RTT.Channels() {
			for _, rec := range ch.Records().Since(p.cursors[ch]) {
				fmt.Fprintf(w, "[%s] %s\n", ch.Name(), rec.Line(p.opts.Timestamps))
				p.cursors[ch] = rec.Seq
			}
		}
	}
	if p.opts.Board != nil {
		for _, n := range p.opts.Board.Notices(p.notices) {
			fmt.Fprintf(w, "%s %s\n", noticePrefix(n.Level), n.Text)
			p.notices = n.Seq
		}
	}
}

func noticePrefix(l status.Level) string {
	switch l {
	case status.LevelWarn:
		return "warning:"
	case status.LevelError:
		return "error:"
	}
	return "notice:"
}
