// Package session runs one embed session: attach, flash, then RTT, GDB,
// dashboard and image watcher side by side on a single probe handle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/flash"
	"github.com/grovetools/embed/internal/gdbserver"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/probelock"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/pkg/paths"
	"github.com/grovetools/embed/pkg/profiling"
	"github.com/sirupsen/logrus"
)

// Subsystem slot names, in dashboard order.
const (
	SlotRTT       = "rtt"
	SlotGDB       = "gdb"
	SlotDashboard = "dashboard"
	SlotWatch     = "watch"
)

// AttachFunc opens the probe connection for cfg.
type AttachFunc func(ctx context.Context, cfg *config.Config) (probe.Connection, error)

// Options wire a Session. Only Config is required.
type Options struct {
	Config *config.Config
	// Attach defaults to probe.Open with the configured selector.
	Attach AttachFunc
	// Loader defaults to a flash.MemoryLoader keyed by chip and probe.
	Loader flash.Loader
	// FlashProgress is called while the image is programmed.
	FlashProgress func(done, total int)
	// Logs collects log lines for the dashboard's Log pane.
	Logs *logging.Buffer
	// Dashboard adjusts the dashboard options before it starts.
	Dashboard func(*DashboardOptions)
	// LockPath defaults to paths.LockPath(selector).
	LockPath string
	Logger   *logrus.Entry
}

// Session is one run against one target. It is not reusable.
type Session struct {
	id   string
	cfg  *config.Config
	opts Options
	log  *logrus.Entry

	board *status.Board

	mu     sync.Mutex
	handle *probe.Handle
	reader *rtt.Reader
	gdb    *gdbserver.Server

	quit     chan struct{}
	quitOnce sync.Once
	started  chan struct{}

	// essentialFailed is set when a subsystem marked essential ended the session.
	essentialFailed bool
}

// New prepares a session. Nothing touches the probe until Run.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "session needs a configuration")
	}
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("session")
	}
	log = log.WithField("session", id[:8])

	return &Session{
		id:      id,
		cfg:     opts.Config,
		opts:    opts,
		log:     log,
		board:   status.NewBoard(slotNames(opts.Config)...),
		quit:    make(chan struct{}),
		started: make(chan struct{}),
	}, nil
}

func slotNames(cfg *config.Config) []string {
	var names []string
	if cfg.RTT.Enabled {
		names = append(names, SlotRTT)
	}
	if cfg.GDB.Enabled {
		names = append(names, SlotGDB)
	}
	if cfg.Dashboard.Enabled {
		names = append(names, SlotDashboard)
	}
	if watchEnabled(cfg) {
		names = append(names, SlotWatch)
	}
	return names
}

func watchEnabled(cfg *config.Config) bool {
	return cfg.Session.WatchImage && cfg.Flashing.Image != ""
}

func (s *Session) ID() string { return s.id }

// Board is the session status board.
func (s *Session) Board() *status.Board { return s.board }

// Started is closed once the subsystems have been launched.
func (s *Session) Started() <-chan struct{} { return s.started }

// Reader is the RTT reader, nil until started or when RTT is disabled.
func (s *Session) Reader() *rtt.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader
}

// GDBAddr is the GDB server's bound address, empty when it is not running.
func (s *Session) GDBAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gdb == nil {
		return ""
	}
	return s.gdb.Addr()
}

// Quit asks the session to shut down. It is safe to call from anywhere,
// any number of times.
func (s *Session) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Run executes the session until it ends and reports how it went. The
// returned error is the cause when the outcome is not a clean success.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{ID: s.id, Profile: s.cfg.Profile, Chip: s.cfg.General.Chip}

	cause := s.run(ctx, report)

	report.Cause = cause
	report.Outcome = s.board.Outcome(cause)
	if s.essentialFailed {
		report.Outcome = status.Fatal
	}
	report.Slots = s.board.Slots()
	report.Abandoned = s.board.Abandoned()
	report.Duration = time.Since(start)
	if h := s.handle; h != nil {
		report.Ops = h.Ops()
		report.MaxHolders = h.MaxHolders()
	}

	entry := s.log.WithFields(logrus.Fields{"outcome": report.Outcome.String(), "duration": report.Duration.Round(time.Millisecond)})
	if cause != nil {
		entry.WithError(cause).Warn("Session ended")
	} else {
		entry.Info("Session ended")
	}
	return report, cause
}

func (s *Session) run(ctx context.Context, report *Report) error {
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	lockPath := s.opts.LockPath
	if lockPath == "" {
		lockPath = paths.LockPath(cfg.Probe.Selector)
	}
	lock, err := probelock.Acquire(lockPath, cfg.Probe.Selector)
	if err != nil {
		if errors.Is(err, errors.ErrCodeProbeBusy) {
			return err
		}
		return errors.AttachFailed(cfg.Probe.Selector, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.WithError(err).Warn("Failed to release probe lock")
		}
	}()

	span := profiling.Start("attach")
	h, err := s.attach(ctx)
	span.Stop()
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Detach(); err != nil {
			s.log.WithError(err).Warn("Probe detach failed")
		}
	}()

	span = profiling.Start("prepare target")
	symbol, err := s.prepareTarget(ctx, h, report)
	span.Stop()
	if err != nil {
		return err
	}
	defer profiling.Start("run").Stop()
	return s.supervise(ctx, h, symbol)
}

func (s *Session) attach(ctx context.Context) (*probe.Handle, error) {
	cfg := s.cfg
	attach := s.opts.Attach
	if attach == nil {
		attach = func(ctx context.Context, cfg *config.Config) (probe.Connection, error) {
			return probe.Open(ctx, cfg.Probe.Selector, cfg.General.Chip, cfg.Probe.SpeedKHz)
		}
	}

	conn, err := attach(ctx, cfg)
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeAttachFailed {
			return nil, err
		}
		return nil, errors.AttachFailed(cfg.Probe.Selector, err)
	}

	h := probe.NewHandle(conn, probe.Options{
		OpTimeout:             cfg.Probe.Timeout.Std(),
		HaltForRegisterAccess: cfg.Probe.HaltForRegisterAccess,
		Logger:                logging.NewLogger("probe").WithField("session", s.id[:8]),
	})
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"probe": cfg.Probe.Selector, "chip": cfg.General.Chip}).Info("Attached to target")
	return h, nil
}

// prepareTarget flashes or resets the target before anything else may use
// the handle, and finds the RTT control block symbol.
func (s *Session) prepareTarget(ctx context.Context, h *probe.Handle, report *Report) (uint32, error) {
	cfg := s.cfg
	var symbol uint32

	if cfg.Flashing.Enabled {
		loader := s.opts.Loader
		if loader == nil {
			loader = &flash.MemoryLoader{
				CacheKey: cfg.General.Chip + "-" + cfg.Probe.Selector,
				Progress: s.opts.FlashProgress,
			}
		}
		res, err := loader.Flash(ctx, h, cfg.Flashing, cfg.Reset)
		if err != nil {
			if errors.GetCode(err) != errors.ErrCodeFlashFailed && !errors.Is(err, errors.ErrCodeTransportLost) {
				err = errors.FlashFailed(cfg.Flashing.Image, err)
			}
			return 0, err
		}
		report.Flash = res
		symbol = res.RTTAddress
	} else if cfg.Reset.Enabled {
		err := h.Do(ctx, func(a *probe.Access) error { return a.Reset(ctx, cfg.Reset.HaltAfterwards) })
		if err != nil {
			if errors.IsFatal(err) {
				return 0, err
			}
			s.log.WithError(err).Warn("Reset after attach failed")
			s.board.Post(status.LevelWarn, "reset failed: %v", err)
		}
	}

	if symbol == 0 && cfg.Flashing.Image != "" {
		if addr, ok := flash.LookupSymbol(cfg.Flashing.Image, flash.RTTSymbol); ok {
			symbol = addr
		}
	}
	if symbol != 0 {
		s.log.WithField("address", fmt.Sprintf("0x%08x", symbol)).Debug("RTT control block symbol")
	}
	return symbol, nil
}

type result struct {
	name string
	err  error
}

// supervise starts the subsystems and waits for a reason to stop.
func (s *Session) supervise(ctx context.Context, h *probe.Handle, symbol uint32) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs, cause := s.build(h, symbol)
	defer s.closeSubsystems(subs)
	if cause != nil {
		return cause
	}

	results := make(chan result, len(subs))
	pending := make(map[string]bool, len(subs))
	for _, sub := range subs {
		pending[sub.name] = true
		sub := sub
		go func() {
			results <- result{name: sub.name, err: sub.run(subCtx)}
		}()
	}
	close(s.started)

	essential := make(map[string]bool)
	for _, sub := range subs {
		essential[sub.name] = sub.essential
	}

	var reason string
	for len(pending) > 0 && cause == nil && reason == "" {
		select {
		case <-ctx.Done():
			reason = "interrupted"
		case <-s.quit:
			reason = "quit requested"
		case <-h.Lost():
			cause = h.Err()
		case r := <-results:
			delete(pending, r.name)
			if r.err == nil {
				s.log.WithField("subsystem", r.name).Debug("Subsystem ended")
				continue
			}
			if errors.IsFatal(r.err) || essential[r.name] {
				cause = r.err
				s.essentialFailed = essential[r.name]
			}
		}
	}
	if reason == "" && cause == nil {
		reason = "all subsystems ended"
	}
	if reason != "" {
		s.log.WithField("reason", reason).Info("Shutting down")
	} else {
		s.log.WithError(cause).Error("Shutting down on fatal error")
	}

	cancel()
	for _, name := range awaitStop(results, pending, s.cfg.Session.ShutdownGrace.Std()) {
		s.board.MarkAbandoned(name)
		s.log.WithField("subsystem", name).Warn("Subsystem did not stop in time, abandoning it")
	}

	if cause == nil {
		// The link may have dropped while subsystems were stopping.
		select {
		case <-h.Lost():
			cause = h.Err()
		default:
		}
	}
	return cause
}

// awaitStop collects results for up to grace and returns the names that
// never reported back.
func awaitStop(results <-chan result, pending map[string]bool, grace time.Duration) []string {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.name)
		case <-timer.C:
			var out []string
			for name := range pending {
				out = append(out, name)
			}
			return sortedNames(out)
		}
	}
	return nil
}
