package session

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/grovetools/embed/internal/dashboard"
	"github.com/grovetools/embed/internal/gdbserver"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/internal/watch"
	"github.com/grovetools/embed/logging"
)

// DashboardOptions are the options handed to the dashboard.
type DashboardOptions = dashboard.Options

const logPaneLines = 500

// subsystem is one concurrently running part of the session.
type subsystem struct {
	name      string
	essential bool
	run       func(ctx context.Context) error
	// close releases resources once the subsystem has stopped or been abandoned.
	close func()
}

func (s *Session) writer(name string) *status.Writer {
	w, err := s.board.Writer(name)
	if err != nil {
		s.log.WithError(err).Error("Status slot unavailable")
	}
	return w
}

// build creates every enabled subsystem. A failure that must end the session
// is returned; anything else marks the slot and carries on.
func (s *Session) build(h *probe.Handle, symbol uint32) ([]subsystem, error) {
	cfg := s.cfg
	var subs []subsystem

	var reader *rtt.Reader
	if cfg.RTT.Enabled {
		var sink rtt.Sink
		if cfg.RTT.LogEnabled {
			sink = rtt.NewHistorySink(cfg.RTT)
			s.log.WithField("dir", rtt.HistoryDir(cfg.RTT)).Info("Writing RTT history")
		}
		reader = rtt.New(h, cfg.RTT, rtt.Options{
			Symbol: symbol,
			Sink:   sink,
			Status: s.writer(SlotRTT),
			Logger: logging.NewLogger("rtt").WithField("session", s.id[:8]),
		})
		s.mu.Lock()
		s.reader = reader
		s.mu.Unlock()
		subs = append(subs, subsystem{name: SlotRTT, run: reader.Run})
	}

	if cfg.GDB.Enabled {
		w := s.writer(SlotGDB)
		srv, err := gdbserver.Listen(h, gdbserver.Options{
			Bind:             cfg.GDB.Bind,
			HaltOnAttach:     cfg.GDB.HaltOnAttach,
			BreakpointUnits:  cfg.GDB.BreakpointUnits,
			HaltPollInterval: cfg.GDB.HaltPollInterval.Std(),
			Status:           w,
			Logger:           logging.NewLogger("gdb").WithField("session", s.id[:8]),
		})
		if err != nil {
			w.Fail(err)
			s.board.Post(status.LevelError, "GDB server unavailable: %v", err)
			if cfg.GDB.Essential {
				s.essentialFailed = true
				return subs, err
			}
			s.log.WithError(err).Warn("Continuing without the GDB server")
		} else {
			s.mu.Lock()
			s.gdb = srv
			s.mu.Unlock()
			s.board.Post(status.LevelInfo, "GDB server listening on %s", srv.Addr())
			subs = append(subs, subsystem{
				name:      SlotGDB,
				essential: cfg.GDB.Essential,
				run:       srv.Serve,
				close:     func() { _ = srv.Close() },
			})
		}
	}

	if cfg.Dashboard.Enabled {
		logs := s.opts.Logs
		var unhook func()
		if logs == nil {
			logs = logging.NewBuffer(logPaneLines)
			logging.AddHook(logs)
			unhook = func() { logging.RemoveHook(logs) }
		}
		dopts := DashboardOptions{
			Title:      "embed " + cfg.General.Chip,
			Board:      s.board,
			Logs:       logs,
			Refresh:    cfg.Dashboard.Refresh.Std(),
			Timestamps: cfg.RTT.ShowTimestamps,
			Mode:       cfg.Dashboard.Mode,
			Quit:       s.Quit,
			Status:     s.writer(SlotDashboard),
		}
		if reader != nil {
			dopts.RTT = reader
		}
		if s.opts.Dashboard != nil {
			s.opts.Dashboard(&dopts)
		}
		d := dashboard.New(dopts)
		subs = append(subs, subsystem{name: SlotDashboard, run: d.Run, close: unhook})
	}

	if watchEnabled(cfg) {
		w := s.writer(SlotWatch)
		iw, err := watch.NewImageWatcher(cfg.Flashing.Image, watch.Options{
			Format: cfg.Flashing.Format,
			Base:   uint32(cfg.Flashing.BaseAddress),
			Status: w,
			OnChange: func(c watch.Change) {
				s.board.Post(status.LevelInfo, "firmware image %s changed (%s), restart the session to flash it",
					filepath.Base(c.Path), c.Digest[:12])
			},
		})
		if err != nil {
			w.Fail(err)
			s.log.WithError(err).Warn("Image watcher unavailable")
		} else {
			subs = append(subs, subsystem{name: SlotWatch, run: iw.Run})
		}
	}
	return subs, nil
}

func (s *Session) closeSubsystems(subs []subsystem) {
	for _, sub := range subs {
		if sub.close != nil {
			sub.close()
		}
	}
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
