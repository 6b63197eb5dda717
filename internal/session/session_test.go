package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/flash"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/probe/sim"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.General.Chip = "sim"
	cfg.Probe.Selector = "sim://"
	cfg.RTT.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.RTT.SetupTimeout = config.Duration(time.Second)
	cfg.RTT.ScanRegion = config.ScanRegion{Start: sim.RAMBase, Size: sim.RAMSize}
	cfg.Dashboard.Mode = "log"
	cfg.Dashboard.Refresh = config.Duration(5 * time.Millisecond)
	cfg.GDB.Bind = "127.0.0.1:0"
	cfg.GDB.HaltPollInterval = config.Duration(2 * time.Millisecond)
	cfg.Session.ShutdownGrace = config.Duration(time.Second)
	return cfg
}

type harness struct {
	t      *testing.T
	tgt    *sim.Target
	output *bytes.Buffer
	opts   Options
}

func newHarness(t *testing.T, cfg *config.Config, simOpts sim.Options) *harness {
	t.Helper()
	testutil.IsolateHome(t)
	h := &harness{t: t, tgt: sim.New(simOpts), output: &bytes.Buffer{}}
	h.opts = Options{
		Config: cfg,
		Attach: func(ctx context.Context, cfg *config.Config) (probe.Connection, error) {
			return h.tgt, nil
		},
		Logs:     logging.NewBuffer(50),
		LockPath: filepath.Join(t.TempDir(), "probe.lock"),
		Dashboard: func(o *DashboardOptions) {
			o.Output = h.output
		},
	}
	t.Cleanup(func() { _ = h.tgt.Close() })
	return h
}

type runResult struct {
	report *Report
	err    error
}

func (h *harness) start(ctx context.Context) (*Session, <-chan runResult) {
	h.t.Helper()
	s, err := New(h.opts)
	require.NoError(h.t, err)
	done := make(chan runResult, 1)
	go func() {
		report, err := s.Run(ctx)
		done <- runResult{report, err}
	}()
	return s, done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		require.NotNil(t, r.report)
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return runResult{}
	}
}

func waitStarted(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("session never started its subsystems")
	}
}

func texts(recs []rtt.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Text)
	}
	return out
}

func waitForLines(t *testing.T, s *Session, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		r := s.Reader()
		if r == nil || len(r.Channels()) == 0 {
			return false
		}
		got := texts(r.Channels()[0].Records().Since(0))
		for _, w := range want {
			if !contains(got, w) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestSessionDemoEndToEnd(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, sim.Options{Demo: true, DemoInterval: 10 * time.Millisecond})

	s, done := h.start(context.Background())
	waitStarted(t, s)
	waitForLines(t, s, "boot", "ready", "tick:1")
	s.Quit()
	s.Quit()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, status.Success, r.report.Outcome)
	assert.Equal(t, 0, r.report.ExitCode())
	assert.Empty(t, r.report.Abandoned)
	assert.Equal(t, 1, r.report.MaxHolders)
	assert.Equal(t, 1, h.tgt.MaxConcurrent())
	assert.Equal(t, 1, h.tgt.Closes())
	assert.Greater(t, r.report.Ops, uint64(0))

	for _, slot := range r.report.Slots {
		assert.Equal(t, status.Stopped, slot.State, slot.Name)
	}
	assert.Contains(t, h.output.String(), "[Terminal] boot\n[Terminal] ready\n")

	_, err := os.Stat(h.opts.LockPath)
	assert.True(t, os.IsNotExist(err), "probe lock released")
}

func TestSessionFlashesBeforeFanOut(t *testing.T) {
	cfg := testConfig()
	code := make([]byte, 512)
	for i := range code {
		code[i] = byte(i)
	}
	vectors := make([]byte, 8)
	binary.LittleEndian.PutUint32(vectors[0:], sim.RAMBase+sim.RAMSize)
	binary.LittleEndian.PutUint32(vectors[4:], 0x401)
	image := testutil.WriteELF(t, t.TempDir(), "fw.elf", 0x401, []testutil.Segment{
		{Addr: 0x0, Data: vectors},
		{Addr: 0x400, Data: code},
	}, map[string]uint32{flash.RTTSymbol: sim.DefaultControlBlock})
	cfg.Flashing.Enabled = true
	cfg.Flashing.Image = image
	cfg.Dashboard.Enabled = false

	h := newHarness(t, cfg, sim.Options{Demo: true, DemoInterval: 10 * time.Millisecond})
	var progress int
	h.opts.FlashProgress = func(done, total int) { progress = done }

	s, done := h.start(context.Background())
	waitStarted(t, s)
	waitForLines(t, s, "boot", "ready")
	s.Quit()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, status.Success, r.report.Outcome)
	require.NotNil(t, r.report.Flash)
	assert.Equal(t, sim.DefaultControlBlock, int(r.report.Flash.RTTAddress))
	assert.Equal(t, 520, progress)
	assert.Equal(t, code, h.tgt.Peek(0x400, len(code)))
}

type failingLoader struct {
	calls int
}

func (l *failingLoader) Flash(ctx context.Context, h *probe.Handle, cfg config.FlashingConfig, reset config.ResetConfig) (*flash.Result, error) {
	l.calls++
	return nil, errors.New(errors.ErrCodeInternal, "verify mismatch at 0x400")
}

func TestSessionFlashFailureStopsBeforeSubsystems(t *testing.T) {
	cfg := testConfig()
	cfg.Flashing.Enabled = true
	cfg.Flashing.Image = testutil.WriteFile(t, t.TempDir(), "fw.bin", []byte{1, 2, 3, 4})
	cfg.GDB.Enabled = true

	h := newHarness(t, cfg, sim.Options{})
	loader := &failingLoader{}
	h.opts.Loader = loader

	s, done := h.start(context.Background())
	r := wait(t, done)

	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, errors.ErrCodeFlashFailed))
	assert.Equal(t, status.Fatal, r.report.Outcome)
	assert.Equal(t, 1, r.report.ExitCode())
	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, 0, h.tgt.OpCount("read_memory"), "no RTT reads after a failed flash")
	assert.Equal(t, 1, h.tgt.Closes())
	assert.Nil(t, s.Reader())
	assert.Empty(t, s.GDBAddr())

	select {
	case <-s.Started():
		t.Fatal("subsystems started after a failed flash")
	default:
	}
}

func TestSessionConfigConflict(t *testing.T) {
	cfg := testConfig()
	cfg.GDB.Enabled = true
	cfg.RTT.HaltWhilePolling = true

	h := newHarness(t, cfg, sim.Options{})
	attached := false
	h.opts.Attach = func(ctx context.Context, cfg *config.Config) (probe.Connection, error) {
		attached = true
		return h.tgt, nil
	}

	_, done := h.start(context.Background())
	r := wait(t, done)
	assert.True(t, errors.Is(r.err, errors.ErrCodeConfigConflict))
	assert.Equal(t, status.Fatal, r.report.Outcome)
	assert.False(t, attached)
}

func TestSessionProbeBusy(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, sim.Options{})
	// Our parent is alive for the whole test.
	require.NoError(t, os.WriteFile(h.opts.LockPath, []byte(strconv.Itoa(os.Getppid())), 0o644))

	_, done := h.start(context.Background())
	r := wait(t, done)
	assert.True(t, errors.Is(r.err, errors.ErrCodeProbeBusy))
	assert.Equal(t, status.Fatal, r.report.Outcome)
	assert.Equal(t, 0, h.tgt.Closes(), "never attached")
}

func TestSessionAttachFailure(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, sim.Options{})
	h.opts.Attach = func(ctx context.Context, cfg *config.Config) (probe.Connection, error) {
		return nil, errors.New(errors.ErrCodeInternal, "usb device vanished")
	}

	_, done := h.start(context.Background())
	r := wait(t, done)
	assert.Equal(t, errors.ErrCodeAttachFailed, errors.GetCode(r.err))
	assert.Equal(t, status.Fatal, r.report.Outcome)
}

func TestSessionTransportLost(t *testing.T) {
	cfg := testConfig()
	cfg.GDB.Enabled = true
	h := newHarness(t, cfg, sim.Options{Demo: true, DemoInterval: 10 * time.Millisecond})

	s, done := h.start(context.Background())
	waitStarted(t, s)
	waitForLines(t, s, "boot")
	h.tgt.Disconnect()

	r := wait(t, done)
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, errors.ErrCodeTransportLost))
	assert.Equal(t, status.Fatal, r.report.Outcome)
	assert.Equal(t, 1, r.report.ExitCode())
}

func TestSessionGDBPortConflict(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	t.Run("optional server", func(t *testing.T) {
		cfg := testConfig()
		cfg.GDB.Enabled = true
		cfg.GDB.Bind = busy.Addr().String()
		h := newHarness(t, cfg, sim.Options{Demo: true, DemoInterval: 10 * time.Millisecond})

		s, done := h.start(context.Background())
		waitStarted(t, s)
		waitForLines(t, s, "ready")
		s.Quit()

		r := wait(t, done)
		assert.NoError(t, r.err)
		assert.Equal(t, status.PartialFailure, r.report.Outcome)
		assert.Equal(t, 2, r.report.ExitCode())

		gdb, ok := s.Board().Slot(SlotGDB)
		require.True(t, ok)
		assert.Equal(t, status.Failed, gdb.State)
		rttSlot, _ := s.Board().Slot(SlotRTT)
		assert.Equal(t, status.Stopped, rttSlot.State)
		assert.Contains(t, h.output.String(), "GDB server unavailable")
	})

	t.Run("essential server", func(t *testing.T) {
		cfg := testConfig()
		cfg.GDB.Enabled = true
		cfg.GDB.Essential = true
		cfg.GDB.Bind = busy.Addr().String()
		h := newHarness(t, cfg, sim.Options{})

		_, done := h.start(context.Background())
		r := wait(t, done)
		assert.Equal(t, errors.ErrCodePortConflict, errors.GetCode(r.err))
		assert.Equal(t, status.Fatal, r.report.Outcome)
		assert.Equal(t, 1, h.tgt.Closes())
	})
}

func TestSessionInterrupted(t *testing.T) {
	cfg := testConfig()
	cfg.GDB.Enabled = true
	h := newHarness(t, cfg, sim.Options{Demo: true, DemoInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, done := h.start(ctx)
	waitStarted(t, s)
	assert.NotEmpty(t, s.GDBAddr())
	waitForLines(t, s, "ready")
	cancel()

	r := wait(t, done)
	assert.NoError(t, r.err)
	assert.Equal(t, status.Success, r.report.Outcome)
	assert.Equal(t, 1, h.tgt.Closes())
}

func TestSessionWithoutSubsystems(t *testing.T) {
	cfg := testConfig()
	cfg.RTT.Enabled = false
	cfg.Dashboard.Enabled = false
	h := newHarness(t, cfg, sim.Options{})

	_, done := h.start(context.Background())
	r := wait(t, done)
	assert.NoError(t, r.err)
	assert.Equal(t, status.Success, r.report.Outcome)
	assert.Empty(t, r.report.Slots)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestAwaitStop(t *testing.T) {
	t.Run("all report back", func(t *testing.T) {
		results := make(chan result, 2)
		results <- result{name: "rtt"}
		results <- result{name: "gdb"}
		left := awaitStop(results, map[string]bool{"rtt": true, "gdb": true}, time.Second)
		assert.Empty(t, left)
	})

	t.Run("stragglers abandoned", func(t *testing.T) {
		results := make(chan result, 1)
		results <- result{name: "rtt"}
		left := awaitStop(results, map[string]bool{"rtt": true, "gdb": true, "dashboard": true}, 20*time.Millisecond)
		assert.Equal(t, []string{"dashboard", "gdb"}, left)
	})
}

func TestReportExitCodes(t *testing.T) {
	tests := []struct {
		outcome status.Outcome
		want    int
	}{
		{status.Success, 0},
		{status.PartialFailure, 2},
		{status.Fatal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, (&Report{Outcome: tt.outcome}).ExitCode())
		})
	}
}
