package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/probe/sim"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tgt    *sim.Target
	reader *rtt.Reader
	board  *status.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tgt := sim.New(sim.Options{})
	h := probe.NewHandle(tgt, probe.Options{})
	t.Cleanup(func() { _ = h.Detach() })

	r := rtt.New(h, config.RTTConfig{
		Enabled:      true,
		PollInterval: config.Duration(5 * time.Millisecond),
		SetupTimeout: config.Duration(100 * time.Millisecond),
		ScanRegion:   config.ScanRegion{Start: sim.RAMBase, Size: sim.RAMSize},
		MaxRecords:   100,
	}, rtt.Options{})
	require.NoError(t, r.Setup(context.Background()))
	return &fixture{tgt: tgt, reader: r, board: status.NewBoard("rtt", "gdb", "dashboard")}
}

func (f *fixture) emit(t *testing.T, text string) {
	t.Helper()
	f.tgt.EmitString(0, text)
	require.NoError(t, f.reader.Poll(context.Background()))
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(f *fixture) *model {
	m := newModel(Options{Title: "embed", Board: f.board, RTT: f.reader, Refresh: time.Millisecond})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})
	return m
}

func TestModelShowsChannelRecords(t *testing.T) {
	f := newFixture(t)
	f.emit(t, "boot\nready\n")

	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))

	require.Len(t, m.panes, 3)
	assert.Equal(t, "Terminal", m.panes[0].title)
	assert.Equal(t, 0, m.active)

	view := m.View()
	assert.Contains(t, view, "1 Terminal")
	assert.Contains(t, view, "boot")
	assert.Contains(t, view, "ready")

	f.emit(t, "tick:1\n")
	m.Update(tickMsg(time.Now()))
	assert.Equal(t, []string{"boot", "ready", "tick:1"}, m.panes[0].lines)
}

func TestModelPaneSwitching(t *testing.T) {
	f := newFixture(t)
	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))

	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "Status", m.panes[m.active].title)
	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, "Terminal", m.panes[m.active].title)
	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, "Log", m.panes[m.active].title)
	m.Update(tea.KeyMsg{Type: tea.KeyF2})
	assert.Equal(t, "Status", m.panes[m.active].title)
	m.Update(tea.KeyMsg{Type: tea.KeyF12})
	assert.Equal(t, "Status", m.panes[m.active].title, "missing pane keys are ignored")
}

func TestModelKeepsSelectionWhenChannelsArrive(t *testing.T) {
	f := newFixture(t)
	m := newModel(Options{Board: f.board, Refresh: time.Millisecond})
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, "Log", m.panes[m.active].title)

	m.opts.RTT = f.reader
	m.Update(tickMsg(time.Now()))
	assert.Equal(t, "Log", m.panes[m.active].title)
}

func TestModelQuit(t *testing.T) {
	f := newFixture(t)
	quits := 0
	m := newModel(Options{Board: f.board, RTT: f.reader, Quit: func() { quits++ }})

	_, cmd := m.Update(keyRunes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 1, quits)
	assert.Empty(t, m.View())
}

func TestModelInputSendsToDownChannel(t *testing.T) {
	f := newFixture(t)
	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))

	m.Update(keyRunes("i"))
	require.True(t, m.inputting)
	m.Update(keyRunes("q"))
	assert.True(t, m.inputting, "keys go to the input line while typing")
	m.Update(keyRunes("hi"))
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.inputting)

	require.NoError(t, f.reader.Poll(context.Background()))
	assert.Equal(t, "qhi\n", string(f.tgt.ReadDown(0)))

	m.Update(keyRunes("i"))
	m.Update(keyRunes("dropped"))
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NoError(t, f.reader.Poll(context.Background()))
	assert.Empty(t, f.tgt.ReadDown(0))
}

func TestModelInputNeedsDownChannel(t *testing.T) {
	f := newFixture(t)
	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))
	m.Update(tea.KeyMsg{Type: tea.KeyTab})

	m.Update(keyRunes("i"))
	assert.False(t, m.inputting, "the status pane has no down channel")
}

func TestModelFollow(t *testing.T) {
	f := newFixture(t)
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	f.emit(t, b.String())

	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))
	p := m.panes[0]
	assert.True(t, p.follow)
	assert.True(t, p.vp.AtBottom())

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.False(t, p.follow)
	f.emit(t, "more\n")
	m.Update(tickMsg(time.Now()))
	assert.False(t, p.vp.AtBottom(), "a pane not following keeps its position")

	m.Update(tea.KeyMsg{Type: tea.KeyEnd})
	assert.True(t, p.follow)
	assert.True(t, p.vp.AtBottom())

	m.Update(keyRunes("f"))
	assert.False(t, p.follow)
	m.Update(tea.KeyMsg{Type: tea.KeyHome})
	assert.Equal(t, 0, p.vp.YOffset)
}

func TestModelStatusPane(t *testing.T) {
	f := newFixture(t)
	w, err := f.board.Writer("rtt")
	require.NoError(t, err)
	w.Degrade(fmt.Errorf("decode error on channel Terminal"))
	f.board.Post(status.LevelInfo, "firmware image changed")

	m := newTestModel(f)
	m.Update(tickMsg(time.Now()))
	lines := strings.Join(m.statusLines(), "\n")
	assert.Contains(t, lines, "degraded")
	assert.Contains(t, lines, "decode error on channel Terminal")
	assert.Contains(t, lines, "Terminal")
	assert.Contains(t, lines, "firmware image changed")
	require.NotNil(t, m.lastNotice)
	assert.Contains(t, m.View(), "firmware image changed")
}

func TestLogMode(t *testing.T) {
	f := newFixture(t)
	f.emit(t, "boot\nready\n")
	f.board.Post(status.LevelWarn, "gdb port busy")

	w, err := f.board.Writer("dashboard")
	require.NoError(t, err)
	var out bytes.Buffer
	d := New(Options{Board: f.board, RTT: f.reader, Mode: "log", Output: &out, Refresh: time.Millisecond, Status: w})
	assert.False(t, d.Interactive())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, "[Terminal] boot\n[Terminal] ready\nwarning: gdb port busy\n", out.String())
	slot, _ := f.board.Slot("dashboard")
	assert.Equal(t, status.Stopped, slot.State)
}

func TestRunTUIStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w, err := f.board.Writer("dashboard")
	require.NoError(t, err)
	d := New(Options{
		Board:          f.board,
		RTT:            f.reader,
		Mode:           "tui",
		Refresh:        time.Millisecond,
		Status:         w,
		ProgramOptions: []tea.ProgramOption{tea.WithInput(nil), tea.WithOutput(io.Discard)},
	})
	assert.True(t, d.Interactive())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dashboard did not stop")
	}
	slot, _ := f.board.Slot("dashboard")
	assert.Equal(t, status.Stopped, slot.State)
}
