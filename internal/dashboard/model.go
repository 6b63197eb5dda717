package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/tui/theme"
	"github.com/grovetools/embed/tui/utils/scrollbar"
)

const maxPaneLines = 5000

type paneKind int

const (
	channelPane paneKind = iota
	statusPane
	logPane
)

// pane is one tab of the dashboard.
type pane struct {
	kind   paneKind
	title  string
	ch     *rtt.Channel
	lines  []string
	cursor uint64
	follow bool
	dirty  bool
	vp     viewport.Model
}

func newPane(kind paneKind, title string, ch *rtt.Channel) *pane {
	vp := viewport.New(0, 0)
	vp.MouseWheelEnabled = false
	return &pane{kind: kind, title: title, ch: ch, follow: true, vp: vp}
}

func (p *pane) append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	p.lines = append(p.lines, lines...)
	if over := len(p.lines) - maxPaneLines; over > 0 {
		p.lines = append(p.lines[:0], p.lines[over:]...)
	}
	p.dirty = true
}

func (p *pane) replace(lines []string) {
	p.lines = lines
	p.dirty = true
}

func (p *pane) sync() {
	if p.dirty {
		p.vp.SetContent(strings.Join(p.lines, "\n"))
		p.dirty = false
	}
	if p.follow {
		p.vp.GotoBottom()
	}
}

type tickMsg time.Time

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// model is the bubbletea model. All state is owned by the program loop.
type model struct {
	opts  Options
	keys  keyMap
	help  help.Model
	theme *theme.Theme

	panes     []*pane
	active    int
	navigated bool
	channels  bool

	input     textinput.Model
	inputting bool

	notices    uint64
	lastNotice *status.Notice

	width, height int
	quitting      bool
}

func newModel(opts Options) *model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "text to send"
	ti.CharLimit = 256

	return &model{
		opts:  opts,
		keys:  newKeyMap(),
		help:  help.New(),
		theme: theme.DefaultTheme,
		panes: []*pane{
			newPane(statusPane, "Status", nil),
			newPane(logPane, "Log", nil),
		},
		input: ti,
	}
}

func (m *model) Init() tea.Cmd {
	return tick(m.opts.Refresh)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tick(m.opts.Refresh)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.layout()
		return m, nil

	case tea.KeyMsg:
		if m.inputting {
			return m.updateInput(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.panes[m.active]
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		if m.opts.Quit != nil {
			m.opts.Quit()
		}
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.layout()
	case key.Matches(msg, m.keys.NextPane):
		m.selectPane((m.active + 1) % len(m.panes))
	case key.Matches(msg, m.keys.PrevPane):
		m.selectPane((m.active + len(m.panes) - 1) % len(m.panes))
	case key.Matches(msg, m.keys.Follow):
		p.follow = !p.follow
		p.sync()
	case key.Matches(msg, m.keys.Input):
		if p.kind == channelPane && p.ch.HasInput() {
			m.inputting = true
			m.input.Reset()
			m.layout()
			return m, m.input.Focus()
		}
	case key.Matches(msg, m.keys.Home):
		p.follow = false
		p.vp.GotoTop()
	case key.Matches(msg, m.keys.End):
		p.follow = true
		p.vp.GotoBottom()
	case key.Matches(msg, m.keys.Up, m.keys.PageUp):
		p.follow = false
		return m, m.scroll(p, msg)
	case key.Matches(msg, m.keys.Down, m.keys.PageDown):
		return m, m.scroll(p, msg)
	default:
		for i, b := range m.keys.Panes {
			if key.Matches(msg, b) && i < len(m.panes) {
				m.selectPane(i)
				break
			}
		}
	}
	return m, nil
}

func (m *model) scroll(p *pane, msg tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	p.vp, cmd = p.vp.Update(msg)
	if p.vp.AtBottom() {
		p.follow = true
	}
	return cmd
}

func (m *model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Send):
		p := m.panes[m.active]
		text := m.input.Value()
		if err := m.opts.RTT.Send(p.ch.Index(), text+"\n"); err != nil && m.opts.Board != nil {
			m.opts.Board.Post(status.LevelWarn, "send to %s failed: %v", p.ch.Name(), err)
		}
		m.stopInput()
		return m, nil
	case key.Matches(msg, m.keys.Cancel):
		m.stopInput()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) stopInput() {
	m.inputting = false
	m.input.Blur()
	m.input.Reset()
	m.layout()
}

func (m *model) selectPane(i int) {
	m.active = i
	m.navigated = true
	m.inputting = false
	m.input.Blur()
	m.layout()
}

// refresh pulls everything new since the last tick.
func (m *model) refresh() {
	if !m.channels && m.opts.RTT != nil {
		if chans := m.opts.RTT.Channels(); len(chans) > 0 {
			m.addChannels(chans)
		}
	}

	for _, p := range m.panes {
		switch p.kind {
		case channelPane:
			for _, rec := range p.ch.Records().Since(p.cursor) {
				p.append(rec.Line(m.opts.Timestamps))
				p.cursor = rec.Seq
			}
		case statusPane:
			p.replace(m.statusLines())
		case logPane:
			if m.opts.Logs != nil {
				var lines []string
				lines, p.cursor = m.opts.Logs.Since(p.cursor)
				p.append(lines...)
			}
		}
	}

	if m.opts.Board != nil {
		for _, n := range m.opts.Board.Notices(m.notices) {
			n := n
			m.lastNotice = &n
			m.notices = n.Seq
		}
	}
	m.layout()
}

// addChannels puts one pane per channel in front of Status and Log.
func (m *model) addChannels(chans []*rtt.Channel) {
	panes := make([]*pane, 0, len(chans)+len(m.panes))
	for _, ch := range chans {
		panes = append(panes, newPane(channelPane, ch.Name(), ch))
	}
	m.panes = append(panes, m.panes...)
	if m.navigated {
		m.active += len(chans)
	}
	m.channels = true
}

func (m *model) statusLines() []string {
	t := m.theme
	var lines []string
	if m.opts.Board != nil {
		for _, s := range m.opts.Board.Slots() {
			line := fmt.Sprintf("%-10s %s", s.Name, t.RenderState(s.State.String()))
			if s.Detail != "" {
				line += "  " + t.Muted.Render(s.Detail)
			}
			if s.LastError != "" {
				line += "  " + t.Error.Render(s.LastError)
			}
			lines = append(lines, line)
		}
	}
	if m.opts.RTT != nil {
		chans := m.opts.RTT.Channels()
		if len(chans) > 0 {
			lines = append(lines, "", t.Header.Render("Channels"))
		}
		for _, ch := range chans {
			st := ch.State()
			line := fmt.Sprintf("%-2d %-20s %-8s %8d bytes %6d records", st.Up, st.Name, st.Format, st.BytesRead, st.Records)
			if st.Degraded {
				line += "  " + t.Warning.Render(st.LastError)
			}
			lines = append(lines, line)
		}
	}
	if m.opts.Board != nil {
		notices := m.opts.Board.Notices(0)
		if len(notices) > 0 {
			lines = append(lines, "", t.Header.Render("Notices"))
		}
		for _, n := range notices {
			lines = append(lines, fmt.Sprintf("%s %s", t.Muted.Render(n.Time.Format(rtt.TimestampFormat)), m.renderNotice(n)))
		}
	}
	return lines
}

func (m *model) renderNotice(n status.Notice) string {
	switch n.Level {
	case status.LevelWarn:
		return m.theme.Warning.Render(n.Text)
	case status.LevelError:
		return m.theme.Error.Render(n.Text)
	}
	return n.Text
}

func (m *model) footerHeight() int {
	h := 2
	if m.inputting {
		h++
	}
	if m.help.ShowAll {
		h += lipgloss.Height(m.help.View(m.keys))
	} else {
		h++
	}
	return h
}

func (m *model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	bodyHeight := m.height - 1 - m.footerHeight()
	if bodyHeight < 1 {
		bodyHeight = 1
	}
	for _, p := range m.panes {
		p.vp.Width = m.width - 1
		p.vp.Height = bodyHeight
		p.sync()
	}
	m.input.Width = m.width - 4
}

func (m *model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "starting…"
	}
	p := m.panes[m.active]

	sections := []string{m.renderTabs(), scrollbar.Overlay(&p.vp), m.renderStatusBar()}
	if m.inputting {
		sections = append(sections, m.theme.Input.Render(m.input.View()))
		sections = append(sections, m.help.View(inputKeys{m.keys}))
	} else {
		sections = append(sections, m.help.View(m.keys))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *model) renderTabs() string {
	t := m.theme
	tabs := make([]string, 0, len(m.panes)+1)
	if m.opts.Title != "" {
		tabs = append(tabs, t.Accent.Render(m.opts.Title))
	}
	for i, p := range m.panes {
		label := fmt.Sprintf("%d %s", i+1, p.title)
		switch {
		case i == m.active:
			tabs = append(tabs, t.TabActive.Render(label))
		case p.kind == channelPane && p.ch.Degraded():
			tabs = append(tabs, t.TabDegraded.Render(label))
		default:
			tabs = append(tabs, t.TabInactive.Render(label))
		}
	}
	return ansi.Truncate(lipgloss.JoinHorizontal(lipgloss.Top, tabs...), m.width, "…")
}

func (m *model) renderStatusBar() string {
	t := m.theme
	p := m.panes[m.active]

	var parts []string
	if m.opts.Board != nil {
		for _, s := range m.opts.Board.Slots() {
			parts = append(parts, s.Name+" "+t.RenderState(s.State.String()))
		}
	}
	if p.follow {
		parts = append(parts, t.Info.Render("follow"))
	} else {
		parts = append(parts, t.Muted.Render(fmt.Sprintf("%3.0f%%", p.vp.ScrollPercent()*100)))
	}
	if m.lastNotice != nil {
		parts = append(parts, m.renderNotice(*m.lastNotice))
	}
	line := ansi.Truncate(strings.Join(parts, "  "), m.width, "…")
	return t.StatusBar.Width(m.width).Render(line)
}
