package dashboard

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the dashboard bindings.
type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Home     key.Binding
	End      key.Binding

	NextPane key.Binding
	PrevPane key.Binding
	Panes    []key.Binding

	Follow key.Binding
	Input  key.Binding
	Send   key.Binding
	Cancel key.Binding
	Help   key.Binding
	Quit   key.Binding
}

func newKeyMap() keyMap {
	km := keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "scroll down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "page down"),
		),
		Home: key.NewBinding(
			key.WithKeys("home", "g"),
			key.WithHelp("home", "oldest"),
		),
		End: key.NewBinding(
			key.WithKeys("end", "G"),
			key.WithHelp("end", "newest"),
		),
		NextPane: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next pane"),
		),
		PrevPane: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "previous pane"),
		),
		Follow: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "follow"),
		),
		Input: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "send input"),
		),
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
	for i := 1; i <= 12; i++ {
		k := fmt.Sprintf("f%d", i)
		km.Panes = append(km.Panes, key.NewBinding(key.WithKeys(k), key.WithHelp(k, fmt.Sprintf("pane %d", i))))
	}
	return km
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Follow, k.Input, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.PageUp, k.PageDown, k.Home, k.End},
		{k.NextPane, k.PrevPane, k.Panes[0], k.Follow},
		{k.Input, k.Send, k.Cancel, k.Help, k.Quit},
	}
}

// inputKeys is the help shown while typing into a down channel.
type inputKeys struct{ k keyMap }

func (i inputKeys) ShortHelp() []key.Binding  { return []key.Binding{i.k.Send, i.k.Cancel} }
func (i inputKeys) FullHelp() [][]key.Binding { return [][]key.Binding{i.ShortHelp()} }
