package theme

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const defaultThemeName = "kanagawa"

// --- Kanagawa palette (dark / light variants) ---
const (
	kanagawaDarkGreen    = "#98BB6C"
	kanagawaDarkYellow   = "#FF9E3B"
	kanagawaDarkRed      = "#FF5D62"
	kanagawaDarkOrange   = "#FFA066"
	kanagawaDarkCyan     = "#7E9CD8"
	kanagawaDarkViolet   = "#957FB8"
	kanagawaDarkText     = "#DCD7BA"
	kanagawaDarkMuted    = "#727169"
	kanagawaDarkBorder   = "#363646"
	kanagawaDarkSelected = "#223249"

	kanagawaLightGreen    = "#4E7C5A"
	kanagawaLightYellow   = "#A68A64"
	kanagawaLightRed      = "#C34043"
	kanagawaLightOrange   = "#CC6B4E"
	kanagawaLightCyan     = "#5B8BBE"
	kanagawaLightViolet   = "#674D7A"
	kanagawaLightText     = "#2B2F42"
	kanagawaLightMuted    = "#6C7086"
	kanagawaLightBorder   = "#B5BDC5"
	kanagawaLightSelected = "#E2E6F3"
)

// Colors is the palette a Theme is built from.
type Colors struct {
	Green    lipgloss.TerminalColor
	Yellow   lipgloss.TerminalColor
	Red      lipgloss.TerminalColor
	Orange   lipgloss.TerminalColor
	Cyan     lipgloss.TerminalColor
	Violet   lipgloss.TerminalColor
	Text     lipgloss.TerminalColor
	Muted    lipgloss.TerminalColor
	Border   lipgloss.TerminalColor
	Selected lipgloss.TerminalColor
}

// Theme holds the styles used by the dashboard and CLI output.
type Theme struct {
	Colors Colors

	Header lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	Bold   lipgloss.Style
	Normal lipgloss.Style
	Muted  lipgloss.Style

	TabActive   lipgloss.Style
	TabInactive lipgloss.Style
	TabDegraded lipgloss.Style
	StatusBar   lipgloss.Style
	Pane        lipgloss.Style

	Input       lipgloss.Style
	Placeholder lipgloss.Style

	Highlight lipgloss.Style
	Accent    lipgloss.Style
}

var themeRegistry = map[string]func() Colors{
	"kanagawa": newKanagawaColors,
	"terminal": newTerminalColors,
}

// DefaultTheme is selected from EMBED_THEME at startup.
var DefaultTheme = NewThemeWithName(os.Getenv("EMBED_THEME"))

// SetTheme replaces DefaultTheme; unknown names fall back to kanagawa.
func SetTheme(name string) {
	DefaultTheme = NewThemeWithName(name)
}

// NewThemeWithName constructs a theme from a palette name.
func NewThemeWithName(name string) *Theme {
	key := strings.ToLower(strings.TrimSpace(name))
	builder, ok := themeRegistry[key]
	if !ok {
		builder = themeRegistry[defaultThemeName]
	}
	return newThemeFromColors(builder())
}

// RenderState styles a subsystem state label.
func (t *Theme) RenderState(state string) string {
	switch state {
	case "running":
		return t.Success.Render(state)
	case "degraded":
		return t.Warning.Render(state)
	case "failed":
		return t.Error.Render(state)
	case "starting":
		return t.Info.Render(state)
	default:
		return t.Muted.Render(state)
	}
}

func newThemeFromColors(colors Colors) *Theme {
	return &Theme{
		Colors: colors,

		Header: lipgloss.NewStyle().Bold(true).Foreground(colors.Text),

		Success: lipgloss.NewStyle().Foreground(colors.Green).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(colors.Red).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(colors.Yellow).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(colors.Cyan).Bold(true),

		Bold:   lipgloss.NewStyle().Bold(true),
		Normal: lipgloss.NewStyle(),
		Muted:  lipgloss.NewStyle().Faint(true),

		TabActive: lipgloss.NewStyle().
			Bold(true).
			Foreground(colors.Text).
			Background(colors.Selected).
			Padding(0, 1),
		TabInactive: lipgloss.NewStyle().
			Foreground(colors.Muted).
			Padding(0, 1),
		TabDegraded: lipgloss.NewStyle().
			Foreground(colors.Yellow).
			Padding(0, 1),
		StatusBar: lipgloss.NewStyle().
			Foreground(colors.Muted).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(colors.Border),
		Pane: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colors.Border),

		Input:       lipgloss.NewStyle().Foreground(colors.Text),
		Placeholder: lipgloss.NewStyle().Foreground(colors.Muted).Italic(true),

		Highlight: lipgloss.NewStyle().Foreground(colors.Orange).Bold(true),
		Accent:    lipgloss.NewStyle().Foreground(colors.Violet).Bold(true),
	}
}

func newKanagawaColors() Colors {
	return Colors{
		Green:    lipgloss.AdaptiveColor{Light: kanagawaLightGreen, Dark: kanagawaDarkGreen},
		Yellow:   lipgloss.AdaptiveColor{Light: kanagawaLightYellow, Dark: kanagawaDarkYellow},
		Red:      lipgloss.AdaptiveColor{Light: kanagawaLightRed, Dark: kanagawaDarkRed},
		Orange:   lipgloss.AdaptiveColor{Light: kanagawaLightOrange, Dark: kanagawaDarkOrange},
		Cyan:     lipgloss.AdaptiveColor{Light: kanagawaLightCyan, Dark: kanagawaDarkCyan},
		Violet:   lipgloss.AdaptiveColor{Light: kanagawaLightViolet, Dark: kanagawaDarkViolet},
		Text:     lipgloss.AdaptiveColor{Light: kanagawaLightText, Dark: kanagawaDarkText},
		Muted:    lipgloss.AdaptiveColor{Light: kanagawaLightMuted, Dark: kanagawaDarkMuted},
		Border:   lipgloss.AdaptiveColor{Light: kanagawaLightBorder, Dark: kanagawaDarkBorder},
		Selected: lipgloss.AdaptiveColor{Light: kanagawaLightSelected, Dark: kanagawaDarkSelected},
	}
}

// newTerminalColors uses the 16 ANSI colors so the user's terminal scheme applies.
func newTerminalColors() Colors {
	return Colors{
		Green:    lipgloss.Color("2"),
		Yellow:   lipgloss.Color("3"),
		Red:      lipgloss.Color("1"),
		Orange:   lipgloss.Color("208"),
		Cyan:     lipgloss.Color("6"),
		Violet:   lipgloss.Color("5"),
		Text:     lipgloss.Color("7"),
		Muted:    lipgloss.Color("8"),
		Border:   lipgloss.Color("8"),
		Selected: lipgloss.Color("8"),
	}
}
