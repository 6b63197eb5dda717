package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/embed/tui/theme"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	helpMaxWidth = 72
	helpMinWidth = 40
)

// SetStyledHelp installs the themed help renderer on cmd.
func SetStyledHelp(cmd *cobra.Command) {
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		newHelpPrinter(c.OutOrStdout()).print(c)
	})
}

// ApplyStyledHelpRecursive installs the help renderer on cmd and every
// subcommand, and silences the usage dump cobra prints on errors. Call it
// once the tree is complete.
func ApplyStyledHelpRecursive(cmd *cobra.Command) {
	SetStyledHelp(cmd)
	cmd.SetUsageFunc(func(*cobra.Command) error { return nil })
	for _, sub := range cmd.Commands() {
		ApplyStyledHelpRecursive(sub)
	}
}

type helpPrinter struct {
	out   io.Writer
	width int
	t     *theme.Theme

	title   lipgloss.Style
	section lipgloss.Style
	name    lipgloss.Style
	sub     lipgloss.Style
	flag    lipgloss.Style
}

func newHelpPrinter(out io.Writer) *helpPrinter {
	t := theme.DefaultTheme
	return &helpPrinter{
		out:     out,
		width:   helpWidth(out),
		t:       t,
		title:   lipgloss.NewStyle().Bold(true).Foreground(t.Colors.Orange),
		section: lipgloss.NewStyle().Italic(true).Foreground(t.Colors.Orange),
		name:    lipgloss.NewStyle().Bold(true).Foreground(t.Colors.Cyan),
		sub:     lipgloss.NewStyle().Foreground(t.Colors.Green),
		flag:    lipgloss.NewStyle().Foreground(t.Colors.Violet),
	}
}

// helpWidth is the terminal width clamped to a readable column, or the
// maximum when out is not a terminal.
func helpWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok {
		return helpMaxWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w < helpMinWidth || w > helpMaxWidth {
		return helpMaxWidth
	}
	return w
}

func (p *helpPrinter) line(format string, args ...interface{}) {
	fmt.Fprintf(p.out, " "+format+"\n", args...)
}

func (p *helpPrinter) heading(name string) {
	fmt.Fprintln(p.out)
	p.line("%s", p.section.Render(name))
}

func (p *helpPrinter) print(cmd *cobra.Command) {
	p.line("%s", p.title.Render(strings.ToUpper(cmd.CommandPath())))

	description, examples := splitExamples(cmd.Long)
	if cmd.Short != "" {
		italic := lipgloss.NewStyle().Italic(true)
		for _, l := range wrap(cmd.Short, p.width-2) {
			p.line("%s", italic.Render(l))
		}
	}
	if description != "" && description != cmd.Short {
		fmt.Fprintln(p.out)
		for _, l := range wrap(description, p.width-2) {
			p.line("%s", l)
		}
	}

	if cmd.Runnable() || cmd.HasSubCommands() {
		p.heading("USAGE")
		if cmd.Runnable() {
			p.line("%s", cmd.UseLine())
		}
		if cmd.HasSubCommands() {
			p.line("%s [command]", cmd.CommandPath())
		}
	}

	p.commands(cmd)
	p.flags(cmd)

	if cmd.Example != "" {
		examples = cmd.Example
	}
	if examples != "" {
		p.heading("EXAMPLES")
		p.examples(examples, cmd.Root().Name())
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(p.out, "\n Use \"%s [command] --help\" for more information.\n", cmd.CommandPath())
	}
}

func (p *helpPrinter) commands(cmd *cobra.Command) {
	var subs []*cobra.Command
	pad := 0
	for _, sub := range cmd.Commands() {
		if sub.IsAvailableCommand() {
			subs = append(subs, sub)
			pad = max(pad, len(sub.Name()))
		}
	}
	if len(subs) == 0 {
		return
	}
	p.heading("COMMANDS")
	for _, sub := range subs {
		p.line("%s%s  %s", p.name.Render(sub.Name()), strings.Repeat(" ", pad-len(sub.Name())), sub.Short)
	}
}

// flags lists local flags in full for leaf commands and as one compact
// line for commands that mostly dispatch.
func (p *helpPrinter) flags(cmd *cobra.Command) {
	var flags []*pflag.Flag
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Hidden {
			flags = append(flags, f)
		}
	})
	if len(flags) == 0 {
		return
	}

	if cmd.HasAvailableSubCommands() {
		names := make([]string, len(flags))
		for i, f := range flags {
			names[i] = "--" + f.Name
			if f.Shorthand != "" {
				names[i] = "-" + f.Shorthand + "/" + names[i]
			}
		}
		fmt.Fprintln(p.out)
		p.line("%s", p.t.Muted.Render("Flags: "+strings.Join(names, ", ")))
		return
	}

	p.heading("FLAGS")
	pad := 0
	for _, f := range flags {
		pad = max(pad, len(flagName(f)))
	}
	for _, f := range flags {
		name := flagName(f)
		usage := f.Usage
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "[]" && f.DefValue != "0s" {
			usage += p.t.Muted.Render(fmt.Sprintf(" (default: %s)", f.DefValue))
		}
		p.line("%s%s  %s", p.flag.Render(name), strings.Repeat(" ", pad-len(name)), usage)
	}
}

func (p *helpPrinter) examples(text, root string) {
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		switch {
		case l == "":
			fmt.Fprintln(p.out)
		case strings.HasPrefix(l, "#"):
			p.line("%s", p.t.Muted.Render(l))
		default:
			p.line("  %s", p.command(l, root))
		}
	}
}

// command colours an example invocation: the program, its subcommand and
// any flags.
func (p *helpPrinter) command(l, root string) string {
	words := strings.Fields(l)
	for i, w := range words {
		switch {
		case i == 0 && w == root:
			words[i] = p.name.Render(w)
		case strings.HasPrefix(w, "-"):
			words[i] = p.flag.Render(w)
		case i == 1 && words[0] != w:
			words[i] = p.sub.Render(w)
		}
	}
	return strings.Join(words, " ")
}

func flagName(f *pflag.Flag) string {
	if f.Shorthand != "" {
		return fmt.Sprintf("-%s, --%s", f.Shorthand, f.Name)
	}
	return "    --" + f.Name
}

// splitExamples separates an "Examples:" block from a long description.
func splitExamples(long string) (string, string) {
	for _, marker := range []string{"\nExamples:\n", "\nExample:\n"} {
		if i := strings.Index(long, marker); i != -1 {
			return strings.TrimSpace(long[:i]), strings.TrimSpace(long[i+len(marker):])
		}
	}
	return strings.TrimSpace(long), ""
}

// wrap breaks text into lines of at most width columns, keeping existing
// line breaks and indentation of short lines.
func wrap(text string, width int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		if len(para) <= width {
			out = append(out, para)
			continue
		}
		var cur string
		for _, word := range strings.Fields(para) {
			switch {
			case cur == "":
				cur = word
			case len(cur)+1+len(word) <= width:
				cur += " " + word
			default:
				out = append(out, cur)
				cur = word
			}
		}
		if cur != "" {
			out = append(out, cur)
		}
	}
	return out
}
