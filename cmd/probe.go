package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/embed/cli"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/tui/theme"
	"github.com/spf13/cobra"
)

func NewProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Inspect probe drivers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the registered probe drivers and their selector schemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drivers := probe.Drivers()
			out := cmd.OutOrStdout()
			if cli.GetOptions(cmd).JSONOutput {
				data, err := json.MarshalIndent(drivers, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(drivers) == 0 {
				fmt.Fprintln(out, "No probe drivers registered.")
				return nil
			}

			t := theme.DefaultTheme
			scheme := lipgloss.NewStyle().Bold(true).Foreground(t.Colors.Cyan)
			width := 0
			for _, d := range drivers {
				if len(d.Scheme) > width {
					width = len(d.Scheme)
				}
			}
			for _, d := range drivers {
				pad := strings.Repeat(" ", width-len(d.Scheme))
				fmt.Fprintf(out, "%s://%s  %s\n", scheme.Render(d.Scheme), pad, t.Muted.Render(d.Description))
			}
			return nil
		},
	})
	return cmd
}
