package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/embed/cli"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/internal/session"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/pkg/profiling"
	"github.com/grovetools/embed/tui/theme"
	"github.com/grovetools/embed/version"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ExitError carries a process exit status out of Execute. Err is nil when
// the session already reported everything and only the status remains.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRootCmd builds the embed command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand("embed [profile]", "Flash a target and watch it over RTT and GDB in one session")
	root.Long = `Attaches to a debug probe, optionally flashes the firmware image, then runs
the RTT reader, the GDB server and the dashboard side by side until you quit.

Profiles are tables in Embed.toml; [default] is merged under the one named.

Examples:
  # Run the default profile
  embed

  # Run the release profile without reflashing
  embed release --no-flash

  # Try everything against the bundled simulator
  embed --chip sim --probe 'sim://?demo=1' --gdb 127.0.0.1:1337`
	root.Args = cobra.MaximumNArgs(1)
	addOverrideFlags(root)

	profiler := profiling.NewCobraProfiler()
	profiler.AddFlags(root)
	root.PersistentPreRunE = profiler.PreRun
	root.PersistentPostRun = profiler.PostRun
	root.RunE = func(cmd *cobra.Command, args []string) error {
		err := runSession(cmd, args)
		if err != nil {
			profiler.PostRun(cmd, args)
		}
		return err
	}
	cli.SetVersionTemplate(root, version.GetInfo())

	root.AddCommand(
		NewConfigCmd(),
		NewLogsCmd(),
		NewProbeCmd(),
		NewPathsCmd(),
		cli.NewVersionCommand("embed"),
	)
	cli.ApplyStyledHelpRecursive(root)
	return root
}

func addOverrideFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("chip", "", "Target chip, overrides general.chip")
	f.String("probe", "", "Probe selector, overrides probe.selector")
	f.String("image", "", "Firmware image to flash; enables flashing")
	f.Bool("no-flash", false, "Skip flashing even if the profile enables it")
	f.String("gdb", "", "Enable the GDB server on this address")
	f.Bool("no-dashboard", false, "Run without the dashboard")
	f.String("log-level", "", "Log level: trace, debug, info, warn, error")
}

func overridesFrom(cmd *cobra.Command) config.Overrides {
	f := cmd.Flags()
	var o config.Overrides
	o.Chip, _ = f.GetString("chip")
	o.Probe, _ = f.GetString("probe")
	o.Image, _ = f.GetString("image")
	o.NoFlash, _ = f.GetBool("no-flash")
	o.GDBBind, _ = f.GetString("gdb")
	o.NoDashboard, _ = f.GetBool("no-dashboard")
	o.LogLevel, _ = f.GetString("log-level")
	return o
}

func loadOptions(cmd *cobra.Command, args []string) config.LoadOptions {
	opts := config.LoadOptions{
		Path:   cli.GetOptions(cmd).ConfigFile,
		Logger: cli.GetLogger(cmd),
	}
	if len(args) > 0 {
		opts.Profile = args[0]
	}
	if cmd.Flags().Lookup("chip") != nil {
		opts.Overrides = overridesFrom(cmd)
	}
	return opts
}

func runSession(cmd *cobra.Command, args []string) error {
	opts := cli.GetOptions(cmd)
	span := profiling.Start("config")
	cfg, err := config.Load(loadOptions(cmd, args))
	span.Stop()
	if err != nil {
		return err
	}
	cli.ConfigureLogging(cfg.Logging, opts)
	if cfg.General.Theme != "" && os.Getenv("EMBED_THEME") == "" {
		theme.SetTheme(cfg.General.Theme)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	progress := cli.NewProgressReporter(stderr, "Flashing", isatty.IsTerminal(os.Stderr.Fd()))
	s, err := session.New(session.Options{
		Config:        cfg,
		FlashProgress: progress.Update,
	})
	if err != nil {
		return err
	}

	report, cause := s.Run(ctx)
	progress.Done()

	if opts.JSONOutput {
		out := struct {
			*session.Report
			ExitCode int    `json:"exit_code"`
			Error    string `json:"error,omitempty"`
		}{Report: report, ExitCode: report.ExitCode()}
		if cause != nil {
			out.Error = cause.Error()
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		report.Print(logging.NewPrettyLogger().WithWriter(stderr))
	}

	if code := report.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: cause}
	}
	return nil
}
