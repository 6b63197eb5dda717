package cli

import (
	"github.com/grovetools/embed/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds the persistent flags shared by every embed command.
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a command with the standard embed flags.
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to an Embed.toml or embed.yml project file")

	SetStyledHelp(cmd)
	return cmd
}

// GetLogger returns the CLI logger with the verbosity flags applied.
func GetLogger(cmd *cobra.Command) *logrus.Entry {
	entry := logging.NewLogger("embed-cli")

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return entry
}

// GetOptions extracts the common options from a command.
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// ConfigureLogging installs the loaded logging configuration, raising the
// level to debug when --verbose was given.
func ConfigureLogging(cfg logging.Config, opts CommandOptions) {
	if opts.Verbose {
		cfg.Level = "debug"
	}
	if opts.JSONOutput {
		cfg.Format.Preset = "json"
	}
	logging.Configure(cfg)
}
