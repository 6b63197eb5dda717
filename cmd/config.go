package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grovetools/embed/cli"
	"github.com/grovetools/embed/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the layered embed configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSchemaCmd(), newConfigProfilesCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [profile]",
		Short: "Print the merged configuration for a profile",
		Long: `Shows the configuration a session would run with after merging:
1. Global config ($XDG_CONFIG_HOME/embed/embed.toml)
2. Project config (Embed.toml, searched upward)
3. Local overrides (Embed.local.toml, embed.override.yml)
4. Command line flags
The result is printed before validation, so broken profiles can be inspected.

Examples:
  # Show the default profile
  embed config show

  # Show the release profile with another chip
  embed config show release --chip nrf52840`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(loadOptions(cmd, args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Profile: %s\n", cfg.Profile)
			if len(cfg.Sources) == 0 {
				fmt.Fprintln(out, "# Source: built-in defaults")
			}
			for _, src := range cfg.Sources {
				fmt.Fprintf(out, "# Source: %s\n", src)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(out, string(data))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "# Invalid: %v\n", err)
			}
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of one profile table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the profiles defined across all configuration layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := config.Profiles(loadOptions(cmd, nil))
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				data, _ := json.Marshal(names)
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration files found; the built-in defaults apply.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	}
}
