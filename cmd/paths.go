package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/embed/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the directories embed reads and writes.
type PathsOutput struct {
	ConfigDir string `json:"config_dir"`
	StateDir  string `json:"state_dir"`
	CacheDir  string `json:"cache_dir"`
	LogDir    string `json:"log_dir"`
}

func NewPathsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the directories used by embed",
		Long: `Print the directories used by embed as JSON.

- config_dir: global embed.toml
- state_dir: probe locks, channel history
- cache_dir: flash digests for skip-unchanged
- log_dir: structured log files

EMBED_HOME moves all of them under one root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir: paths.ConfigDir(),
				StateDir:  paths.StateDir(),
				CacheDir:  paths.CacheDir(),
				LogDir:    paths.LogDir(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}

	return cmd
}
