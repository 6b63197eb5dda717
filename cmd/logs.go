package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grovetools/embed/cli"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/rtt"
	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const historyPollInterval = 500 * time.Millisecond

// NewLogsCmd creates the `logs` command.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <channel>",
		Short: "Print the recorded history of an RTT channel",
		Long: `Prints a channel history file written while rtt.log_enabled is set. Text
channels are plain line files; binary and structured channels are CBOR record
streams, optionally zstd compressed.

Examples:
  # Print channel 0 of the default profile
  embed logs 0

  # Follow channel 1 of the release profile while a session runs
  embed logs 1 -f --profile release`,
		Args: cobra.ExactArgs(1),
		RunE: runLogsE,
	}

	cmd.Flags().BoolP("follow", "f", false, "Follow the file as the session appends to it")
	cmd.Flags().StringP("profile", "p", "", "Profile whose rtt.log_path and rtt.log_name locate the history")
	return cmd
}

func runLogsE(cmd *cobra.Command, args []string) error {
	logger := cli.GetLogger(cmd)
	opts := cli.GetOptions(cmd)
	follow, _ := cmd.Flags().GetBool("follow")
	profile, _ := cmd.Flags().GetString("profile")

	up, err := strconv.Atoi(args[0])
	if err != nil || up < 0 {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("channel must be an up channel number, got %q", args[0]))
	}

	cfg, err := config.Resolve(config.LoadOptions{Path: opts.ConfigFile, Profile: profile, Logger: logger})
	if err != nil {
		return err
	}
	path, format, err := findHistory(cfg.RTT, up)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"path": path, "follow": follow}).Debug("Reading channel history")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if format == "string" {
		return tailText(ctx, out, path, follow)
	}
	return printRecords(ctx, out, path, follow, opts.JSONOutput, cfg.RTT.ShowTimestamps)
}

// findHistory locates the history file of up channel up, whatever format it
// was written in.
func findHistory(cfg config.RTTConfig, up int) (string, string, error) {
	dir := rtt.HistoryDir(cfg)
	candidates := []struct {
		format   string
		compress bool
	}{
		{"string", false},
		{"binary", true},
		{"binary", false},
	}
	for _, c := range candidates {
		path := rtt.HistoryFile(dir, cfg.LogName, up, c.format, c.compress)
		if _, err := os.Stat(path); err == nil {
			return path, c.format, nil
		}
	}
	return "", "", errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("no history for channel %d in %s", up, dir)).
		WithDetail("dir", dir)
}

func tailText(ctx context.Context, out io.Writer, path string, follow bool) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   follow,
		ReOpen:   follow,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("cannot tail %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}

// printRecords prints a CBOR history. Following re-reads the stream and
// prints records past the last sequence number seen.
func printRecords(ctx context.Context, out io.Writer, path string, follow, asJSON, timestamps bool) error {
	var last uint64
	enc := json.NewEncoder(out)
	for {
		recs, err := rtt.ReadHistory(path)
		// A record cut short by a concurrent writer shows up as a decode
		// error at the tail; keep what decoded and try again later.
		if err != nil && !follow {
			return err
		}
		for _, rec := range recs {
			if rec.Seq <= last {
				continue
			}
			last = rec.Seq
			if asJSON {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintln(out, rec.Line(timestamps))
		}
		if !follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(historyPollInterval):
		}
	}
}
