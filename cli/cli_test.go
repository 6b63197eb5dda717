package cli

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/grovetools/embed/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandlerMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", errors.ConfigNotFound("/p/Embed.toml"), "Configuration not found at /p/Embed.toml"},
		{"conflict", errors.ConfigConflict("gdb.enabled", "rtt.halt_while_polling", "both own the core"), "gdb.enabled and rtt.halt_while_polling cannot be used together"},
		{"busy", errors.ProbeBusy("sim://", 42), "in use by another embed session (pid 42)"},
		{"attach", errors.AttachFailed("nosuch://", fmt.Errorf("no driver")), "Could not attach to probe nosuch://: no driver"},
		{"port", errors.PortConflict("127.0.0.1:1337", fmt.Errorf("in use")), "GDB server address 127.0.0.1:1337 is already in use"},
		{"plain", fmt.Errorf("boom"), "Error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &ErrorHandler{Out: &buf}
			assert.Equal(t, tt.err, h.Handle(tt.err))
			assert.Contains(t, buf.String(), tt.want)
			assert.NotContains(t, buf.String(), "Error details")
		})
	}
}

func TestErrorHandlerVerbose(t *testing.T) {
	var buf bytes.Buffer
	h := &ErrorHandler{Verbose: true, Out: &buf}
	h.Handle(errors.ConfigInvalid("bad chip"))
	assert.Contains(t, buf.String(), "Error details")
	assert.Contains(t, buf.String(), string(errors.ErrCodeConfigInvalid))

	assert.NoError(t, h.Handle(nil))
}

func TestProgressReporterSteps(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf, "Flashing", false)
	for _, done := range []int{0, 10, 50, 60, 100} {
		p.Update(done, 100)
	}
	p.Done()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "0%")
	assert.Contains(t, lines[1], "50%")
	assert.Contains(t, lines[2], "100/100 bytes")
	assert.True(t, strings.HasPrefix(lines[3], "Flashing completed in"))
}

func TestProgressReporterIdle(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf, "Flashing", true)
	p.Update(1, 0)
	p.Done()
	assert.Empty(t, buf.String())
}

func TestStyledHelp(t *testing.T) {
	root := NewStandardCommand("embed", "Run a debug session")
	root.Long = `Attaches to a probe.

Examples:
  # Follow a channel
  embed logs 0 -f`
	logs := &cobra.Command{Use: "logs <channel>", Short: "Print channel history", Run: func(*cobra.Command, []string) {}}
	logs.Flags().BoolP("follow", "f", false, "Follow the file")
	logs.Flags().Duration("poll", 0, "Poll interval")
	root.AddCommand(logs)
	ApplyStyledHelpRecursive(root)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())

	out := buf.String()
	assert.Contains(t, out, "EMBED")
	assert.Contains(t, out, "Attaches to a probe.")
	assert.Contains(t, out, "COMMANDS")
	assert.Contains(t, out, "Print channel history")
	assert.Contains(t, out, "# Follow a channel")
	assert.Contains(t, out, "embed logs 0 -f")
	assert.NotContains(t, out, "Examples:")

	buf.Reset()
	root.SetArgs([]string{"logs", "--help"})
	require.NoError(t, root.Execute())
	out = buf.String()
	assert.Contains(t, out, "FLAGS")
	assert.Contains(t, out, "-f, --follow")
	assert.NotContains(t, out, "default: 0s")
}

func TestWrap(t *testing.T) {
	assert.Equal(t, []string{"short"}, wrap("short", 10))
	assert.Equal(t, []string{"one two", "three"}, wrap("one two three", 8))
	assert.Equal(t, []string{"a", "", "b"}, wrap("a\n\nb", 8))
}
