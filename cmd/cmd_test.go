package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/grovetools/embed/internal/probe/sim"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigShow(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), `
[default.general]
chip = "nrf52840_xxAA"

[release.flashing]
verify = true
`)

	out, err := execute(t, "config", "show", "release", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "# Profile: release")
	assert.Contains(t, out, "# Source: "+path)
	assert.Contains(t, out, "chip: nrf52840_xxAA")
	assert.Contains(t, out, "verify: true")
	assert.NotContains(t, out, "# Invalid")
}

func TestConfigShowAppliesFlags(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), "[default.general]\nchip = \"a\"\n")

	out, err := execute(t, "config", "show", "-c", path, "--chip", "b", "--gdb", "127.0.0.1:4000")
	require.NoError(t, err)
	assert.Contains(t, out, "chip: b")
	assert.Contains(t, out, "bind: 127.0.0.1:4000")
}

func TestConfigSchema(t *testing.T) {
	out, err := execute(t, "config", "schema")
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "embed profile", schema["title"])
}

func TestConfigProfiles(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), "[default.general]\nchip = \"a\"\n\n[debug.gdb]\nenabled = true\n")

	out, err := execute(t, "config", "profiles", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "debug\ndefault\n", out)
}

func TestProbeList(t *testing.T) {
	out, err := execute(t, "probe", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"Scheme": "sim"`)
}

func TestPaths(t *testing.T) {
	home := testutil.IsolateHome(t)
	out, err := execute(t, "paths")
	require.NoError(t, err)

	var p PathsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, filepath.Join(home, "state"), p.StateDir)
	assert.Equal(t, filepath.Join(home, "state", "logs"), p.LogDir)
}

func TestLogsPrintsTextHistory(t *testing.T) {
	testutil.IsolateHome(t)
	dir := t.TempDir()
	logDir := filepath.Join(dir, "history")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "rtt_channel0.txt"), []byte("boot\nready\n"), 0o644))
	path := testutil.WriteProjectConfig(t, dir, "[default.rtt]\nlog_path = \""+logDir+"\"\n")

	out, err := execute(t, "logs", "0", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "boot\nready\n", out)
}

func TestLogsErrors(t *testing.T) {
	testutil.IsolateHome(t)
	dir := t.TempDir()
	path := testutil.WriteProjectConfig(t, dir, "[default.rtt]\nlog_path = \""+dir+"\"\n")

	_, err := execute(t, "logs", "3", "-c", path)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	_, err = execute(t, "logs", "terminal", "-c", path)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), "[default.probe]\nselector = \"sim://\"\n")

	_, err := execute(t, "-c", path)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
}

func TestRunSessionAgainstSimulator(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), `
[default.rtt]
enabled = false

[default.dashboard]
enabled = false
`)

	out, err := execute(t, "-c", path, "--chip", "sim", "--probe", "sim://", "--json")
	require.NoError(t, err)

	var report struct {
		Chip     string `json:"chip"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "sim", report.Chip)
	assert.Equal(t, 0, report.ExitCode)
	assert.Empty(t, report.Error)
}

func TestRunSessionReportsExitCode(t *testing.T) {
	testutil.IsolateHome(t)
	path := testutil.WriteProjectConfig(t, t.TempDir(), "[default.rtt]\nenabled = false\n")

	_, err := execute(t, "-c", path, "--chip", "sim", "--probe", "nosuch://", "--no-dashboard", "--json")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, errors.ErrCodeAttachFailed, errors.GetCode(exitErr.Err))
}
