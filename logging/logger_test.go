package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component")
	require.NotNil(t, logger)
	assert.Equal(t, "test-component", logger.Data["component"])

	// Same component returns the same entry.
	assert.Same(t, logger, NewLogger("test-component"))
}

func TestTextFormatter(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC)

	tests := []struct {
		name    string
		config  FormatConfig
		data    logrus.Fields
		want    []string
		notWant []string
	}{
		{
			name:   "default",
			config: FormatConfig{},
			data:   logrus.Fields{"component": "rtt", "channel": "0"},
			want:   []string{"2024-03-01 12:30:45.123", "[INFO]", "rtt", "hello", "channel=0"},
		},
		{
			name:    "no timestamp",
			config:  FormatConfig{DisableTimestamp: true},
			data:    logrus.Fields{"component": "gdb"},
			want:    []string{"[INFO]", "gdb", "hello"},
			notWant: []string{"2024-03-01"},
		},
		{
			name:    "no component",
			config:  FormatConfig{DisableComponent: true},
			data:    logrus.Fields{"component": "gdb"},
			want:    []string{"hello"},
			notWant: []string{"gdb"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &TextFormatter{Config: tt.config, Plain: true}
			entry := &logrus.Entry{
				Logger:  logrus.New(),
				Data:    tt.data,
				Time:    ts,
				Level:   logrus.InfoLevel,
				Message: "hello",
			}
			out, err := f.Format(entry)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, string(out), w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, string(out), nw)
			}
		})
	}
}

func TestTextFormatterSortsFields(t *testing.T) {
	f := &TextFormatter{Config: FormatConfig{DisableTimestamp: true}, Plain: true}
	out, err := f.Format(&logrus.Entry{
		Logger:  logrus.New(),
		Data:    logrus.Fields{"zeta": 1, "alpha": 2, "component": "x"},
		Level:   logrus.WarnLevel,
		Message: "m",
	})
	require.NoError(t, err)
	assert.Equal(t, "[WARN] [x] m alpha=2 zeta=1\n", string(out))
}

func TestConfigureLevel(t *testing.T) {
	t.Setenv("EMBED_LOG_LEVEL", "")
	logger := NewLogger("configure-level")

	Configure(Config{Level: "debug", Format: FormatConfig{StructuredToStderr: "never"}})
	assert.Equal(t, logrus.DebugLevel, logger.Logger.GetLevel())

	t.Setenv("EMBED_LOG_LEVEL", "error")
	Configure(Config{Level: "debug", Format: FormatConfig{StructuredToStderr: "never"}})
	assert.Equal(t, logrus.ErrorLevel, logger.Logger.GetLevel())

	t.Setenv("EMBED_LOG_LEVEL", "")
	Configure(Config{})
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed.log")
	t.Setenv("EMBED_LOG_LEVEL", "")

	logger := NewLogger("file-sink")
	Configure(Config{
		File:   FileSinkConfig{Enabled: true, Path: path},
		Format: FormatConfig{StructuredToStderr: "never"},
	})
	defer Configure(Config{})

	logger.WithField("addr", "0x20000000").Info("control block found")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "control block found")
	assert.Contains(t, string(data), "addr=0x20000000")
}

func TestBufferHook(t *testing.T) {
	buf := NewBuffer(3)
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(buf)

	entry := logger.WithField("component", "session")
	for i := 0; i < 5; i++ {
		entry.Infof("line %d", i)
	}

	lines, cursor := buf.Since(0)
	require.Len(t, lines, 3, "only the newest lines are retained")
	assert.Equal(t, uint64(5), cursor)
	assert.True(t, strings.HasSuffix(lines[2], "line 4"))

	more, next := buf.Since(cursor)
	assert.Empty(t, more)
	assert.Equal(t, cursor, next)

	entry.Info("line 5")
	more, _ = buf.Since(cursor)
	require.Len(t, more, 1)
	assert.Contains(t, more[0], "[session] line 5")
}

func TestAddHookReachesExistingLoggers(t *testing.T) {
	buf := NewBuffer(10)
	logger := NewLogger("hooked")
	logger.Logger.SetLevel(logrus.InfoLevel)

	AddHook(buf)
	logger.Info("mirrored")
	RemoveHook(buf)
	logger.Info("not mirrored")

	lines, _ := buf.Since(0)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "mirrored")
}

func TestSetGlobalOutput(t *testing.T) {
	var out bytes.Buffer
	prev := SetGlobalOutput(&out)
	defer SetGlobalOutput(prev)

	fmt.Fprint(defaultGlobalWriter, "x")
	assert.Equal(t, "x", out.String())
}

func TestPrettyLogger(t *testing.T) {
	var out bytes.Buffer
	p := NewPrettyLogger().WithWriter(&out)
	p.Success("flashed")
	p.ErrorPretty("gdb failed", fmt.Errorf("port busy"))
	p.Field("outcome", "partial-failure")

	s := out.String()
	assert.Contains(t, s, "flashed")
	assert.Contains(t, s, "port busy")
	assert.Contains(t, s, "partial-failure")
}
