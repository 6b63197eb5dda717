package rtt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/internal/probe/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryFile(t *testing.T) {
	assert.Equal(t, filepath.Join("d", "rtt_channel0.txt"), HistoryFile("d", "rtt", 0, "string", true))
	assert.Equal(t, filepath.Join("d", "rtt_channel1.cbor"), HistoryFile("d", "rtt", 1, "binary", false))
	assert.Equal(t, filepath.Join("d", "rtt_channel2.cbor.zst"), HistoryFile("d", "rtt", 2, "defmt", true))
	assert.Equal(t, filepath.Join("d", "app_v2_channel0.txt"), HistoryFile("d", "app/v2", 0, "string", false))
}

func TestHistorySinkMirrorsChannels(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig()
			cfg.LogPath = dir
			cfg.LogName = "session"
			cfg.LogCompress = compress
			cfg.Channels = []config.ChannelConfig{
				{Up: 0, Format: "string"},
				{Up: 1, Format: "binary", FrameSize: 4},
			}

			sink := NewHistorySink(cfg)
			f := newFixture(t, sim.Options{UpBuffers: 2}, cfg)
			f.reader.opts.Sink = sink
			fixed := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
			f.reader.opts.Now = func() time.Time { return fixed }

			ctx := context.Background()
			require.NoError(t, f.reader.Setup(ctx))
			f.tgt.EmitString(0, "hello\nworld\n")
			f.tgt.Emit(1, []byte{0, 0, 0xc0, 0x3f, 0, 0, 0, 0x40})
			require.NoError(t, f.reader.Poll(ctx))
			require.NoError(t, sink.Close())

			text, err := os.ReadFile(HistoryFile(dir, "session", 0, "string", compress))
			require.NoError(t, err)
			assert.Equal(t, "hello\nworld\n", string(text))

			recs, err := ReadHistory(HistoryFile(dir, "session", 1, "binary", compress))
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, []float32{1.5}, recs[0].Values)
			assert.Equal(t, []float32{2}, recs[1].Values)
			assert.Equal(t, uint64(2), recs[1].Seq)
			assert.True(t, fixed.Equal(recs[0].Time))
		})
	}
}

func TestHistorySinkTimestamps(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.LogPath = dir
	cfg.LogName = "rtt"
	cfg.ShowTimestamps = true
	sink := NewHistorySink(cfg)

	f := newFixture(t, sim.Options{}, cfg)
	f.reader.opts.Sink = sink
	f.reader.opts.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.Local) }
	require.NoError(t, f.reader.Setup(context.Background()))
	f.tgt.EmitString(0, "up\n")
	require.NoError(t, f.reader.Poll(context.Background()))
	require.NoError(t, sink.Close())

	text, err := os.ReadFile(filepath.Join(dir, "rtt_channel0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "03:04:05.006 up\n", string(text))
}
