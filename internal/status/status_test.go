package status

import (
	"fmt"
	"sync"
	"testing"

	"github.com/grovetools/embed/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterIsSingleOwner(t *testing.T) {
	b := NewBoard("rtt", "gdb")

	w, err := b.Writer("rtt")
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = b.Writer("rtt")
	assert.Error(t, err)

	_, err = b.Writer("dashboard")
	assert.Error(t, err)
}

func TestSlotTransitions(t *testing.T) {
	b := NewBoard("rtt")
	w, err := b.Writer("rtt")
	require.NoError(t, err)

	s, ok := b.Slot("rtt")
	require.True(t, ok)
	assert.Equal(t, Starting, s.State)

	w.Running("2 channels")
	w.Degrade(fmt.Errorf("bad frame"))
	s, _ = b.Slot("rtt")
	assert.Equal(t, Degraded, s.State)
	assert.Equal(t, "bad frame", s.LastError)

	// Recovering keeps the last error for display.
	w.Running("2 channels")
	s, _ = b.Slot("rtt")
	assert.Equal(t, Running, s.State)
	assert.Equal(t, "bad frame", s.LastError)

	w.Fail(fmt.Errorf("gone"))
	w.Stop()
	s, _ = b.Slot("rtt")
	assert.Equal(t, Failed, s.State, "stop must not hide a failure")
}

func TestNilWriterIgnoresUpdates(t *testing.T) {
	var w *Writer
	assert.NotPanics(t, func() {
		w.Running("x")
		w.Degrade(fmt.Errorf("x"))
		w.Fail(fmt.Errorf("x"))
		w.Stop()
	})
	assert.Equal(t, "", w.Name())
}

func TestConcurrentSnapshots(t *testing.T) {
	b := NewBoard("rtt", "gdb", "dashboard")
	writers := make([]*Writer, 0, 3)
	for _, name := range []string{"rtt", "gdb", "dashboard"} {
		w, err := b.Writer(name)
		require.NoError(t, err)
		writers = append(writers, w)
	}

	var wg sync.WaitGroup
	for _, w := range writers {
		wg.Add(1)
		go func(w *Writer) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				w.Running(fmt.Sprintf("iteration %d", i))
			}
		}(w)
	}
	for i := 0; i < 200; i++ {
		slots := b.Slots()
		assert.Len(t, slots, 3)
		assert.Equal(t, "rtt", slots[0].Name)
	}
	wg.Wait()
}

func TestNotices(t *testing.T) {
	b := NewBoard()
	b.Post(LevelInfo, "image changed: %s", "fw.elf")
	b.Post(LevelWarn, "second")

	all := b.Notices(0)
	require.Len(t, all, 2)
	assert.Equal(t, "image changed: fw.elf", all[0].Text)

	newer := b.Notices(all[0].Seq)
	require.Len(t, newer, 1)
	assert.Equal(t, "second", newer[0].Text)

	for i := 0; i < 100; i++ {
		b.Post(LevelInfo, "n%d", i)
	}
	assert.Len(t, b.Notices(0), maxNotices)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *Board, w *Writer)
		cause error
		want  Outcome
	}{
		{
			name:  "clean",
			setup: func(b *Board, w *Writer) { w.Running(""); w.Stop() },
			want:  Success,
		},
		{
			name:  "degraded subsystem",
			setup: func(b *Board, w *Writer) { w.Degrade(fmt.Errorf("decode")); w.Stop() },
			want:  PartialFailure,
		},
		{
			name:  "failed subsystem",
			setup: func(b *Board, w *Writer) { w.Fail(fmt.Errorf("port")) },
			want:  PartialFailure,
		},
		{
			name:  "abandoned subsystem",
			setup: func(b *Board, w *Writer) { w.Running(""); b.MarkAbandoned("rtt") },
			want:  PartialFailure,
		},
		{
			name:  "transport lost",
			setup: func(b *Board, w *Writer) { w.Running("") },
			cause: errors.TransportLost("read_memory", fmt.Errorf("usb")),
			want:  Fatal,
		},
		{
			name:  "flash failed",
			setup: func(b *Board, w *Writer) {},
			cause: errors.FlashFailed("fw.elf", fmt.Errorf("verify")),
			want:  Fatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBoard("rtt")
			w, err := b.Writer("rtt")
			require.NoError(t, err)
			tt.setup(b, w)
			assert.Equal(t, tt.want, b.Outcome(tt.cause))
		})
	}

	assert.Equal(t, 0, Success.ExitCode())
	assert.Equal(t, 2, PartialFailure.ExitCode())
	assert.Equal(t, 1, Fatal.ExitCode())
}
