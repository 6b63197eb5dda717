package sim

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlBlockLayout(t *testing.T) {
	tgt := New(Options{UpBuffers: 2, DownBuffers: 1, BufferSize: 64})
	cb := tgt.ControlBlockAddress()

	hdr := tgt.Peek(cb, 24)
	require.Len(t, hdr, 24)
	assert.Equal(t, "SEGGER RTT", string(hdr[:10]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(hdr[16:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(hdr[20:]))

	desc := tgt.Peek(cb+24, 24)
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(desc[8:]))
}

func TestEmitWrapsAndDrops(t *testing.T) {
	tgt := New(Options{BufferSize: 8})

	// Seven bytes fit in an eight byte ring.
	assert.Equal(t, 7, tgt.EmitString(0, "abcdefghij"))
	wr, rd := tgt.UpOffsets(0)
	assert.Equal(t, uint32(7), wr)
	assert.Equal(t, uint32(0), rd)
}

func TestReadDown(t *testing.T) {
	tgt := New(Options{})
	ctx := context.Background()
	cb := tgt.ControlBlockAddress()

	downDesc := cb + 24 + 24 // after the single up descriptor
	raw, err := tgt.ReadMemory(ctx, downDesc, 24)
	require.NoError(t, err)
	buf := binary.LittleEndian.Uint32(raw[4:])

	require.NoError(t, tgt.WriteMemory(ctx, buf, []byte("hi\n")))
	wr := make([]byte, 4)
	binary.LittleEndian.PutUint32(wr, 3)
	require.NoError(t, tgt.WriteMemory(ctx, downDesc+12, wr))

	assert.Equal(t, []byte("hi\n"), tgt.ReadDown(0))
	assert.Empty(t, tgt.ReadDown(0))
}

func TestBreakpointHit(t *testing.T) {
	tgt := New(Options{})
	ctx := context.Background()

	word := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	require.NoError(t, tgt.WriteMemory(ctx, FPCtrl, word(3)))
	// Upper halfword replace: breakpoint at 0x202.
	require.NoError(t, tgt.WriteMemory(ctx, FPComp0, word(0x200|1|0x80000000)))

	require.NoError(t, tgt.Resume(ctx))
	st, err := tgt.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.CoreRunning, st.State)

	st, err = tgt.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, probe.CoreHalted, st.State)
	assert.Equal(t, probe.HaltBreakpoint, st.Reason)
	assert.Equal(t, uint32(0x202), st.PC)

	ctrl, err := tgt.ReadMemory(ctx, FPCtrl, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(NumCodeComparators), (binary.LittleEndian.Uint32(ctrl)>>4)&0xF)
}

func TestResetVector(t *testing.T) {
	tgt := New(Options{})
	ctx := context.Background()

	require.NoError(t, tgt.Reset(ctx, true))
	regs, err := tgt.ReadRegisters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), regs.PC())
	assert.Equal(t, uint32(RAMBase+RAMSize), regs.R[probe.RegSP])

	require.NoError(t, tgt.Resume(ctx))
	_, err = tgt.ReadRegisters(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodePreconditionFailed))
}

func TestDisconnect(t *testing.T) {
	tgt := New(Options{})
	tgt.Disconnect()
	_, err := tgt.ReadMemory(context.Background(), RAMBase, 4)
	assert.True(t, errors.Is(err, errors.ErrCodeTransportLost))
}

func TestUnmappedAccess(t *testing.T) {
	tgt := New(Options{})
	_, err := tgt.ReadMemory(context.Background(), 0x10000000, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus fault")
}

func TestDriverOpen(t *testing.T) {
	conn, err := probe.Open(context.Background(), "sim://?up=3&size=128", "sim-m4", 0)
	require.NoError(t, err)
	defer conn.Close()

	tgt := conn.(*Target)
	hdr := tgt.Peek(tgt.ControlBlockAddress()+16, 4)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(hdr))

	_, err = probe.Open(context.Background(), "sim://?up=x", "sim-m4", 0)
	assert.True(t, errors.Is(err, errors.ErrCodeAttachFailed))
}
