// Package rtt reads SEGGER Real-Time Transfer channels through the probe
// handle and decodes them into records.
package rtt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
)

// Control block layout.
const (
	controlBlockID = "SEGGER RTT"
	headerSize     = 24
	descSize       = 24

	offMaxUp   = 16
	offMaxDown = 20

	offName   = 0
	offBuffer = 4
	offSize   = 8
	offWrOff  = 12
	offRdOff  = 16
	offFlags  = 20

	// Firmware rarely exposes more than a handful of buffers; a larger count
	// means the scan matched garbage.
	maxBuffers = 32
	maxNameLen = 32
	scanChunk  = 4096
)

// BufferDesc is one up or down buffer as described by the control block.
type BufferDesc struct {
	Index   int
	Addr    uint32 // descriptor address
	Name    string
	Buffer  uint32
	Size    uint32
	Flags   uint32
	IsInput bool
}

// ControlBlock is a located and parsed _SEGGER_RTT structure.
type ControlBlock struct {
	Addr uint32
	Up   []BufferDesc
	Down []BufferDesc
}

// Locator says where to look for the control block.
type Locator struct {
	// Address pins the control block. Zero means unknown.
	Address uint32
	// Symbol is the address of _SEGGER_RTT taken from the firmware image.
	Symbol    uint32
	ScanStart uint32
	ScanSize  int
	// Timeout bounds the whole search including retries.
	Timeout time.Duration
	// Retry is the pause between attempts while firmware boots.
	Retry time.Duration
}

// Locate finds the control block, retrying until loc.Timeout because the
// firmware may not have initialised it yet.
func Locate(ctx context.Context, h *probe.Handle, loc Locator) (*ControlBlock, error) {
	if loc.Retry <= 0 {
		loc.Retry = 20 * time.Millisecond
	}
	deadline := time.Now().Add(loc.Timeout)

	var lastErr error
	for {
		cb, err := locateOnce(ctx, h, loc)
		if err == nil {
			return cb, nil
		}
		if errors.IsFatal(err) || errors.Is(err, errors.ErrCodeDetached) {
			return nil, err
		}
		lastErr = err

		if loc.Timeout <= 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(loc.Retry):
		}
	}
	return nil, errors.Wrap(lastErr, errors.ErrCodeTimeout,
		fmt.Sprintf("RTT control block not found within %s", loc.Timeout)).
		WithDetail("operation", "rtt_setup")
}

func locateOnce(ctx context.Context, h *probe.Handle, loc Locator) (*ControlBlock, error) {
	switch {
	case loc.Address != 0:
		return readControlBlock(ctx, h, loc.Address)
	case loc.Symbol != 0:
		return readControlBlock(ctx, h, loc.Symbol)
	}
	addr, err := scan(ctx, h, loc.ScanStart, loc.ScanSize)
	if err != nil {
		return nil, err
	}
	return readControlBlock(ctx, h, addr)
}

// scan searches [start, start+size) for the control block ID, one chunk per
// acquisition so other subsystems are not starved.
func scan(ctx context.Context, h *probe.Handle, start uint32, size int) (uint32, error) {
	id := append([]byte(controlBlockID), 0)
	overlap := len(id) - 1

	for off := 0; off < size; off += scanChunk - overlap {
		n := scanChunk
		if off+n > size {
			n = size - off
		}
		if n < len(id) {
			break
		}
		var chunk []byte
		err := h.Do(ctx, func(a *probe.Access) error {
			var err error
			chunk, err = a.ReadMemory(ctx, start+uint32(off), n)
			return err
		})
		if err != nil {
			return 0, err
		}
		if i := bytes.Index(chunk, id); i >= 0 {
			return start + uint32(off+i), nil
		}
		if off+n >= size {
			break
		}
	}
	return 0, errors.ProtocolError(fmt.Sprintf("no RTT control block in 0x%08x+0x%x", start, size))
}

func readControlBlock(ctx context.Context, h *probe.Handle, addr uint32) (*ControlBlock, error) {
	var header, descs []byte
	err := h.Do(ctx, func(a *probe.Access) error {
		var err error
		header, err = a.ReadMemory(ctx, addr, headerSize)
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(header, []byte(controlBlockID)) {
			return errors.ProtocolError(fmt.Sprintf("no RTT control block at 0x%08x", addr))
		}
		up := binary.LittleEndian.Uint32(header[offMaxUp:])
		down := binary.LittleEndian.Uint32(header[offMaxDown:])
		if up > maxBuffers || down > maxBuffers {
			return errors.ProtocolError(fmt.Sprintf("implausible RTT buffer counts %d/%d at 0x%08x", up, down, addr))
		}
		descs, err = a.ReadMemory(ctx, addr+headerSize, int(up+down)*descSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	up := int(binary.LittleEndian.Uint32(header[offMaxUp:]))
	cb := &ControlBlock{Addr: addr}
	for i := 0; i*descSize < len(descs); i++ {
		raw := descs[i*descSize : (i+1)*descSize]
		d := BufferDesc{
			Addr:   addr + headerSize + uint32(i*descSize),
			Buffer: binary.LittleEndian.Uint32(raw[offBuffer:]),
			Size:   binary.LittleEndian.Uint32(raw[offSize:]),
			Flags:  binary.LittleEndian.Uint32(raw[offFlags:]),
		}
		if nameAddr := binary.LittleEndian.Uint32(raw[offName:]); nameAddr != 0 {
			d.Name = readName(ctx, h, nameAddr)
		}
		if i < up {
			d.Index = i
			cb.Up = append(cb.Up, d)
		} else {
			d.Index = i - up
			d.IsInput = true
			cb.Down = append(cb.Down, d)
		}
	}
	return cb, nil
}

// readName reads a NUL-terminated buffer name. Names are cosmetic, so read
// failures leave the name empty.
func readName(ctx context.Context, h *probe.Handle, addr uint32) string {
	var raw []byte
	err := h.Do(ctx, func(a *probe.Access) error {
		var err error
		raw, err = a.ReadMemory(ctx, addr, maxNameLen)
		return err
	})
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}
