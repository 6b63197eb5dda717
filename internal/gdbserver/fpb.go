package gdbserver

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grovetools/embed/internal/probe"
)

// Cortex-M Flash Patch and Breakpoint unit.
const (
	fpCtrl  = 0xE0002000
	fpComp0 = 0xE0002008

	fpCtrlEnable = 1 << 0
	fpCtrlKey    = 1 << 1

	fpCompEnable    = 1 << 0
	fpCompAddrMask  = 0x1FFFFFFC
	fpReplaceLower  = 0x40000000
	fpReplaceUpper  = 0x80000000
	maxCodeCompUnit = 15
)

var errNoUnits = fmt.Errorf("no free hardware breakpoint units")

// fpb tracks the comparators this server armed. It is only used from the
// client's request loop.
type fpb struct {
	limit   int
	units   int
	slots   []uint32
	enabled bool
}

func newFPB(limit int) *fpb {
	return &fpb{limit: limit}
}

// comparatorValue encodes a breakpoint on the halfword at addr.
func comparatorValue(addr uint32) uint32 {
	v := addr&fpCompAddrMask | fpCompEnable
	if addr&2 != 0 {
		return v | fpReplaceUpper
	}
	return v | fpReplaceLower
}

func (f *fpb) enable(ctx context.Context, a *probe.Access) error {
	if f.enabled {
		return nil
	}
	raw, err := a.ReadMemory(ctx, fpCtrl, 4)
	if err != nil {
		return err
	}
	num := int(binary.LittleEndian.Uint32(raw)>>4) & maxCodeCompUnit
	f.units = num
	if f.limit > 0 && f.limit < f.units {
		f.units = f.limit
	}
	f.slots = make([]uint32, f.units)
	if err := a.WriteMemory(ctx, fpCtrl, le32(fpCtrlKey|fpCtrlEnable)); err != nil {
		return err
	}
	f.enabled = true
	return nil
}

func (f *fpb) insert(ctx context.Context, a *probe.Access, addr uint32) error {
	if err := f.enable(ctx, a); err != nil {
		return err
	}
	free := -1
	for i, s := range f.slots {
		if s == addr|1 {
			return nil
		}
		if s == 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return errNoUnits
	}
	if err := a.WriteMemory(ctx, fpComp0+4*uint32(free), le32(comparatorValue(addr))); err != nil {
		return err
	}
	// Slots store addr|1 so address zero is distinguishable from a free slot.
	f.slots[free] = addr | 1
	return nil
}

func (f *fpb) remove(ctx context.Context, a *probe.Access, addr uint32) error {
	for i, s := range f.slots {
		if s != addr|1 {
			continue
		}
		if err := a.WriteMemory(ctx, fpComp0+4*uint32(i), le32(0)); err != nil {
			return err
		}
		f.slots[i] = 0
	}
	return nil
}

// clear disarms every comparator this server set.
func (f *fpb) clear(ctx context.Context, a *probe.Access) error {
	for i, s := range f.slots {
		if s == 0 {
			continue
		}
		if err := a.WriteMemory(ctx, fpComp0+4*uint32(i), le32(0)); err != nil {
			return err
		}
		f.slots[i] = 0
	}
	return nil
}

func (f *fpb) active() int {
	n := 0
	for _, s := range f.slots {
		if s != 0 {
			n++
		}
	}
	return n
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
