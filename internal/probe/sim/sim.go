// Package sim is an in-process Cortex-M target with a SEGGER RTT control
// block in RAM. It backs the "sim://" probe selector and the test suites.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
)

// Memory map.
const (
	FlashBase = 0x00000000
	FlashSize = 256 * 1024
	RAMBase   = 0x20000000
	RAMSize   = 64 * 1024

	// Flash Patch and Breakpoint unit.
	FPCtrl  = 0xE0002000
	FPComp0 = 0xE0002008

	NumCodeComparators = 6

	DefaultControlBlock = RAMBase + 0x100
	DefaultBufferSize   = 1024
)

const (
	rttID          = "SEGGER RTT"
	rttHeaderSize  = 24
	rttDescSize    = 24
	namesAreaSize  = 0x100
	xpsrThumb      = 0x01000000
	breakAfterPoll = 2
)

// Options shape a simulated target.
type Options struct {
	UpBuffers    int
	DownBuffers  int
	BufferSize   int
	ControlBlock uint32
	UpNames      []string
	DownNames    []string
	// NoRTT simulates firmware without an RTT control block.
	NoRTT bool
	// Demo runs a small firmware loop printing boot, ready and tick lines.
	Demo         bool
	DemoInterval time.Duration
	// Latency delays every probe operation.
	Latency time.Duration
}

func (o *Options) setDefaults() {
	if o.UpBuffers == 0 {
		o.UpBuffers = 1
	}
	if o.DownBuffers == 0 {
		o.DownBuffers = 1
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ControlBlock == 0 {
		o.ControlBlock = DefaultControlBlock
	}
	if o.DemoInterval == 0 {
		o.DemoInterval = 500 * time.Millisecond
	}
}

// Target is the simulated chip. Probe-side methods implement
// probe.Connection; Emit and ReadDown act as the firmware.
type Target struct {
	mu   sync.Mutex
	opts Options

	flash []byte
	ram   []byte

	regs     probe.Registers
	halted   bool
	reason   probe.HaltReason
	runPolls int

	fpCtrl uint32
	fpComp [8]uint32

	rttReady bool
	upDesc   []uint32
	downDesc []uint32

	closed       bool
	disconnected bool
	failNext     map[string]error
	latency      time.Duration
	opCounts     map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closes      atomic.Int32

	demoStop chan struct{}
	demoDone chan struct{}
	ticks    int
}

var _ probe.Connection = (*Target)(nil)

// New creates a running target whose firmware has already set up RTT.
func New(opts Options) *Target {
	opts.setDefaults()
	t := &Target{
		opts:     opts,
		flash:    make([]byte, FlashSize),
		ram:      make([]byte, RAMSize),
		failNext: make(map[string]error),
		opCounts: make(map[string]int),
		latency:  opts.Latency,
	}
	// Minimal vector table: SP at top of RAM, reset handler at 0x101.
	binary.LittleEndian.PutUint32(t.flash[0:], RAMBase+RAMSize)
	binary.LittleEndian.PutUint32(t.flash[4:], 0x101)
	t.resetCore()
	t.boot()

	if opts.Demo {
		t.demoStop = make(chan struct{})
		t.demoDone = make(chan struct{})
		go t.demo()
	}
	return t
}

// ControlBlockAddress is where the firmware places the RTT control block.
func (t *Target) ControlBlockAddress() uint32 {
	return t.opts.ControlBlock
}

// Disconnect makes every later probe operation fail with TRANSPORT_LOST.
func (t *Target) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
}

// FailNext makes the next call of op ("read_memory", "halt", ...) return err.
func (t *Target) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[op] = err
}

// SetLatency delays every probe operation by d.
func (t *Target) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// MaxConcurrent is the highest number of probe operations ever in flight at once.
func (t *Target) MaxConcurrent() int {
	return int(t.maxInFlight.Load())
}

// Closes counts Close calls.
func (t *Target) Closes() int {
	return int(t.closes.Load())
}

// OpCount returns how often op was called.
func (t *Target) OpCount(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opCounts[op]
}

// Halted reports whether the core is halted.
func (t *Target) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted
}

// Registers returns a copy of the register file.
func (t *Target) Registers() probe.Registers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

// Peek reads target memory without going through the probe.
func (t *Target) Peek(addr uint32, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isFPB(addr) {
		out, _ := t.readFPB(addr, n)
		return out
	}
	mem, err := t.region(addr, n)
	if err != nil {
		return nil
	}
	return append([]byte(nil), mem...)
}

// begin runs the common bookkeeping of a probe operation. It returns with
// t.mu held on success.
func (t *Target) begin(ctx context.Context, op string) error {
	n := t.inFlight.Add(1)
	for {
		max := t.maxInFlight.Load()
		if n <= max || t.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	t.mu.Lock()
	latency := t.latency
	t.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			t.inFlight.Add(-1)
			return ctx.Err()
		}
	}

	t.mu.Lock()
	t.opCounts[op]++
	switch {
	case t.closed:
		t.mu.Unlock()
		t.inFlight.Add(-1)
		return errors.TransportLost(op, fmt.Errorf("connection closed"))
	case t.disconnected:
		t.mu.Unlock()
		t.inFlight.Add(-1)
		return errors.TransportLost(op, fmt.Errorf("probe disconnected"))
	}
	if err, ok := t.failNext[op]; ok {
		delete(t.failNext, op)
		t.mu.Unlock()
		t.inFlight.Add(-1)
		return err
	}
	return nil
}

func (t *Target) end() {
	t.mu.Unlock()
	t.inFlight.Add(-1)
}

func (t *Target) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if err := t.begin(ctx, "read_memory"); err != nil {
		return nil, err
	}
	defer t.end()

	if isFPB(addr) {
		return t.readFPB(addr, n)
	}
	mem, err := t.region(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

func (t *Target) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if err := t.begin(ctx, "write_memory"); err != nil {
		return err
	}
	defer t.end()

	if isFPB(addr) {
		return t.writeFPB(addr, data)
	}
	mem, err := t.region(addr, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

func (t *Target) Halt(ctx context.Context) error {
	if err := t.begin(ctx, "halt"); err != nil {
		return err
	}
	defer t.end()
	if !t.halted {
		t.halted = true
		t.reason = probe.HaltRequest
	}
	return nil
}

func (t *Target) Resume(ctx context.Context) error {
	if err := t.begin(ctx, "resume"); err != nil {
		return err
	}
	defer t.end()
	t.halted = false
	t.reason = probe.HaltNone
	t.runPolls = 0
	t.boot()
	return nil
}

func (t *Target) Step(ctx context.Context) error {
	if err := t.begin(ctx, "step"); err != nil {
		return err
	}
	defer t.end()
	if !t.halted {
		return errors.PreconditionFailed("step", "halted")
	}
	t.regs.R[probe.RegPC] += 2
	t.reason = probe.HaltStep
	return nil
}

func (t *Target) Reset(ctx context.Context, halt bool) error {
	if err := t.begin(ctx, "reset"); err != nil {
		return err
	}
	defer t.end()
	t.resetCore()
	t.halted = halt
	if halt {
		t.reason = probe.HaltReset
	} else {
		t.boot()
	}
	return nil
}

func (t *Target) ReadRegisters(ctx context.Context) (probe.Registers, error) {
	if err := t.begin(ctx, "read_registers"); err != nil {
		return probe.Registers{}, err
	}
	defer t.end()
	if !t.halted {
		return probe.Registers{}, errors.PreconditionFailed("read_registers", "halted")
	}
	return t.regs, nil
}

func (t *Target) WriteRegisters(ctx context.Context, regs probe.Registers) error {
	if err := t.begin(ctx, "write_registers"); err != nil {
		return err
	}
	defer t.end()
	if !t.halted {
		return errors.PreconditionFailed("write_registers", "halted")
	}
	t.regs = regs
	return nil
}

// Status also advances the run model: a running core with an armed
// breakpoint stops there after a couple of polls.
func (t *Target) Status(ctx context.Context) (probe.CoreStatus, error) {
	if err := t.begin(ctx, "status"); err != nil {
		return probe.CoreStatus{}, err
	}
	defer t.end()

	if !t.halted {
		t.runPolls++
		if bp, ok := t.armedBreakpoint(); ok && t.runPolls >= breakAfterPoll {
			t.halted = true
			t.reason = probe.HaltBreakpoint
			t.regs.R[probe.RegPC] = bp
		}
	}
	st := probe.CoreStatus{State: probe.CoreRunning, PC: t.regs.R[probe.RegPC]}
	if t.halted {
		st.State = probe.CoreHalted
		st.Reason = t.reason
	}
	return st, nil
}

func (t *Target) Close() error {
	t.closes.Add(1)
	t.mu.Lock()
	already := t.closed
	t.closed = true
	stop := t.demoStop
	t.mu.Unlock()

	if !already && stop != nil {
		close(stop)
		<-t.demoDone
	}
	return nil
}

func (t *Target) resetCore() {
	t.regs = probe.Registers{}
	t.regs.R[probe.RegSP] = binary.LittleEndian.Uint32(t.flash[0:])
	t.regs.R[probe.RegPC] = binary.LittleEndian.Uint32(t.flash[4:]) &^ 1
	t.regs.R[probe.RegLR] = 0xFFFFFFFF
	t.regs.XPSR = xpsrThumb
	t.runPolls = 0
	t.rttReady = false
	t.ticks = 0
}

func (t *Target) region(addr uint32, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	switch {
	case n < 0:
		return nil, fmt.Errorf("negative length %d", n)
	case addr >= FlashBase && end <= FlashBase+FlashSize:
		return t.flash[addr-FlashBase : end-FlashBase], nil
	case addr >= RAMBase && end <= RAMBase+RAMSize:
		return t.ram[addr-RAMBase : end-RAMBase], nil
	}
	return nil, fmt.Errorf("bus fault: 0x%08x+%d is not mapped", addr, n)
}

func isFPB(addr uint32) bool {
	return addr >= FPCtrl && addr < FPComp0+4*8
}

func (t *Target) readFPB(addr uint32, n int) ([]byte, error) {
	if addr%4 != 0 || n%4 != 0 || !isFPB(addr+uint32(n)-1) {
		return nil, fmt.Errorf("bus fault: unaligned FPB access at 0x%08x", addr)
	}
	out := make([]byte, n)
	for off := 0; off < n; off += 4 {
		binary.LittleEndian.PutUint32(out[off:], t.fpbRegister(addr+uint32(off)))
	}
	return out, nil
}

func (t *Target) fpbRegister(addr uint32) uint32 {
	switch {
	case addr == FPCtrl:
		return t.fpCtrl&1 | NumCodeComparators<<4
	case addr >= FPComp0:
		return t.fpComp[(addr-FPComp0)/4]
	}
	return 0
}

func (t *Target) writeFPB(addr uint32, data []byte) error {
	if addr%4 != 0 || len(data)%4 != 0 || !isFPB(addr+uint32(len(data))-1) {
		return fmt.Errorf("bus fault: unaligned FPB access at 0x%08x", addr)
	}
	for off := 0; off < len(data); off += 4 {
		reg := addr + uint32(off)
		v := binary.LittleEndian.Uint32(data[off:])
		switch {
		case reg == FPCtrl:
			// Writes only take effect with the KEY bit set.
			if v&2 != 0 {
				t.fpCtrl = v & 1
			}
		case reg >= FPComp0:
			t.fpComp[(reg-FPComp0)/4] = v
		}
	}
	return nil
}

// armedBreakpoint returns the lowest enabled comparator's address.
func (t *Target) armedBreakpoint() (uint32, bool) {
	if t.fpCtrl&1 == 0 {
		return 0, false
	}
	for i := 0; i < NumCodeComparators; i++ {
		comp := t.fpComp[i]
		if comp&1 == 0 {
			continue
		}
		addr := comp & 0x1FFFFFFC
		if comp>>30 == 2 {
			addr += 2
		}
		return addr, true
	}
	return 0, false
}
