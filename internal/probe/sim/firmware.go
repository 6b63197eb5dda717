package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// boot writes the RTT control block the way firmware does at startup.
// Called with t.mu held.
func (t *Target) boot() {
	if t.rttReady || t.opts.NoRTT {
		return
	}
	o := t.opts
	cb := o.ControlBlock
	descs := uint32(o.UpBuffers + o.DownBuffers)
	names := cb + rttHeaderSize + descs*rttDescSize
	buffers := names + namesAreaSize

	t.upDesc = t.upDesc[:0]
	t.downDesc = t.downDesc[:0]

	nameAt := names
	writeName := func(name string) uint32 {
		addr := nameAt
		mem, err := t.region(addr, len(name)+1)
		if err != nil {
			return 0
		}
		copy(mem, name)
		mem[len(name)] = 0
		nameAt += uint32(len(name) + 1)
		return addr
	}

	bufAt := buffers
	for i := 0; i < int(descs); i++ {
		desc := cb + rttHeaderSize + uint32(i)*rttDescSize
		var name string
		if i < o.UpBuffers {
			name = pick(o.UpNames, i, defaultUpName(i))
			t.upDesc = append(t.upDesc, desc)
		} else {
			name = pick(o.DownNames, i-o.UpBuffers, defaultUpName(i-o.UpBuffers))
			t.downDesc = append(t.downDesc, desc)
		}
		t.w32(desc, writeName(name))
		t.w32(desc+4, bufAt)
		t.w32(desc+8, uint32(o.BufferSize))
		t.w32(desc+12, 0)
		t.w32(desc+16, 0)
		t.w32(desc+20, 0)
		bufAt += uint32(o.BufferSize)
	}

	t.w32(cb+16, uint32(o.UpBuffers))
	t.w32(cb+20, uint32(o.DownBuffers))
	// The ID goes in last so a host scanning RAM never sees half a block.
	id := make([]byte, 16)
	copy(id, rttID)
	mem, _ := t.region(cb, 16)
	copy(mem, id)
	t.rttReady = true

	if o.Demo {
		t.emitLocked(0, []byte("boot\nready\n"))
	}
}

func defaultUpName(i int) string {
	if i == 0 {
		return "Terminal"
	}
	return ""
}

func pick(names []string, i int, fallback string) string {
	if i < len(names) {
		return names[i]
	}
	return fallback
}

// Emit writes data into up buffer ch as the firmware would, dropping what
// does not fit. It returns the number of bytes accepted.
func (t *Target) Emit(ch int, data []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitLocked(ch, data)
}

// EmitString is Emit for text.
func (t *Target) EmitString(ch int, s string) int {
	return t.Emit(ch, []byte(s))
}

func (t *Target) emitLocked(ch int, data []byte) int {
	if !t.rttReady || ch < 0 || ch >= len(t.upDesc) {
		return 0
	}
	desc := t.upDesc[ch]
	buf, size := t.r32(desc+4), t.r32(desc+8)
	wr, rd := t.r32(desc+12), t.r32(desc+16)

	free := (rd + size - wr - 1) % size
	n := uint32(len(data))
	if n > free {
		n = free
	}
	for i := uint32(0); i < n; i++ {
		t.ram[buf-RAMBase+(wr+i)%size] = data[i]
	}
	t.w32(desc+12, (wr+n)%size)
	return int(n)
}

// ReadDown drains down buffer ch as the firmware would.
func (t *Target) ReadDown(ch int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readDownLocked(ch)
}

func (t *Target) readDownLocked(ch int) []byte {
	if !t.rttReady || ch < 0 || ch >= len(t.downDesc) {
		return nil
	}
	desc := t.downDesc[ch]
	buf, size := t.r32(desc+4), t.r32(desc+8)
	wr, rd := t.r32(desc+12), t.r32(desc+16)

	var out []byte
	for rd != wr {
		out = append(out, t.ram[buf-RAMBase+rd])
		rd = (rd + 1) % size
	}
	t.w32(desc+16, rd)
	return out
}

// UpOffsets returns the WrOff and RdOff of up buffer ch.
func (t *Target) UpOffsets(ch int) (wr, rd uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch < 0 || ch >= len(t.upDesc) {
		return 0, 0
	}
	desc := t.upDesc[ch]
	return t.r32(desc + 12), t.r32(desc + 16)
}

func (t *Target) r32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(t.ram[addr-RAMBase:])
}

func (t *Target) w32(addr uint32, v uint32) {
	binary.LittleEndian.PutUint32(t.ram[addr-RAMBase:], v)
}

// demo is the firmware main loop: a heartbeat on channel 0, a sine sample
// on channel 1 and an echo of whatever arrives on down channel 0.
func (t *Target) demo() {
	defer close(t.demoDone)
	ticker := time.NewTicker(t.opts.DemoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.demoStop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.halted || !t.rttReady {
			t.mu.Unlock()
			continue
		}
		t.ticks++
		t.emitLocked(0, []byte(fmt.Sprintf("tick:%d\n", t.ticks)))
		if len(t.upDesc) > 1 {
			sample := make([]byte, 4)
			binary.LittleEndian.PutUint32(sample, math.Float32bits(float32(math.Sin(float64(t.ticks)/8))))
			t.emitLocked(1, sample)
		}
		if in := t.readDownLocked(0); len(in) > 0 {
			for _, line := range strings.Split(strings.TrimRight(string(in), "\n"), "\n") {
				t.emitLocked(0, []byte("echo: "+line+"\n"))
			}
		}
		t.mu.Unlock()
	}
}
