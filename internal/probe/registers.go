package probe

import (
	"encoding/binary"
	"fmt"
)

// GDB's "arm" target description: r0-r15, eight 12-byte FPA registers, fps, cpsr.
const (
	RegisterBlockSize = 168
	NumRegisters      = 26

	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 25
)

// Registers is the Cortex-M core register file.
type Registers struct {
	R    [16]uint32 // R0-R12, SP, LR, PC
	XPSR uint32
}

// PC returns the program counter.
func (r Registers) PC() uint32 { return r.R[RegPC] }

// Encode produces the 168-byte block used by the g/G packets.
func (r Registers) Encode() []byte {
	data := make([]byte, RegisterBlockSize)
	for i, v := range r.R {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	binary.LittleEndian.PutUint32(data[164:], r.XPSR)
	return data
}

// Decode parses a g/G register block.
func (r *Registers) Decode(data []byte) error {
	if len(data) != RegisterBlockSize {
		return fmt.Errorf("invalid register block length: %d", len(data))
	}
	for i := range r.R {
		r.R[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	r.XPSR = binary.LittleEndian.Uint32(data[164:])
	return nil
}

// RegisterSize returns the wire size of register n.
func RegisterSize(n int) int {
	if n >= 16 && n < 24 {
		return 12
	}
	return 4
}

// Get returns register n in wire encoding. FPA registers read as zero.
func (r Registers) Get(n int) ([]byte, error) {
	if n < 0 || n >= NumRegisters {
		return nil, fmt.Errorf("register %d out of range", n)
	}
	out := make([]byte, RegisterSize(n))
	switch {
	case n < 16:
		binary.LittleEndian.PutUint32(out, r.R[n])
	case n == RegXPSR:
		binary.LittleEndian.PutUint32(out, r.XPSR)
	}
	return out, nil
}

// Set stores register n from wire encoding. Writes to FPA registers and fps
// are accepted and dropped.
func (r *Registers) Set(n int, value []byte) error {
	if n < 0 || n >= NumRegisters {
		return fmt.Errorf("register %d out of range", n)
	}
	if len(value) != RegisterSize(n) {
		return fmt.Errorf("register %d expects %d bytes, got %d", n, RegisterSize(n), len(value))
	}
	switch {
	case n < 16:
		r.R[n] = binary.LittleEndian.Uint32(value)
	case n == RegXPSR:
		r.XPSR = binary.LittleEndian.Uint32(value)
	}
	return nil
}

func (r Registers) String() string {
	return fmt.Sprintf("R0: %08x R1: %08x R2: %08x R3: %08x R12: %08x SP: %08x LR: %08x PC: %08x XPSR: %08x",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[12], r.R[RegSP], r.R[RegLR], r.R[RegPC], r.XPSR)
}
