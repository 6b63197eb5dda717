// Package probe owns the single connection to the target and serializes
// every operation issued against it.
package probe

import (
	"context"
	"fmt"
)

// CoreState is the run state of the target core.
type CoreState int

const (
	CoreUnknown CoreState = iota
	CoreRunning
	CoreHalted
	CoreLockedUp
)

func (s CoreState) String() string {
	switch s {
	case CoreRunning:
		return "running"
	case CoreHalted:
		return "halted"
	case CoreLockedUp:
		return "locked-up"
	default:
		return "unknown"
	}
}

// HaltReason says why a halted core stopped.
type HaltReason int

const (
	HaltNone HaltReason = iota
	HaltRequest
	HaltBreakpoint
	HaltStep
	HaltReset
	HaltFault
)

func (r HaltReason) String() string {
	switch r {
	case HaltRequest:
		return "request"
	case HaltBreakpoint:
		return "breakpoint"
	case HaltStep:
		return "step"
	case HaltReset:
		return "reset"
	case HaltFault:
		return "fault"
	default:
		return "none"
	}
}

// CoreStatus is a point-in-time view of the core.
type CoreStatus struct {
	State  CoreState
	Reason HaltReason
	PC     uint32
}

func (s CoreStatus) String() string {
	if s.State == CoreHalted {
		return fmt.Sprintf("halted (%s) at 0x%08x", s.Reason, s.PC)
	}
	return s.State.String()
}

// Connection is a driver's link to one target. Implementations need not be
// safe for concurrent use; Handle guarantees one call at a time.
//
// Drivers report a dead link with errors.TransportLost and a core in the
// wrong state with errors.PreconditionFailed.
type Connection interface {
	ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
	Step(ctx context.Context) error
	Reset(ctx context.Context, halt bool) error
	ReadRegisters(ctx context.Context) (Registers, error)
	WriteRegisters(ctx context.Context, regs Registers) error
	Status(ctx context.Context) (CoreStatus, error)
	Close() error
}
