package probe

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/logging"
	"github.com/sirupsen/logrus"
)

// Options tune a Handle.
type Options struct {
	// OpTimeout bounds each single operation. Zero means no bound beyond the
	// caller's context.
	OpTimeout time.Duration
	// HaltForRegisterAccess halts a running core before register reads and
	// writes. Without it those calls fail with PRECONDITION_FAILED.
	HaltForRegisterAccess bool
	// DetachTimeout is how long Detach waits for an in-flight holder.
	DetachTimeout time.Duration
	Logger        *logrus.Entry
}

// Handle wraps the one Connection of a session. At most one Access exists
// at any time; every target operation goes through it.
type Handle struct {
	conn Connection
	opts Options
	log  *logrus.Entry

	sem chan struct{}

	holders    atomic.Int32
	maxHolders atomic.Int32
	ops        atomic.Uint64

	detaching  atomic.Bool
	detachCh   chan struct{}
	detachOnce sync.Once
	detachErr  error
	closed     atomic.Bool

	lost     chan struct{}
	lostOnce sync.Once
	lostErr  atomic.Pointer[errors.GroveError]
}

// NewHandle takes ownership of conn.
func NewHandle(conn Connection, opts Options) *Handle {
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("probe")
	}
	return &Handle{
		conn:     conn,
		opts:     opts,
		log:      log,
		sem:      make(chan struct{}, 1),
		detachCh: make(chan struct{}),
		lost:     make(chan struct{}),
	}
}

// Acquire blocks until exclusive access is granted, ctx ends, the link is
// lost or detach begins. The returned Access must be released.
func (h *Handle) Acquire(ctx context.Context) (*Access, error) {
	if h.detaching.Load() {
		return nil, errors.Detached()
	}
	if err := h.Err(); err != nil {
		return nil, err
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxError("acquire", ctx.Err(), 0)
	case <-h.detachCh:
		return nil, errors.Detached()
	case <-h.lost:
		return nil, h.Err()
	}

	// Detach or loss may have won the race with the semaphore.
	if h.detaching.Load() {
		<-h.sem
		return nil, errors.Detached()
	}
	if err := h.Err(); err != nil {
		<-h.sem
		return nil, err
	}

	n := h.holders.Add(1)
	for {
		max := h.maxHolders.Load()
		if n <= max || h.maxHolders.CompareAndSwap(max, n) {
			break
		}
	}
	return &Access{h: h}, nil
}

// Do runs fn while holding exclusive access.
func (h *Handle) Do(ctx context.Context, fn func(a *Access) error) error {
	a, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	defer a.Release()
	return fn(a)
}

// Lost is closed when the transport fails. Err then returns the cause.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// Err returns the transport loss error, or nil while the link is healthy.
func (h *Handle) Err() error {
	if e := h.lostErr.Load(); e != nil {
		return e
	}
	return nil
}

// MaxHolders is the highest number of simultaneous holders ever observed.
// Anything above one is a bug.
func (h *Handle) MaxHolders() int {
	return int(h.maxHolders.Load())
}

// Ops counts operations issued against the connection.
func (h *Handle) Ops() uint64 {
	return h.ops.Load()
}

// Detached reports whether Detach has run.
func (h *Handle) Detached() bool {
	return h.detaching.Load()
}

// Detach ends the session's use of the probe exactly once. It refuses new
// holders immediately, gives an in-flight holder DetachTimeout to finish,
// then closes the connection. Later calls return the first result.
func (h *Handle) Detach() error {
	h.detachOnce.Do(func() {
		h.detaching.Store(true)
		close(h.detachCh)

		timer := time.NewTimer(h.opts.DetachTimeout)
		defer timer.Stop()
		select {
		case h.sem <- struct{}{}:
		case <-timer.C:
			h.log.WithField("timeout", h.opts.DetachTimeout).Warn("Detaching while an operation is still in flight")
		}

		h.closed.Store(true)
		if err := h.conn.Close(); err != nil {
			h.detachErr = errors.Wrap(err, errors.ErrCodeInternal, "failed to close probe connection")
			h.log.WithError(err).Warn("Probe close failed")
			return
		}
		h.log.WithField("ops", h.ops.Load()).Debug("Probe detached")
	})
	return h.detachErr
}

func (h *Handle) markLost(err *errors.GroveError) {
	h.lostOnce.Do(func() {
		h.lostErr.Store(err)
		close(h.lost)
		h.log.WithError(err).Error("Probe transport lost")
	})
}

// Access is one exclusive hold on the Handle. Release is idempotent.
type Access struct {
	h        *Handle
	released atomic.Bool
}

// Release returns exclusive access. Calling it more than once is harmless.
func (a *Access) Release() {
	if a == nil || !a.released.CompareAndSwap(false, true) {
		return
	}
	a.h.holders.Add(-1)
	<-a.h.sem
}

// ReadMemory reads n bytes starting at addr.
func (a *Access) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	var out []byte
	err := a.run(ctx, "read_memory", func(ctx context.Context) error {
		var err error
		out, err = a.h.conn.ReadMemory(ctx, addr, n)
		return err
	})
	return out, err
}

// WriteMemory writes data starting at addr.
func (a *Access) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	return a.run(ctx, "write_memory", func(ctx context.Context) error {
		return a.h.conn.WriteMemory(ctx, addr, data)
	})
}

func (a *Access) Halt(ctx context.Context) error {
	return a.run(ctx, "halt", func(ctx context.Context) error {
		return a.h.conn.Halt(ctx)
	})
}

func (a *Access) Resume(ctx context.Context) error {
	return a.run(ctx, "resume", func(ctx context.Context) error {
		return a.h.conn.Resume(ctx)
	})
}

// Step executes one instruction. The core must be halted.
func (a *Access) Step(ctx context.Context) error {
	return a.run(ctx, "step", func(ctx context.Context) error {
		st, err := a.h.conn.Status(ctx)
		if err != nil {
			return err
		}
		if st.State != CoreHalted {
			return errors.PreconditionFailed("step", "halted")
		}
		return a.h.conn.Step(ctx)
	})
}

// Reset resets the core, leaving it halted at the reset vector when halt is set.
func (a *Access) Reset(ctx context.Context, halt bool) error {
	return a.run(ctx, "reset", func(ctx context.Context) error {
		return a.h.conn.Reset(ctx, halt)
	})
}

// ReadRegisters reads the core register file. A running core is halted
// first when the handle allows it.
func (a *Access) ReadRegisters(ctx context.Context) (Registers, error) {
	var regs Registers
	err := a.run(ctx, "read_registers", func(ctx context.Context) error {
		if err := a.ensureHalted(ctx, "read_registers"); err != nil {
			return err
		}
		var err error
		regs, err = a.h.conn.ReadRegisters(ctx)
		return err
	})
	return regs, err
}

// WriteRegisters replaces the core register file, with the same halting rule
// as ReadRegisters.
func (a *Access) WriteRegisters(ctx context.Context, regs Registers) error {
	return a.run(ctx, "write_registers", func(ctx context.Context) error {
		if err := a.ensureHalted(ctx, "write_registers"); err != nil {
			return err
		}
		return a.h.conn.WriteRegisters(ctx, regs)
	})
}

// Status returns the core's run state.
func (a *Access) Status(ctx context.Context) (CoreStatus, error) {
	var st CoreStatus
	err := a.run(ctx, "status", func(ctx context.Context) error {
		var err error
		st, err = a.h.conn.Status(ctx)
		return err
	})
	return st, err
}

func (a *Access) ensureHalted(ctx context.Context, op string) error {
	st, err := a.h.conn.Status(ctx)
	if err != nil {
		return err
	}
	if st.State == CoreHalted {
		return nil
	}
	if !a.h.opts.HaltForRegisterAccess {
		return errors.PreconditionFailed(op, "halted")
	}
	a.h.log.WithField("operation", op).Debug("Halting core for register access")
	return a.h.conn.Halt(ctx)
}

func (a *Access) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	h := a.h
	if a.released.Load() {
		return errors.Newf(errors.ErrCodeInternal, "%s on a released probe access", op)
	}
	if h.detaching.Load() || h.closed.Load() {
		return errors.Detached()
	}
	if err := h.Err(); err != nil {
		return err
	}

	opCtx := ctx
	if h.opts.OpTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, h.opts.OpTimeout)
		defer cancel()
	}

	h.ops.Add(1)
	err := fn(opCtx)
	if err == nil {
		return nil
	}
	return h.classify(op, opCtx, err)
}

// classify maps a driver error onto the probe error taxonomy.
func (h *Handle) classify(op string, ctx context.Context, err error) error {
	if errors.Is(err, errors.ErrCodeTransportLost) {
		lost, ok := errors.As(err)
		if !ok || lost.Code != errors.ErrCodeTransportLost {
			lost = errors.TransportLost(op, err)
		}
		h.markLost(lost)
		return lost
	}
	if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		if errors.GetCode(err) == errors.ErrCodeTimeout {
			return err
		}
		return ctxError(op, err, h.opts.OpTimeout)
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.ProbeFailed(op, err)
}

func ctxError(op string, cause error, timeout time.Duration) error {
	if stderrors.Is(cause, context.DeadlineExceeded) && timeout > 0 {
		return errors.Timeout(op, timeout)
	}
	return errors.Wrap(cause, errors.ErrCodeTimeout, op+" cancelled")
}
