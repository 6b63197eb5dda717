// Package gdbserver exposes the target to one GDB client at a time over the
// remote serial protocol.
package gdbserver

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/sirupsen/logrus"
)

// State is the server's client state.
type State int32

const (
	Listening State = iota
	Attached
	Closed
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Attached:
		return "attached"
	default:
		return "closed"
	}
}

// Options configure a Server.
type Options struct {
	Bind             string
	HaltOnAttach     bool
	BreakpointUnits  int
	HaltPollInterval time.Duration
	Status           *status.Writer
	Logger           *logrus.Entry
}

// Server accepts GDB connections. While one client is attached every other
// connection is accepted and closed at once.
type Server struct {
	h    *probe.Handle
	opts Options
	log  *logrus.Entry
	ln   net.Listener

	state    atomic.Int32
	rejected atomic.Int32
	attached atomic.Int32

	mu     sync.Mutex
	client *rspConn
	wg     sync.WaitGroup
	fatal  chan error
}

// Listen binds the server's address. A bind failure is a PORT_CONFLICT.
func Listen(h *probe.Handle, opts Options) (*Server, error) {
	if opts.Bind == "" {
		opts.Bind = config.DefaultGDBBind
	}
	if opts.HaltPollInterval <= 0 {
		opts.HaltPollInterval = config.DefaultHaltPoll
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("gdb")
	}
	ln, err := net.Listen("tcp", opts.Bind)
	if err != nil {
		return nil, errors.PortConflict(opts.Bind, err)
	}
	s := &Server{
		h:     h,
		opts:  opts,
		log:   log,
		ln:    ln,
		fatal: make(chan error, 1),
	}
	s.state.Store(int32(Listening))
	return s, nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) State() State { return State(s.state.Load()) }

// Rejected counts connections refused because a client was attached.
func (s *Server) Rejected() int { return int(s.rejected.Load()) }

// Sessions counts clients that attached.
func (s *Server) Sessions() int { return int(s.attached.Load()) }

// Serve accepts clients until ctx ends or a client hits a fatal probe error.
// It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context) error {
	st := s.opts.Status
	st.Running("listening on " + s.Addr())
	s.log.WithField("address", s.Addr()).Info("GDB server listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop(ctx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.fatal:
		st.Fail(err)
	case err = <-acceptErr:
		if err != nil {
			st.Fail(err)
		}
	}

	cancel()
	s.shutdown()
	s.wg.Wait()
	s.state.Store(int32(Closed))
	st.Stop()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "GDB accept failed")
		}

		if !s.state.CompareAndSwap(int32(Listening), int32(Attached)) {
			s.rejected.Add(1)
			s.log.WithField("remote", conn.RemoteAddr().String()).Warn("Rejecting GDB client, another client is attached")
			conn.Close()
			continue
		}

		s.attached.Add(1)
		c := newRSPConn(conn)
		s.mu.Lock()
		s.client = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runClient(ctx, c)
		}()
	}
}

func (s *Server) runClient(ctx context.Context, c *rspConn) {
	remote := c.conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)
	log.Info("GDB client attached")
	s.opts.Status.Running("client " + remote)

	cl := &client{
		s:      s,
		c:      c,
		log:    log,
		bp:     newFPB(s.opts.BreakpointUnits),
		events: make(chan event),
		done:   make(chan struct{}),
	}
	go c.readLoop(cl.events, cl.done)

	err := cl.serve(ctx)
	cl.release()
	close(cl.done)
	c.Close()

	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	s.state.Store(int32(Listening))

	switch {
	case err == nil || ctx.Err() != nil || isExpectedClose(err):
		log.Info("GDB client detached")
		if ctx.Err() == nil {
			s.opts.Status.Running("listening on " + s.Addr())
		}
	case errors.IsFatal(err):
		log.WithError(err).Error("GDB client closed on fatal probe error")
		select {
		case s.fatal <- err:
		default:
		}
	default:
		log.WithError(err).Warn("GDB client dropped")
		s.opts.Status.Running("listening on " + s.Addr())
	}
}

func (s *Server) shutdown() {
	s.ln.Close()
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.mu.Unlock()
}

// Close stops listening. Serve does the same on cancellation.
func (s *Server) Close() error {
	return s.ln.Close()
}

// isExpectedClose reports a normal client disconnect.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

var errDetach = fmt.Errorf("client detached")
