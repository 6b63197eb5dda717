package gdbserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/sirupsen/logrus"
)

const (
	packetSize = 0x4000
	// maxMemRead keeps an m reply within the advertised packet size.
	maxMemRead = packetSize/2 - 16

	releaseTimeout = time.Second
)

var errKill = fmt.Errorf("client killed the session")

// client serves requests of one attached GDB connection, strictly one at a time.
type client struct {
	s      *Server
	c      *rspConn
	log    *logrus.Entry
	bp     *fpb
	events chan event
	done   chan struct{}
}

func (cl *client) serve(ctx context.Context) error {
	if cl.s.opts.HaltOnAttach {
		if err := cl.do(ctx, func(a *probe.Access) error { return a.Halt(ctx) }); err != nil {
			if stopsClient(err) {
				return err
			}
			cl.log.WithError(err).Warn("Failed to halt target on attach")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cl.events:
			if !ok {
				return io.EOF
			}
			if ev.err != nil {
				return ev.err
			}
			if ev.interrupt {
				// Nothing is running between requests; GDB still expects a stop reply.
				reply, err := cl.interrupt(ctx)
				if err != nil {
					return err
				}
				if err := cl.c.send(reply); err != nil {
					return err
				}
				continue
			}

			pkt := string(ev.pkt)
			reply, err := cl.handle(ctx, pkt)
			switch err {
			case nil:
			case errDetach:
				_ = cl.c.send("OK")
				return nil
			case errKill:
				return nil
			default:
				return err
			}
			if err := cl.c.send(reply); err != nil {
				return err
			}
			if pkt == "QStartNoAckMode" {
				cl.c.setNoAck()
			}
		}
	}
}

// handle answers one packet. Probe failures become Exx replies; the error
// return is reserved for ending the client.
func (cl *client) handle(ctx context.Context, pkt string) (string, error) {
	if pkt == "" {
		return "", nil
	}
	switch {
	case pkt == "?":
		return cl.stopReply(ctx)
	case strings.HasPrefix(pkt, "qSupported"):
		return fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;vContSupported+;hwbreak+", packetSize), nil
	case pkt == "QStartNoAckMode":
		return "OK", nil
	case pkt == "qAttached":
		return "1", nil
	case pkt == "qC":
		return "QC1", nil
	case pkt == "qfThreadInfo":
		return "m1", nil
	case pkt == "qsThreadInfo":
		return "l", nil
	case pkt[0] == 'H':
		return "OK", nil
	case pkt == "g":
		return cl.readRegisters(ctx)
	case pkt[0] == 'G':
		return cl.writeRegisters(ctx, pkt[1:])
	case pkt[0] == 'p':
		return cl.readRegister(ctx, pkt[1:])
	case pkt[0] == 'P':
		return cl.writeRegister(ctx, pkt[1:])
	case pkt[0] == 'm':
		return cl.readMemory(ctx, pkt[1:])
	case pkt[0] == 'M':
		return cl.writeMemory(ctx, pkt[1:], true)
	case pkt[0] == 'X':
		return cl.writeMemory(ctx, pkt[1:], false)
	case strings.HasPrefix(pkt, "Z0,") || strings.HasPrefix(pkt, "Z1,"):
		return cl.breakpoint(ctx, pkt[3:], true)
	case strings.HasPrefix(pkt, "z0,") || strings.HasPrefix(pkt, "z1,"):
		return cl.breakpoint(ctx, pkt[3:], false)
	case pkt[0] == 'c':
		return cl.resume(ctx, pkt[1:], false)
	case pkt[0] == 's':
		return cl.resume(ctx, pkt[1:], true)
	case pkt == "vCont?":
		return "vCont;c;C;s;S", nil
	case strings.HasPrefix(pkt, "vCont;"):
		action := strings.SplitN(pkt[len("vCont;"):], ";", 2)[0]
		switch {
		case strings.HasPrefix(action, "c"), strings.HasPrefix(action, "C"):
			return cl.resume(ctx, "", false)
		case strings.HasPrefix(action, "s"), strings.HasPrefix(action, "S"):
			return cl.resume(ctx, "", true)
		}
		return "", nil
	case strings.HasPrefix(pkt, "qRcmd,"):
		return cl.monitor(ctx, pkt[len("qRcmd,"):])
	case pkt == "D" || strings.HasPrefix(pkt, "D;"):
		return "", errDetach
	case pkt == "k" || strings.HasPrefix(pkt, "vKill"):
		return "", errKill
	}
	return "", nil
}

func (cl *client) do(ctx context.Context, fn func(a *probe.Access) error) error {
	return cl.s.h.Do(ctx, fn)
}

// errReply maps a probe error onto an Exx reply, or ends the client when the
// probe is gone.
func (cl *client) errReply(op string, err error) (string, error) {
	if stopsClient(err) {
		return "", err
	}
	cl.log.WithError(err).WithField("request", op).Debug("GDB request failed")
	switch errors.GetCode(err) {
	case errors.ErrCodePreconditionFailed:
		return "E01", nil
	case errors.ErrCodeTimeout:
		return "E04", nil
	case errors.ErrCodeInvalidInput, errors.ErrCodeProtocolError:
		return "E16", nil
	}
	return "E0e", nil
}

func stopsClient(err error) bool {
	return errors.IsFatal(err) || errors.Is(err, errors.ErrCodeDetached)
}

func badRequest(format string, args ...interface{}) error {
	return errors.ProtocolError(fmt.Sprintf(format, args...))
}

func (cl *client) stopReply(ctx context.Context) (string, error) {
	var st probe.CoreStatus
	err := cl.do(ctx, func(a *probe.Access) error {
		var err error
		st, err = a.Status(ctx)
		return err
	})
	if err != nil {
		return cl.errReply("status", err)
	}
	return stopPacket(st), nil
}

func stopPacket(st probe.CoreStatus) string {
	if st.State != probe.CoreHalted {
		return "S00"
	}
	if st.Reason == probe.HaltRequest {
		return "S02"
	}
	return "S05"
}

func (cl *client) interrupt(ctx context.Context) (string, error) {
	if err := cl.do(ctx, func(a *probe.Access) error { return a.Halt(ctx) }); err != nil {
		return cl.errReply("interrupt", err)
	}
	return "S02", nil
}

func (cl *client) readRegisters(ctx context.Context) (string, error) {
	var regs probe.Registers
	err := cl.do(ctx, func(a *probe.Access) error {
		var err error
		regs, err = a.ReadRegisters(ctx)
		return err
	})
	if err != nil {
		return cl.errReply("g", err)
	}
	return hexEncode(regs.Encode()), nil
}

func (cl *client) writeRegisters(ctx context.Context, args string) (string, error) {
	raw, err := hex.DecodeString(args)
	if err != nil {
		return cl.errReply("G", badRequest("bad register data"))
	}
	var regs probe.Registers
	if err := regs.Decode(raw); err != nil {
		return cl.errReply("G", badRequest("%v", err))
	}
	if err := cl.do(ctx, func(a *probe.Access) error { return a.WriteRegisters(ctx, regs) }); err != nil {
		return cl.errReply("G", err)
	}
	return "OK", nil
}

func (cl *client) readRegister(ctx context.Context, args string) (string, error) {
	n, err := strconv.ParseUint(args, 16, 8)
	if err != nil || int(n) >= probe.NumRegisters {
		return cl.errReply("p", badRequest("bad register %q", args))
	}
	var regs probe.Registers
	if err := cl.do(ctx, func(a *probe.Access) error {
		var err error
		regs, err = a.ReadRegisters(ctx)
		return err
	}); err != nil {
		return cl.errReply("p", err)
	}
	v, _ := regs.Get(int(n))
	return hexEncode(v), nil
}

func (cl *client) writeRegister(ctx context.Context, args string) (string, error) {
	num, val, ok := strings.Cut(args, "=")
	n, err := strconv.ParseUint(num, 16, 8)
	if !ok || err != nil {
		return cl.errReply("P", badRequest("bad register write %q", args))
	}
	raw, err := hex.DecodeString(val)
	if err != nil {
		return cl.errReply("P", badRequest("bad register value"))
	}
	err = cl.do(ctx, func(a *probe.Access) error {
		regs, err := a.ReadRegisters(ctx)
		if err != nil {
			return err
		}
		if err := regs.Set(int(n), raw); err != nil {
			return badRequest("%v", err)
		}
		return a.WriteRegisters(ctx, regs)
	})
	if err != nil {
		return cl.errReply("P", err)
	}
	return "OK", nil
}

func (cl *client) readMemory(ctx context.Context, args string) (string, error) {
	addr, n, err := parseAddrLen(args)
	if err != nil {
		return cl.errReply("m", badRequest("%v", err))
	}
	if n > maxMemRead {
		n = maxMemRead
	}
	var data []byte
	if err := cl.do(ctx, func(a *probe.Access) error {
		var err error
		data, err = a.ReadMemory(ctx, addr, n)
		return err
	}); err != nil {
		return cl.errReply("m", err)
	}
	return hexEncode(data), nil
}

// writeMemory handles M (hex payload) and X (binary payload).
func (cl *client) writeMemory(ctx context.Context, args string, hexPayload bool) (string, error) {
	head, payload, ok := strings.Cut(args, ":")
	if !ok {
		return cl.errReply("M", badRequest("missing payload"))
	}
	addr, n, err := parseAddrLen(head)
	if err != nil {
		return cl.errReply("M", badRequest("%v", err))
	}
	data := []byte(payload)
	if hexPayload {
		if data, err = hex.DecodeString(payload); err != nil {
			return cl.errReply("M", badRequest("bad hex payload"))
		}
	}
	if len(data) != n {
		return cl.errReply("M", badRequest("payload is %d bytes, header says %d", len(data), n))
	}
	if n == 0 {
		return "OK", nil
	}
	if err := cl.do(ctx, func(a *probe.Access) error { return a.WriteMemory(ctx, addr, data) }); err != nil {
		return cl.errReply("M", err)
	}
	return "OK", nil
}

func (cl *client) breakpoint(ctx context.Context, args string, insert bool) (string, error) {
	addrStr, _, _ := strings.Cut(args, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return cl.errReply("Z", badRequest("bad breakpoint address %q", addrStr))
	}
	err = cl.do(ctx, func(a *probe.Access) error {
		if insert {
			return cl.bp.insert(ctx, a, uint32(addr))
		}
		return cl.bp.remove(ctx, a, uint32(addr))
	})
	if err == errNoUnits {
		cl.log.WithField("address", fmt.Sprintf("0x%08x", addr)).Warn("Out of hardware breakpoints")
		return "E0c", nil
	}
	if err != nil {
		return cl.errReply("Z", err)
	}
	cl.log.WithField("active", cl.bp.active()).Debug("Breakpoints updated")
	return "OK", nil
}

// resume continues or steps the core. A continue never holds the handle
// while the core runs: the handle is taken to resume, then briefly for each
// status poll, so RTT keeps flowing while GDB waits.
func (cl *client) resume(ctx context.Context, args string, step bool) (string, error) {
	if args != "" {
		pc, err := strconv.ParseUint(args, 16, 32)
		if err != nil {
			return cl.errReply("c", badRequest("bad resume address %q", args))
		}
		err = cl.do(ctx, func(a *probe.Access) error {
			regs, err := a.ReadRegisters(ctx)
			if err != nil {
				return err
			}
			regs.R[probe.RegPC] = uint32(pc)
			return a.WriteRegisters(ctx, regs)
		})
		if err != nil {
			return cl.errReply("c", err)
		}
	}

	if step {
		if err := cl.do(ctx, func(a *probe.Access) error { return a.Step(ctx) }); err != nil {
			return cl.errReply("s", err)
		}
		return "S05", nil
	}

	if err := cl.do(ctx, func(a *probe.Access) error { return a.Resume(ctx) }); err != nil {
		return cl.errReply("c", err)
	}

	ticker := time.NewTicker(cl.s.opts.HaltPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-cl.events:
			if !ok {
				return "", io.EOF
			}
			if ev.err != nil {
				return "", ev.err
			}
			if ev.interrupt {
				return cl.interrupt(ctx)
			}
			cl.log.WithField("packet", string(ev.pkt)).Debug("Ignoring packet while target runs")
		case <-ticker.C:
			var st probe.CoreStatus
			err := cl.do(ctx, func(a *probe.Access) error {
				var err error
				st, err = a.Status(ctx)
				return err
			})
			if err != nil {
				if stopsClient(err) {
					return "", err
				}
				cl.log.WithError(err).Debug("Status poll failed")
				continue
			}
			if st.State == probe.CoreHalted {
				return stopPacket(st), nil
			}
		}
	}
}

var monitorCommands = map[string]string{
	"reset":      "Resetting target\n",
	"reset halt": "Resetting target and halting\n",
	"halt":       "Target halted\n",
	"resume":     "Target resumed\n",
}

// monitor runs a "monitor ..." command sent as hex in qRcmd.
func (cl *client) monitor(ctx context.Context, args string) (string, error) {
	raw, err := hex.DecodeString(args)
	if err != nil {
		return cl.errReply("qRcmd", badRequest("bad monitor command"))
	}
	cmd := strings.Join(strings.Fields(string(raw)), " ")
	msg, ok := monitorCommands[cmd]
	if !ok {
		return "", nil
	}

	err = cl.do(ctx, func(a *probe.Access) error {
		switch cmd {
		case "reset":
			return a.Reset(ctx, false)
		case "reset halt":
			return a.Reset(ctx, true)
		case "halt":
			return a.Halt(ctx)
		default:
			return a.Resume(ctx)
		}
	})
	if err != nil {
		return cl.errReply("qRcmd", err)
	}
	cl.log.WithField("command", cmd).Info("Monitor command")
	if err := cl.c.send("O" + hexEncode([]byte(msg))); err != nil {
		return "", err
	}
	return "OK", nil
}

// release leaves the target as a running program with no breakpoints once
// the client is gone. It uses its own short deadline since the session
// context may already be cancelled.
func (cl *client) release() {
	if cl.s.h.Err() != nil || cl.s.h.Detached() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := cl.do(ctx, func(a *probe.Access) error {
		if err := cl.bp.clear(ctx, a); err != nil {
			return err
		}
		st, err := a.Status(ctx)
		if err != nil {
			return err
		}
		if st.State == probe.CoreHalted {
			return a.Resume(ctx)
		}
		return nil
	})
	if err != nil {
		cl.log.WithError(err).Debug("Failed to release target after detach")
	}
}
