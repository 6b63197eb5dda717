package gdbserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/probe/sim"
	"github.com/grovetools/embed/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tgt   *sim.Target
	h     *probe.Handle
	srv   *Server
	board *status.Board
	done  chan error
}

func startServer(t *testing.T, opts Options) *fixture {
	t.Helper()
	tgt := sim.New(sim.Options{})
	h := probe.NewHandle(tgt, probe.Options{})
	board := status.NewBoard("gdb")
	w, err := board.Writer("gdb")
	require.NoError(t, err)

	opts.Bind = "127.0.0.1:0"
	opts.Status = w
	if opts.HaltPollInterval == 0 {
		opts.HaltPollInterval = 2 * time.Millisecond
	}
	srv, err := Listen(h, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{tgt: tgt, h: h, srv: srv, board: board, done: make(chan error, 1)}
	go func() { f.done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after cancel")
		}
		_ = h.Detach()
	})
	return f
}

// rspClient speaks just enough of the remote protocol to drive the server.
type rspClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *rspClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rspClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *rspClient) send(data string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := fmt.Fprintf(c.conn, "$%s#%02x", data, checksum([]byte(data)))
	require.NoError(c.t, err)
}

func (c *rspClient) interrupt() {
	c.t.Helper()
	_, err := c.conn.Write([]byte{interruptByte})
	require.NoError(c.t, err)
}

// recv returns the next packet body, skipping acks, and acknowledges it.
func (c *rspClient) recv() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		b, err := c.r.ReadByte()
		require.NoError(c.t, err)
		if b == '$' {
			break
		}
	}
	body, err := c.r.ReadString('#')
	require.NoError(c.t, err)
	body = strings.TrimSuffix(body, "#")
	sum := make([]byte, 2)
	_, err = io.ReadFull(c.r, sum)
	require.NoError(c.t, err)
	assert.Equal(c.t, fmt.Sprintf("%02x", checksum([]byte(body))), string(sum))
	_, err = c.conn.Write([]byte{'+'})
	require.NoError(c.t, err)
	return body
}

func (c *rspClient) call(data string) string {
	c.t.Helper()
	c.send(data)
	return c.recv()
}

func TestPacketFraming(t *testing.T) {
	assert.Equal(t, uint8(0x9a), checksum([]byte("OK")))
	assert.Equal(t, []byte("a#b"), unescape([]byte{'a', 0x7d, '#' ^ 0x20, 'b'}))

	addr, n, err := parseAddrLen("20000100,40")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000100), addr)
	assert.Equal(t, 64, n)

	_, _, err = parseAddrLen("20000100")
	assert.Error(t, err)
}

func TestOversizedPacketIsRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := newRSPConn(server)
	defer c.Close()

	events := make(chan event, 1)
	done := make(chan struct{})
	defer close(done)
	go c.readLoop(events, done)

	body := strings.Repeat("m", packetSize+64)
	go func() {
		_, _ = fmt.Fprintf(client, "$%s#%02x", body, checksum([]byte(body)))
		_, _ = fmt.Fprintf(client, "$g#%02x", checksum([]byte("g")))
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack := make([]byte, 1)
	_, err := io.ReadFull(client, ack)
	require.NoError(t, err)
	assert.Equal(t, "-", string(ack), "a packet over PacketSize is refused")

	_, err = io.ReadFull(client, ack)
	require.NoError(t, err)
	assert.Equal(t, "+", string(ack))
	select {
	case ev := <-events:
		require.NoError(t, ev.err)
		assert.Equal(t, "g", string(ev.pkt))
	case <-time.After(2 * time.Second):
		t.Fatal("the packet after the rejected one was not delivered")
	}
}

func TestComparatorValue(t *testing.T) {
	tests := []struct {
		addr uint32
		want uint32
	}{
		{0x200, 0x40000201},
		{0x202, 0x80000201},
		{0x0800_1234, 0x4800_1235},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, comparatorValue(tt.addr), "addr 0x%x", tt.addr)
	}
}

func TestHandshake(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	assert.Contains(t, c.call("qSupported:multiprocess+;swbreak+"), "QStartNoAckMode+")
	assert.Equal(t, "OK", c.call("QStartNoAckMode"))
	assert.Equal(t, "1", c.call("qAttached"))
	assert.Equal(t, "OK", c.call("Hg0"))
	assert.Equal(t, "S02", c.call("?"))
	assert.Equal(t, "", c.call("qXfer:features:read:target.xml:0,fff"))
	assert.Equal(t, "vCont;c;C;s;S", c.call("vCont?"))

	assert.Eventually(t, func() bool { return f.srv.State() == Attached }, time.Second, 5*time.Millisecond)
	assert.True(t, f.tgt.Halted())
}

func TestSecondClientRejected(t *testing.T) {
	f := startServer(t, Options{})
	first := dial(t, f.srv.Addr())
	assert.Equal(t, "1", first.call("qAttached"))

	second := dial(t, f.srv.Addr())
	_ = second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := second.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return f.srv.Rejected() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "1", first.call("qAttached"), "first client keeps working")
	assert.Equal(t, 1, f.srv.Sessions())
}

func TestRegistersAndMemory(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	regs, err := hex.DecodeString(c.call("g"))
	require.NoError(t, err)
	require.Len(t, regs, probe.RegisterBlockSize)
	assert.Equal(t, uint32(0x100), binary.LittleEndian.Uint32(regs[probe.RegPC*4:]))

	assert.Equal(t, "OK", c.call("P0=efbeadde"))
	assert.Equal(t, "efbeadde", c.call("p0"))
	assert.Equal(t, uint32(0xdeadbeef), f.tgt.Registers().R[0])
	assert.Equal(t, "E16", c.call("p40"))

	assert.Equal(t, "OK", c.call("M20001000,4:01020304"))
	assert.Equal(t, "01020304", c.call("m20001000,4"))
	assert.Equal(t, "OK", c.call("X20001004,2:ab"))
	assert.Equal(t, []byte("ab"), f.tgt.Peek(0x20001004, 2))
	assert.Equal(t, "OK", c.call("X20001004,0:"))

	assert.Equal(t, "E0e", c.call("m10000000,4"), "unmapped memory is an error reply")
	assert.Equal(t, "E16", c.call("M20001000,4:0102"))
}

func TestRegisterAccessWhileRunning(t *testing.T) {
	f := startServer(t, Options{})
	c := dial(t, f.srv.Addr())

	assert.Equal(t, "S00", c.call("?"))
	assert.Equal(t, "E01", c.call("g"))
	assert.False(t, f.tgt.Halted())
}

func TestBreakpointContinue(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	assert.Equal(t, "OK", c.call("Z1,202,2"))
	assert.Equal(t, "S05", c.call("c"))

	regs, err := hex.DecodeString(c.call("g"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x202), binary.LittleEndian.Uint32(regs[probe.RegPC*4:]))

	assert.Equal(t, "OK", c.call("z1,202,2"))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(f.tgt.Peek(sim.FPComp0, 4)))
	assert.Equal(t, 1, f.h.MaxHolders())
}

func TestBreakpointUnitsExhausted(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true, BreakpointUnits: 1})
	c := dial(t, f.srv.Addr())

	assert.Equal(t, "OK", c.call("Z0,200,2"))
	assert.Equal(t, "OK", c.call("Z0,200,2"), "re-inserting is a no-op")
	assert.Equal(t, "E0c", c.call("Z0,300,2"))
	assert.Equal(t, "", c.call("Z2,20000000,4"), "watchpoints are unsupported")
}

func TestInterruptWhileRunning(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	c.send("vCont;c")
	assert.Eventually(t, func() bool { return !f.tgt.Halted() }, time.Second, time.Millisecond)
	c.interrupt()
	assert.Equal(t, "S02", c.recv())
	assert.True(t, f.tgt.Halted())
}

func TestStep(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	assert.Equal(t, "S05", c.call("s"))
	assert.Equal(t, uint32(0x102), f.tgt.Registers().PC())
}

func TestMonitorCommands(t *testing.T) {
	f := startServer(t, Options{})
	c := dial(t, f.srv.Addr())

	c.send("qRcmd," + hex.EncodeToString([]byte("reset halt")))
	out, err := hex.DecodeString(strings.TrimPrefix(c.recv(), "O"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "halting")
	assert.Equal(t, "OK", c.recv())
	assert.True(t, f.tgt.Halted())

	assert.Equal(t, "", c.call("qRcmd,"+hex.EncodeToString([]byte("erase all"))))
}

func TestDetachAndReattach(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())

	assert.Equal(t, "OK", c.call("Z1,200,2"))
	assert.Equal(t, "OK", c.call("D"))

	assert.Eventually(t, func() bool { return f.srv.State() == Listening }, time.Second, 5*time.Millisecond)
	assert.False(t, f.tgt.Halted(), "target runs after detach")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(f.tgt.Peek(sim.FPComp0, 4)))

	again := dial(t, f.srv.Addr())
	assert.Equal(t, "1", again.call("qAttached"))
	assert.Equal(t, 2, f.srv.Sessions())

	slot, _ := f.board.Slot("gdb")
	assert.Equal(t, status.Running, slot.State)
}

func TestPortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := probe.NewHandle(sim.New(sim.Options{}), probe.Options{})
	_, err = Listen(h, Options{Bind: ln.Addr().String()})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePortConflict, errors.GetCode(err))
}

func TestTransportLostEndsServer(t *testing.T) {
	f := startServer(t, Options{HaltOnAttach: true})
	c := dial(t, f.srv.Addr())
	assert.Equal(t, "1", c.call("qAttached"))

	f.tgt.Disconnect()
	c.send("g")

	select {
	case err := <-f.done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeTransportLost))
		f.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the probe was lost")
	}

	slot, _ := f.board.Slot("gdb")
	assert.Equal(t, status.Failed, slot.State)
	assert.Equal(t, Closed, f.srv.State())
}

func TestCancelClosesClient(t *testing.T) {
	f := startServer(t, Options{})
	c := dial(t, f.srv.Addr())
	assert.Equal(t, "1", c.call("qAttached"))

	f.srv.shutdown()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}
