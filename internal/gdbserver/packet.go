package gdbserver

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

// interruptByte is sent by GDB outside any packet to stop a running target.
const interruptByte = 0x03

// event is one unit read from the client: a packet, an interrupt or the end
// of the stream.
type event struct {
	pkt       []byte
	interrupt bool
	err       error
}

// rspConn frames GDB remote serial protocol packets over one connection.
// A single goroutine reads (readLoop); writes may come from the reader
// (acks) and the request handler, so they are serialised.
type rspConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu   sync.Mutex
	noAck bool
}

func newRSPConn(conn net.Conn) *rspConn {
	return &rspConn{conn: conn, r: bufio.NewReader(conn)}
}

// readLoop parses the incoming stream and delivers events until the
// connection fails. Valid packets are acknowledged with '+', corrupt ones
// with '-' so GDB retransmits.
func (c *rspConn) readLoop(events chan<- event, done <-chan struct{}) {
	defer close(events)
	deliver := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			deliver(event{err: err})
			return
		}
		switch b {
		case interruptByte:
			if !deliver(event{interrupt: true}) {
				return
			}
		case '$':
			pkt, ok, err := c.readBody()
			if err != nil {
				deliver(event{err: err})
				return
			}
			if !ok {
				if err := c.ack(false); err != nil {
					deliver(event{err: err})
					return
				}
				continue
			}
			if err := c.ack(true); err != nil {
				deliver(event{err: err})
				return
			}
			if !deliver(event{pkt: pkt}) {
				return
			}
		default:
			// '+', '-' and line noise between packets.
		}
	}
}

// readBody reads "data#cs" after the leading '$'. A body longer than the
// advertised PacketSize is drained and rejected.
func (c *rspConn) readBody() ([]byte, bool, error) {
	var pkt []byte
	oversized := false
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, false, err
		}
		if b == '#' {
			break
		}
		if len(pkt) >= packetSize {
			oversized = true
			continue
		}
		pkt = append(pkt, b)
	}
	var sum [2]byte
	if _, err := io.ReadFull(c.r, sum[:]); err != nil {
		return nil, false, err
	}
	if oversized {
		return nil, false, nil
	}
	remote, err := strconv.ParseUint(string(sum[:]), 16, 8)
	if err != nil || uint8(remote) != checksum(pkt) {
		return nil, false, nil
	}
	return unescape(pkt), true, nil
}

func (c *rspConn) ack(ok bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.noAck {
		return nil
	}
	b := byte('+')
	if !ok {
		b = '-'
	}
	_, err := c.conn.Write([]byte{b})
	return err
}

// send writes one packet. Acknowledgements from GDB are consumed by
// readLoop; a '-' is rare on TCP and the retransmit is left to GDB's timeout.
func (c *rspConn) send(data string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := fmt.Fprintf(c.conn, "$%s#%02x", data, checksum([]byte(data)))
	return err
}

func (c *rspConn) setNoAck() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.noAck = true
}

func (c *rspConn) Close() error {
	return c.conn.Close()
}

func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// unescape removes '}' escapes used by binary packets such as X.
func unescape(in []byte) []byte {
	if !bytes.ContainsRune(in, 0x7d) {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] == 0x7d && i+1 < len(in) {
			i++
			out = append(out, in[i]^0x20)
			continue
		}
		out = append(out, in[i])
	}
	return out
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// parseAddrLen parses "addr,length" in hex.
func parseAddrLen(s string) (uint32, int, error) {
	a, l, ok := bytes.Cut([]byte(s), []byte(","))
	if !ok {
		return 0, 0, fmt.Errorf("expected addr,length: %q", s)
	}
	addr, err := strconv.ParseUint(string(a), 16, 32)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(string(l), 16, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(addr), int(n), nil
}
