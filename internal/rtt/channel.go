package rtt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/embed/config"
)

// UnnamedChannel is shown when neither the config nor the target names a channel.
const UnnamedChannel = "Unnamed channel"

// Channel is one configured up channel, optionally paired with a down
// channel for input. Decoder state is only touched by the reader goroutine;
// everything else is safe to read from the dashboard.
type Channel struct {
	index  int
	name   string
	format string
	up     BufferDesc
	down   *BufferDesc

	decoder FrameDecoder
	state   State
	records *RecordLog

	bytesRead atomic.Uint64
	degraded  atomic.Bool
	lastErr   atomic.Pointer[string]

	pendingMu sync.Mutex
	pending   []byte
}

func newChannel(index int, cfg config.ChannelConfig, up BufferDesc, down *BufferDesc, dec FrameDecoder, maxRecords int) *Channel {
	name := cfg.Name
	if name == "" {
		name = up.Name
	}
	if name == "" {
		name = UnnamedChannel
	}
	format := cfg.Format
	if format == "" {
		format = "string"
	}
	return &Channel{
		index:   index,
		name:    name,
		format:  format,
		up:      up,
		down:    down,
		decoder: dec,
		records: NewRecordLog(maxRecords),
	}
}

// Index is the channel's position in the configured list.
func (c *Channel) Index() int { return c.index }

func (c *Channel) Name() string { return c.name }

func (c *Channel) Format() string { return c.format }

// Up is the target up-buffer index.
func (c *Channel) Up() int { return c.up.Index }

// Down returns the paired down-buffer index.
func (c *Channel) Down() (int, bool) {
	if c.down == nil {
		return 0, false
	}
	return c.down.Index, true
}

// HasInput reports whether text can be sent to the target on this channel.
func (c *Channel) HasInput() bool { return c.down != nil }

// Records is the channel's retained history.
func (c *Channel) Records() *RecordLog { return c.records }

// Degraded reports whether the last decode failed.
func (c *Channel) Degraded() bool { return c.degraded.Load() }

// LastError is the most recent decode error, kept after recovery.
func (c *Channel) LastError() string {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// BytesRead counts bytes consumed from the target.
func (c *Channel) BytesRead() uint64 { return c.bytesRead.Load() }

// ChannelState is a point-in-time summary of a channel for display.
type ChannelState struct {
	Index     int
	Name      string
	Format    string
	Up        int
	Down      int
	HasInput  bool
	Degraded  bool
	LastError string
	BytesRead uint64
	Records   int
	LastSeq   uint64
}

// State summarises the channel.
func (c *Channel) State() ChannelState {
	s := ChannelState{
		Index:     c.index,
		Name:      c.name,
		Format:    c.format,
		Up:        c.up.Index,
		Down:      -1,
		HasInput:  c.down != nil,
		Degraded:  c.Degraded(),
		LastError: c.LastError(),
		BytesRead: c.BytesRead(),
		Records:   c.records.Len(),
		LastSeq:   c.records.LastSeq(),
	}
	if c.down != nil {
		s.Down = c.down.Index
	}
	return s
}

type decodeResult struct {
	records []Record
	err     error
	// entered is set when this call started a new error episode, recovered
	// when a clean decode ended one.
	entered   bool
	recovered bool
}

// decode runs the channel's decoder over freshly read bytes.
func (c *Channel) decode(raw []byte, now time.Time) decodeResult {
	c.bytesRead.Add(uint64(len(raw)))

	var res decodeResult
	var recs []Record
	recs, c.state, res.err = c.decoder.Decode(raw, c.state)
	for i := range recs {
		recs[i].Channel = c.up.Index
		recs[i].Time = now
	}
	res.records = c.records.Append(recs)

	if res.err != nil {
		msg := res.err.Error()
		c.lastErr.Store(&msg)
		res.entered = c.degraded.CompareAndSwap(false, true)
		return res
	}
	if len(raw) > 0 {
		res.recovered = c.degraded.CompareAndSwap(true, false)
	}
	return res
}

func (c *Channel) queue(data []byte) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(c.pending, data...)
}

func (c *Channel) takePending() []byte {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// requeue puts back bytes the target had no room for, ahead of newer input.
func (c *Channel) requeue(data []byte) {
	if len(data) == 0 {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(append([]byte(nil), data...), c.pending...)
}
