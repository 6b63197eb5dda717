package rtt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/sirupsen/logrus"
)

// Options wire a Reader into a session.
type Options struct {
	// Symbol is the address of _SEGGER_RTT from the firmware image, if known.
	Symbol uint32
	// Sink receives every decoded record, e.g. the history files.
	Sink   Sink
	Status *status.Writer
	Logger *logrus.Entry
	// Now stamps records. Defaults to time.Now.
	Now func() time.Time
}

// Reader polls the configured channels through the probe handle. Each
// channel read is one short critical section; decoding happens after the
// handle is released.
type Reader struct {
	h    *probe.Handle
	cfg  config.RTTConfig
	opts Options
	log  *logrus.Entry

	mu       sync.RWMutex
	cb       *ControlBlock
	channels []*Channel

	ready     chan struct{}
	readyOnce sync.Once
	polls     atomic.Uint64

	// probeTrouble is set while transient probe errors keep the slot degraded.
	probeTrouble bool
	// missing is set when configured up channels do not exist on the target.
	missing bool
}

// New creates a reader. Nothing touches the target until Setup or Run.
func New(h *probe.Handle, cfg config.RTTConfig, opts Options) *Reader {
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("rtt")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reader{
		h:     h,
		cfg:   cfg,
		opts:  opts,
		log:   log,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the channels are known.
func (r *Reader) Ready() <-chan struct{} { return r.ready }

// Channels returns the active channels, nil before setup completed.
func (r *Reader) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels
}

// ControlBlock returns the located control block, nil before setup.
func (r *Reader) ControlBlock() *ControlBlock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cb
}

// Polls counts completed polling passes.
func (r *Reader) Polls() uint64 { return r.polls.Load() }

// Run locates the control block and polls until ctx ends. It returns nil on
// cancellation and the error that stopped it otherwise.
func (r *Reader) Run(ctx context.Context) error {
	st := r.opts.Status
	defer r.closeSink()

	if err := r.Setup(ctx); err != nil {
		if ctx.Err() != nil {
			st.Stop()
			return nil
		}
		r.log.WithError(err).Error("RTT setup failed")
		st.Fail(err)
		return err
	}

	interval := r.cfg.PollInterval.Std()
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log.WithError(err).Error("RTT polling stopped")
			st.Fail(err)
			return err
		}
		select {
		case <-ctx.Done():
			st.Stop()
			return nil
		case <-ticker.C:
		}
	}
	st.Stop()
	return nil
}

// Setup locates the control block and builds the channel list.
func (r *Reader) Setup(ctx context.Context) error {
	cb, err := Locate(ctx, r.h, Locator{
		Address:   uint32(r.cfg.ControlBlockAddress),
		Symbol:    r.opts.Symbol,
		ScanStart: uint32(r.cfg.ScanRegion.Start),
		ScanSize:  r.cfg.ScanRegion.Size,
		Timeout:   r.cfg.SetupTimeout.Std(),
		Retry:     r.cfg.PollInterval.Std(),
	})
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"address": fmt.Sprintf("0x%08x", cb.Addr),
		"up":      len(cb.Up),
		"down":    len(cb.Down),
	}).Info("RTT control block found")

	channels, missing, err := r.buildChannels(cb)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cb = cb
	r.channels = channels
	r.missing = len(missing) > 0
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	detail := fmt.Sprintf("%d channel(s)", len(channels))
	if len(missing) > 0 {
		r.opts.Status.Degrade(errors.Newf(errors.ErrCodePreconditionFailed,
			"target has no up buffer(s) %v", missing))
		r.opts.Status.Set(status.Degraded, detail)
	} else {
		r.opts.Status.Running(detail)
	}
	return nil
}

func (r *Reader) buildChannels(cb *ControlBlock) ([]*Channel, []int, error) {
	cfgs := r.cfg.Channels
	if len(cfgs) == 0 {
		for i := range cb.Up {
			cc := config.ChannelConfig{Up: i, Format: "string"}
			if i < len(cb.Down) {
				down := i
				cc.Down = &down
			}
			cfgs = append(cfgs, cc)
		}
	}

	maxRecords := r.cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = config.DefaultMaxRecords
	}

	var channels []*Channel
	var missing []int
	for _, cc := range cfgs {
		if cc.Up < 0 || cc.Up >= len(cb.Up) {
			r.log.WithField("up", cc.Up).Warn("Configured up channel does not exist on target")
			missing = append(missing, cc.Up)
			continue
		}
		var down *BufferDesc
		if cc.Down != nil {
			if *cc.Down < len(cb.Down) {
				d := cb.Down[*cc.Down]
				down = &d
			} else {
				r.log.WithField("down", *cc.Down).Warn("Configured down channel does not exist on target")
			}
		}
		dec, err := NewDecoder(cc)
		if err != nil {
			return nil, nil, errors.ConfigInvalid(err.Error())
		}
		channels = append(channels, newChannel(len(channels), cc, cb.Up[cc.Up], down, dec, maxRecords))
	}
	return channels, missing, nil
}

// Poll reads every channel once. Zero new bytes is not an error. Only
// errors that end the reader are returned; decode and transient probe
// errors degrade the channel and polling continues.
func (r *Reader) Poll(ctx context.Context) error {
	st := r.opts.Status
	troubled := false

	for _, ch := range r.Channels() {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.writeDown(ctx, ch); err != nil {
			if stop(err) {
				return err
			}
			r.log.WithError(err).WithField("channel", ch.Name()).Warn("RTT down channel write failed")
		}

		raw, err := r.readUp(ctx, ch)
		if err != nil {
			if stop(err) {
				return err
			}
			troubled = true
			if !r.probeTrouble {
				r.log.WithError(err).WithField("channel", ch.Name()).Warn("RTT channel read failed")
				st.Degrade(err)
			}
			continue
		}

		res := ch.decode(raw, r.opts.Now())
		if len(res.records) > 0 && r.opts.Sink != nil {
			if err := r.opts.Sink.Write(ch, res.records); err != nil {
				r.log.WithError(err).WithField("channel", ch.Name()).Debug("RTT history write failed")
			}
		}
		if res.entered {
			decErr := errors.DecodeFailed(ch.Name(), res.err)
			r.log.WithError(res.err).WithField("channel", ch.Name()).Warn("RTT channel degraded")
			st.Degrade(decErr)
		}
		if res.recovered {
			r.log.WithField("channel", ch.Name()).Info("RTT channel recovered")
		}
	}

	r.probeTrouble = troubled
	if !troubled && r.healthy() && st.Current().State == status.Degraded {
		st.Running(fmt.Sprintf("%d channel(s)", len(r.Channels())))
	}
	r.polls.Add(1)
	return nil
}

// healthy reports whether nothing currently justifies a degraded slot.
func (r *Reader) healthy() bool {
	if r.missing {
		return false
	}
	for _, ch := range r.Channels() {
		if ch.Degraded() {
			return false
		}
	}
	return true
}

// Send queues text for the channel's down buffer. It is written on the next
// poll; what does not fit waits for the target to drain.
func (r *Reader) Send(index int, text string) error {
	channels := r.Channels()
	if index < 0 || index >= len(channels) {
		return errors.Newf(errors.ErrCodeInvalidInput, "no RTT channel %d", index)
	}
	ch := channels[index]
	if !ch.HasInput() {
		return errors.Newf(errors.ErrCodeInvalidInput, "channel %s has no down buffer", ch.Name())
	}
	ch.queue([]byte(text))
	return nil
}

func (r *Reader) readUp(ctx context.Context, ch *Channel) ([]byte, error) {
	var out []byte
	err := r.h.Do(ctx, func(a *probe.Access) (err error) {
		if r.cfg.HaltWhilePolling {
			var resume bool
			resume, err = haltForRead(ctx, a)
			if err != nil {
				return err
			}
			if resume {
				defer func() {
					if rerr := a.Resume(ctx); rerr != nil && err == nil {
						err = rerr
					}
				}()
			}
		}

		desc, err := a.ReadMemory(ctx, ch.up.Addr, descSize)
		if err != nil {
			return err
		}
		buf, size, wr, rd, err := parseRing(desc, ch.up.Addr)
		if err != nil {
			return err
		}
		if wr == rd {
			return nil
		}

		if wr > rd {
			out, err = a.ReadMemory(ctx, buf+rd, int(wr-rd))
			if err != nil {
				return err
			}
		} else {
			out, err = a.ReadMemory(ctx, buf+rd, int(size-rd))
			if err != nil {
				return err
			}
			if wr > 0 {
				head, err := a.ReadMemory(ctx, buf, int(wr))
				if err != nil {
					return err
				}
				out = append(out, head...)
			}
		}
		// Hand exactly the consumed bytes back to the firmware.
		return a.WriteMemory(ctx, ch.up.Addr+offRdOff, le32(wr))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) writeDown(ctx context.Context, ch *Channel) error {
	if !ch.HasInput() {
		return nil
	}
	data := ch.takePending()
	if len(data) == 0 {
		return nil
	}

	written := 0
	err := r.h.Do(ctx, func(a *probe.Access) error {
		desc, err := a.ReadMemory(ctx, ch.down.Addr, descSize)
		if err != nil {
			return err
		}
		buf, size, wr, rd, err := parseRing(desc, ch.down.Addr)
		if err != nil {
			return err
		}
		n := int((rd + size - wr - 1) % size)
		if n > len(data) {
			n = len(data)
		}
		if n == 0 {
			return nil
		}
		first := n
		if tail := int(size - wr); first > tail {
			first = tail
		}
		if err := a.WriteMemory(ctx, buf+wr, data[:first]); err != nil {
			return err
		}
		if n > first {
			if err := a.WriteMemory(ctx, buf, data[first:n]); err != nil {
				return err
			}
		}
		if err := a.WriteMemory(ctx, ch.down.Addr+offWrOff, le32((wr+uint32(n))%size)); err != nil {
			return err
		}
		written = n
		return nil
	})
	ch.requeue(data[written:])
	return err
}

// haltForRead halts a running core and reports whether it must be resumed.
func haltForRead(ctx context.Context, a *probe.Access) (bool, error) {
	st, err := a.Status(ctx)
	if err != nil {
		return false, err
	}
	if st.State == probe.CoreHalted {
		return false, nil
	}
	if err := a.Halt(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func parseRing(desc []byte, addr uint32) (buf, size, wr, rd uint32, err error) {
	buf = binary.LittleEndian.Uint32(desc[offBuffer:])
	size = binary.LittleEndian.Uint32(desc[offSize:])
	wr = binary.LittleEndian.Uint32(desc[offWrOff:])
	rd = binary.LittleEndian.Uint32(desc[offRdOff:])
	if size == 0 || wr >= size || rd >= size {
		return 0, 0, 0, 0, errors.ProtocolError(fmt.Sprintf(
			"corrupt RTT descriptor at 0x%08x (size %d, wr %d, rd %d)", addr, size, wr, rd))
	}
	return buf, size, wr, rd, nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// stop reports errors that end polling.
func stop(err error) bool {
	return errors.IsFatal(err) || errors.Is(err, errors.ErrCodeDetached)
}

func (r *Reader) closeSink() {
	if r.opts.Sink == nil {
		return
	}
	if err := r.opts.Sink.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close RTT history")
	}
}
