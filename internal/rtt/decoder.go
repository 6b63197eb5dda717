package rtt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/grovetools/embed/config"
)

// State is what a decoder carries between polls: bytes that did not yet form
// a complete unit.
type State struct {
	Partial []byte
}

// FrameDecoder turns raw channel bytes into records. Incomplete input is
// returned in the next State; an error means the input was malformed and
// the state was reset.
type FrameDecoder interface {
	Decode(raw []byte, state State) ([]Record, State, error)
}

// maxLine bounds a text line that never sees its newline.
const maxLine = 4096

// maxFrame bounds a length-prefixed frame and a pending structured frame.
const maxFrame = 4096

// NewDecoder picks the decoder for a channel. The choice is made once; the
// reader never switches decoders.
func NewDecoder(ch config.ChannelConfig) (FrameDecoder, error) {
	switch ch.Format {
	case "", "string":
		return StringDecoder{}, nil
	case "binary":
		if ch.LengthPrefixed {
			return LengthPrefixedDecoder{}, nil
		}
		if ch.FrameSize <= 0 {
			return nil, fmt.Errorf("binary channel %d needs a frame size", ch.Up)
		}
		return BinaryDecoder{FrameSize: ch.FrameSize}, nil
	case "defmt":
		if ch.Decoder != "" && ch.Decoder != "cbor" {
			return nil, fmt.Errorf("unknown frame decoder %q", ch.Decoder)
		}
		return CBORDecoder{}, nil
	}
	return nil, fmt.Errorf("unknown channel format %q", ch.Format)
}

// StringDecoder splits text on newlines. A trailing carriage return is
// dropped and an unterminated tail waits for the next poll.
type StringDecoder struct{}

func (StringDecoder) Decode(raw []byte, state State) ([]Record, State, error) {
	data := append(state.Partial, raw...)
	var recs []Record
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		recs = append(recs, textRecord(data[:i]))
		data = data[i+1:]
	}
	if len(data) > maxLine {
		recs = append(recs, textRecord(data))
		data = nil
	}
	return recs, State{Partial: clone(data)}, nil
}

func textRecord(line []byte) Record {
	s := strings.TrimSuffix(string(line), "\r")
	return Record{Kind: KindText, Text: strings.ToValidUTF8(s, "�")}
}

// BinaryDecoder cuts the stream into fixed-size frames. Four-byte frames
// also carry their little-endian f32 value.
type BinaryDecoder struct {
	FrameSize int
}

func (d BinaryDecoder) Decode(raw []byte, state State) ([]Record, State, error) {
	if d.FrameSize <= 0 {
		return nil, State{}, fmt.Errorf("invalid frame size %d", d.FrameSize)
	}
	data := append(state.Partial, raw...)
	var recs []Record
	for len(data) >= d.FrameSize {
		frame := clone(data[:d.FrameSize])
		rec := Record{Kind: KindBinary, Data: frame}
		if d.FrameSize == 4 {
			rec.Values = []float32{math.Float32frombits(binary.LittleEndian.Uint32(frame))}
		}
		recs = append(recs, rec)
		data = data[d.FrameSize:]
	}
	return recs, State{Partial: clone(data)}, nil
}

// LengthPrefixedDecoder reads frames preceded by a little-endian u16 length.
type LengthPrefixedDecoder struct{}

func (LengthPrefixedDecoder) Decode(raw []byte, state State) ([]Record, State, error) {
	data := append(state.Partial, raw...)
	var recs []Record
	for len(data) >= 2 {
		n := int(binary.LittleEndian.Uint16(data))
		if n > maxFrame {
			return recs, State{}, fmt.Errorf("frame length %d exceeds %d", n, maxFrame)
		}
		if len(data) < 2+n {
			break
		}
		if n > 0 {
			recs = append(recs, Record{Kind: KindBinary, Data: clone(data[2 : 2+n])})
		}
		data = data[2+n:]
	}
	return recs, State{Partial: clone(data)}, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
