package rtt

import (
	stderrors "errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// Record timestamps need sub-second precision.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("rtt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("rtt: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORDecoder reads structured log frames: a stream of CBOR maps with a
// "msg" text, an optional "level" and any further key-value fields.
type CBORDecoder struct{}

func (CBORDecoder) Decode(raw []byte, state State) ([]Record, State, error) {
	data := append(state.Partial, raw...)
	var recs []Record
	for len(data) > 0 {
		var frame map[string]interface{}
		rest, err := decMode.UnmarshalFirst(data, &frame)
		if err != nil {
			if stderrors.Is(err, io.ErrUnexpectedEOF) {
				if len(data) > maxFrame {
					return recs, State{}, fmt.Errorf("incomplete frame grew past %d bytes", maxFrame)
				}
				break
			}
			return recs, State{}, fmt.Errorf("malformed frame: %w", err)
		}
		recs = append(recs, structuredRecord(frame))
		data = rest
	}
	return recs, State{Partial: clone(data)}, nil
}

func structuredRecord(frame map[string]interface{}) Record {
	rec := Record{Kind: KindStructured}
	for k, v := range frame {
		switch k {
		case "msg", "message":
			rec.Text = fmt.Sprint(v)
		case "level", "lvl":
			rec.Level = fmt.Sprint(v)
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]interface{})
			}
			rec.Fields[k] = v
		}
	}
	return rec
}

// EncodeFrame produces one structured frame in the format CBORDecoder reads.
// Firmware-side tooling and tests use it.
func EncodeFrame(level, msg string, fields map[string]interface{}) ([]byte, error) {
	frame := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["msg"] = msg
	if level != "" {
		frame["level"] = level
	}
	return encMode.Marshal(frame)
}
