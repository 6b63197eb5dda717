package rtt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind tells which Record fields are populated.
type Kind int

const (
	KindText Kind = iota
	KindStructured
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindStructured:
		return "structured"
	default:
		return "binary"
	}
}

// Record is one decoded unit of channel output.
type Record struct {
	Channel int       `cbor:"channel" json:"channel"`
	Seq     uint64    `cbor:"seq" json:"seq"`
	Time    time.Time `cbor:"time" json:"time"`
	Kind    Kind      `cbor:"kind" json:"kind"`

	// Text is the line for text records and the message of structured ones.
	Text   string                 `cbor:"text,omitempty" json:"text,omitempty"`
	Level  string                 `cbor:"level,omitempty" json:"level,omitempty"`
	Fields map[string]interface{} `cbor:"fields,omitempty" json:"fields,omitempty"`
	Data   []byte                 `cbor:"data,omitempty" json:"data,omitempty"`
	// Values holds little-endian f32 samples of four-byte binary frames.
	Values []float32 `cbor:"values,omitempty" json:"values,omitempty"`
}

// TimestampFormat prefixes records when timestamps are shown.
const TimestampFormat = "15:04:05.000"

// Line renders the record as one display line.
func (r Record) Line(timestamps bool) string {
	var b strings.Builder
	if timestamps && !r.Time.IsZero() {
		b.WriteString(r.Time.Format(TimestampFormat))
		b.WriteByte(' ')
	}
	switch r.Kind {
	case KindText:
		b.WriteString(r.Text)
	case KindStructured:
		if r.Level != "" {
			fmt.Fprintf(&b, "%-5s ", strings.ToUpper(r.Level))
		}
		b.WriteString(r.Text)
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, r.Fields[k])
		}
	case KindBinary:
		if len(r.Values) > 0 {
			for i, v := range r.Values {
				if i > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(strconv.FormatFloat(float64(v), 'g', 6, 32))
			}
		} else {
			fmt.Fprintf(&b, "% x", r.Data)
		}
	}
	return b.String()
}

// RecordLog is the bounded, append-only record history of one channel.
// Sequence numbers start at 1 and never repeat; the oldest records are
// evicted first once capacity is reached.
type RecordLog struct {
	mu       sync.RWMutex
	records  []Record
	start    int
	count    int
	capacity int
	lastSeq  uint64
}

// NewRecordLog creates a log retaining up to capacity records.
func NewRecordLog(capacity int) *RecordLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecordLog{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Append assigns sequence numbers to recs and stores them. The stamped
// records are returned.
func (l *RecordLog) Append(recs []Record) []Record {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(recs))
	for i, r := range recs {
		l.lastSeq++
		r.Seq = l.lastSeq
		out[i] = r

		pos := (l.start + l.count) % l.capacity
		l.records[pos] = r
		if l.count < l.capacity {
			l.count++
		} else {
			l.start = (l.start + 1) % l.capacity
		}
	}
	return out
}

// Since returns retained records with Seq greater than seq, oldest first.
// A reader that fell behind the retention window gets everything retained.
func (l *RecordLog) Since(seq uint64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= l.lastSeq || l.count == 0 {
		return nil
	}
	oldest := l.lastSeq - uint64(l.count) + 1
	skip := 0
	if seq >= oldest {
		skip = int(seq - oldest + 1)
	}
	out := make([]Record, 0, l.count-skip)
	for i := skip; i < l.count; i++ {
		out = append(out, l.records[(l.start+i)%l.capacity])
	}
	return out
}

// LastSeq is the sequence number of the newest record, zero when empty.
func (l *RecordLog) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Len is the number of retained records.
func (l *RecordLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
