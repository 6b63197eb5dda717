package rtt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/pkg/paths"
	"github.com/grovetools/embed/util/sanitize"
	"github.com/klauspost/compress/zstd"
)

// Sink receives decoded records as they are produced.
type Sink interface {
	Write(ch *Channel, recs []Record) error
	Close() error
}

// HistoryDir is where channel history files go for cfg.
func HistoryDir(cfg config.RTTConfig) string {
	if cfg.LogPath != "" {
		return cfg.LogPath
	}
	return filepath.Join(paths.StateDir(), "rtt")
}

// HistoryFile names the history file of up channel up. Text channels are
// plain lines; binary and structured channels are CBOR record streams.
func HistoryFile(dir, name string, up int, format string, compress bool) string {
	base := fmt.Sprintf("%s_channel%d", sanitize.ForKey(name), up)
	if format == "" || format == "string" {
		return filepath.Join(dir, base+".txt")
	}
	if compress {
		return filepath.Join(dir, base+".cbor.zst")
	}
	return filepath.Join(dir, base+".cbor")
}

// HistorySink mirrors every channel into a file under Dir. Files are
// truncated when first written in a session.
type HistorySink struct {
	Dir        string
	Name       string
	Compress   bool
	Timestamps bool

	mu    sync.Mutex
	files map[int]*historyFile
}

// NewHistorySink creates the sink for cfg.
func NewHistorySink(cfg config.RTTConfig) *HistorySink {
	return &HistorySink{
		Dir:        HistoryDir(cfg),
		Name:       cfg.LogName,
		Compress:   cfg.LogCompress,
		Timestamps: cfg.ShowTimestamps,
		files:      make(map[int]*historyFile),
	}
}

type historyFile struct {
	f    *os.File
	buf  *bufio.Writer
	zw   *zstd.Encoder
	enc  *cbor.Encoder
	text bool
}

func (s *HistorySink) Write(ch *Channel, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hf, err := s.open(ch)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if hf.text {
			if _, err := hf.buf.WriteString(r.Line(s.Timestamps) + "\n"); err != nil {
				return err
			}
			continue
		}
		if err := hf.enc.Encode(r); err != nil {
			return err
		}
	}
	// Text history is tailed live by `embed logs -f`.
	if hf.text {
		return hf.buf.Flush()
	}
	return nil
}

func (s *HistorySink) open(ch *Channel) (*historyFile, error) {
	if hf, ok := s.files[ch.Up()]; ok {
		return hf, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	path := HistoryFile(s.Dir, s.Name, ch.Up(), ch.Format(), s.Compress)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	hf := &historyFile{f: f, buf: bufio.NewWriter(f), text: ch.Format() == "string"}
	if !hf.text {
		var w io.Writer = hf.buf
		if strings.HasSuffix(path, ".zst") {
			hf.zw, err = zstd.NewWriter(hf.buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				f.Close()
				return nil, err
			}
			w = hf.zw
		}
		hf.enc = encMode.NewEncoder(w)
	}
	if s.files == nil {
		s.files = make(map[int]*historyFile)
	}
	s.files[ch.Up()] = hf
	return hf, nil
}

// Close flushes and closes every history file.
func (s *HistorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for up, hf := range s.files {
		if hf.zw != nil {
			keep(hf.zw.Close())
		}
		keep(hf.buf.Flush())
		keep(hf.f.Close())
		delete(s.files, up)
	}
	return firstErr
}

// ReadHistory decodes a CBOR record stream written by HistorySink.
func ReadHistory(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	dec := decMode.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("corrupt history %s: %w", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
}
