// Package flash programs a firmware image into the target through the probe
// handle, then resets it.
package flash

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// RTTSymbol is the firmware symbol holding the RTT control block.
const RTTSymbol = "_SEGGER_RTT"

// Segment is one contiguous region to program.
type Segment struct {
	Addr uint32
	Data []byte
}

// Image is a loaded firmware image.
type Image struct {
	Path     string
	Format   string
	Entry    uint32
	Segments []Segment
	Symbols  map[string]uint32
}

// Size is the number of bytes to program.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Symbol returns the address of a named symbol from the ELF symbol table.
func (img *Image) Symbol(name string) (uint32, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok
}

// Digest is a BLAKE3 hash over the segment addresses and contents, so the
// same bytes linked at a different address count as a different image.
func (img *Image) Digest() string {
	h := blake3.New()
	var addr [4]byte
	for _, s := range img.Segments {
		binary.LittleEndian.PutUint32(addr[:], s.Addr)
		h.Write(addr[:])
		h.Write(s.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LoadImage reads an ELF or raw binary image. Format "auto" sniffs the ELF
// magic; raw binaries are placed at base.
func LoadImage(path, format string, base uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if format == "" || format == "auto" {
		format = "bin"
		if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
			format = "elf"
		}
	}

	switch format {
	case "elf":
		img, err := parseELF(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ELF %s: %w", path, err)
		}
		img.Path = path
		return img, nil
	case "bin":
		if len(data) == 0 {
			return nil, fmt.Errorf("image %s is empty", path)
		}
		return &Image{
			Path:     path,
			Format:   "bin",
			Entry:    base,
			Segments: []Segment{{Addr: base, Data: data}},
		}, nil
	}
	return nil, fmt.Errorf("unknown image format %q", format)
}

func parseELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("expected a 32-bit image, got %s", f.Class)
	}

	img := &Image{Format: "elf", Entry: uint32(f.Entry), Symbols: make(map[string]uint32)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		seg, err := io.ReadAll(p.Open())
		if err != nil {
			return nil, err
		}
		// Program the load address, which differs from the run address for
		// initialised data copied to RAM at startup.
		img.Segments = append(img.Segments, Segment{Addr: uint32(p.Paddr), Data: seg})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments")
	}
	sort.Slice(img.Segments, func(i, j int) bool { return img.Segments[i].Addr < img.Segments[j].Addr })

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	for _, s := range syms {
		if s.Name != "" {
			img.Symbols[s.Name] = uint32(s.Value)
		}
	}
	return img, nil
}

// LookupSymbol loads just enough of an ELF image to resolve one symbol.
func LookupSymbol(path, name string) (uint32, bool) {
	img, err := LoadImage(path, "elf", 0)
	if err != nil {
		return 0, false
	}
	return img.Symbol(name)
}
