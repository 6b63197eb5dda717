// Package testutil builds on-disk fixtures shared by package tests:
// firmware images and project config files.
package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// Segment is one loadable region of a test firmware image.
type Segment struct {
	Addr uint32
	Data []byte
}

// WriteELF writes a minimal 32-bit little-endian ARM executable with one
// PT_LOAD program header per segment and a symbol table, and returns its path.
func WriteELF(t *testing.T, dir, name string, entry uint32, segments []Segment, symbols map[string]uint32) string {
	t.Helper()

	const (
		ehdrSize = 52
		phdrSize = 32
		shdrSize = 40
		symSize  = 16
	)

	var data bytes.Buffer
	dataOff := uint32(ehdrSize + phdrSize*len(segments))
	progs := make([]elf.Prog32, 0, len(segments))
	for _, seg := range segments {
		off := dataOff + uint32(data.Len())
		data.Write(seg.Data)
		for data.Len()%4 != 0 {
			data.WriteByte(0)
		}
		progs = append(progs, elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  seg.Addr,
			Paddr:  seg.Addr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  uint32(len(seg.Data)),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Align:  4,
		})
	}

	names := make([]string, 0, len(symbols))
	for n := range symbols {
		names = append(names, n)
	}
	sort.Strings(names)

	strtab := []byte{0}
	var symtab bytes.Buffer
	writeLE(t, &symtab, elf.Sym32{})
	for _, n := range names {
		nameOff := uint32(len(strtab))
		strtab = append(append(strtab, n...), 0)
		writeLE(t, &symtab, elf.Sym32{
			Name:  nameOff,
			Value: symbols[n],
			Size:  4,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
			Shndx: uint16(elf.SHN_ABS),
		})
	}
	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

	symtabOff := dataOff + uint32(data.Len())
	strtabOff := symtabOff + uint32(symtab.Len())
	shstrtabOff := strtabOff + uint32(len(strtab))
	shOff := shstrtabOff + uint32(len(shstrtab))
	for shOff%4 != 0 {
		shOff++
	}

	sections := []elf.Section32{
		{},
		{Name: 1, Type: uint32(elf.SHT_SYMTAB), Off: symtabOff, Size: uint32(symtab.Len()), Link: 2, Info: 1, Addralign: 4, Entsize: symSize},
		{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: strtabOff, Size: uint32(len(strtab)), Addralign: 1},
		{Name: 17, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint32(len(shstrtab)), Addralign: 1},
	}

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehdrSize,
		Shoff:     shOff,
		Flags:     0x05000000,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(progs)),
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  3,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	writeLE(t, &out, hdr)
	for _, p := range progs {
		writeLE(t, &out, p)
	}
	out.Write(data.Bytes())
	out.Write(symtab.Bytes())
	out.Write(strtab)
	out.Write(shstrtab)
	for uint32(out.Len()) < shOff {
		out.WriteByte(0)
	}
	for _, s := range sections {
		writeLE(t, &out, s)
	}

	return WriteFile(t, dir, name, out.Bytes())
}

// WriteFile writes content under dir and returns the path.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// WriteProjectConfig writes an Embed.toml into dir.
func WriteProjectConfig(t *testing.T, dir, content string) string {
	t.Helper()
	return WriteFile(t, dir, "Embed.toml", []byte(content))
}

// IsolateHome points every embed state, cache and config directory at a
// temporary directory for the duration of the test.
func IsolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("EMBED_HOME", home)
	return home
}

func writeLE(t *testing.T, buf *bytes.Buffer, v interface{}) {
	t.Helper()
	require.NoError(t, binary.Write(buf, binary.LittleEndian, v))
}
