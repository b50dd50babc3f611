package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/grafana/elfhook/pkg/elfimage/elfbuilder"
)

var text = bytes.Repeat([]byte{0x90}, 0x40)

// newTestImage crafts a shared object with a text and a data segment, three
// sections, three dynamic symbols and one jump slot relocation.
//
//	sections: 0 null, 1 .text, 2 .got, 3 .bss, 4 .dynsym, 5 .dynstr, 6 .rel[a].dyn, 7 .shstrtab
func newTestImage(class elf.Class, order binary.ByteOrder, rela bool) *elfbuilder.Builder {
	machine := elf.EM_X86_64
	if class == elf.ELFCLASS32 {
		machine = elf.EM_386
	}
	b := elfbuilder.New(class, order, machine)
	b.Entry = 0x1000
	b.Rela = rela
	b.AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_X, Vaddr: 0x1000, Data: text}).
		AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_W, Vaddr: 0x2000, Data: make([]byte, 0x10), Memsz: 0x100}).
		AddSection(elfbuilder.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Size: 0x40, Addralign: 16}).
		AddSection(elfbuilder.Section{Name: ".got", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x2000, Size: 0x10, Addralign: 8}).
		AddSection(elfbuilder.Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x2010, Size: 0xf0}).
		AddSymbol(elfbuilder.Symbol{Name: "target", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: ".text", Value: 0x1000, Size: 0x10}).
		AddSymbol(elfbuilder.Symbol{Name: "counter", Bind: elf.STB_WEAK, Type: elf.STT_OBJECT, Section: ".bss", Value: 0x2010, Size: 4}).
		AddSymbol(elfbuilder.Symbol{Name: "puts", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}).
		AddRelocation(elfbuilder.Relocation{Offset: 0x2008, Symbol: "puts", Type: 7, Addend: 0})
	return b
}

func mustBuild(t *testing.T, b *elfbuilder.Builder) []byte {
	t.Helper()
	buf, err := b.Bytes()
	require.NoError(t, err)
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	testcases := []struct {
		class elf.Class
		order binary.ByteOrder
		rela  bool
	}{
		{elf.ELFCLASS64, binary.LittleEndian, true},
		{elf.ELFCLASS64, binary.BigEndian, true},
		{elf.ELFCLASS32, binary.LittleEndian, false},
		{elf.ELFCLASS32, binary.BigEndian, true},
	}
	for _, tc := range testcases {
		t.Run(fmt.Sprintf("%s/%s/rela=%v", tc.class, tc.order, tc.rela), func(t *testing.T) {
			img, err := Parse(mustBuild(t, newTestImage(tc.class, tc.order, tc.rela)))
			require.NoError(t, err)

			is64 := tc.class == elf.ELFCLASS64
			require.True(t, img.CheckMagic())
			require.Equal(t, is64, img.Is64Bit())
			require.Equal(t, tc.order == binary.LittleEndian, img.IsLittleEndian())
			require.Equal(t, tc.class, img.FileClass())
			require.Equal(t, tc.order, img.ByteOrder())
			if is64 {
				require.Equal(t, 8, img.WordSize())
				require.Equal(t, uint16(64), img.Header.Ehsize)
				require.Equal(t, elf.EM_X86_64, img.Header.Machine)
			} else {
				require.Equal(t, 4, img.WordSize())
				require.Equal(t, uint16(52), img.Header.Ehsize)
				require.Equal(t, elf.EM_386, img.Header.Machine)
			}
			require.Equal(t, elf.ET_DYN, img.Header.Type)
			require.Equal(t, uint64(0x1000), img.Header.Entry)
			require.Equal(t, uint16(2), img.Header.Phnum)
			require.Equal(t, uint16(8), img.Header.Shnum)
			require.Equal(t, uint16(7), img.Header.Shstrndx)

			require.Len(t, img.Progs, 2)
			text0 := img.Progs[0]
			require.Equal(t, elf.PT_LOAD, text0.Type)
			require.Equal(t, elf.PF_R|elf.PF_X, text0.Flags)
			require.Equal(t, uint64(0x1000), text0.Vaddr)
			require.Equal(t, uint64(0x1000), text0.Paddr)
			require.Equal(t, uint64(0x40), text0.Filesz)
			require.Equal(t, uint64(0x40), text0.Memsz)
			require.Equal(t, uint64(0x1000), text0.Align)
			require.Zero(t, text0.Off%0x1000)
			require.Equal(t, text, img.SegmentData(&img.Progs[0]))
			data := img.Progs[1]
			require.Equal(t, elf.PF_R|elf.PF_W, data.Flags)
			require.Equal(t, uint64(0x10), data.Filesz)
			require.Equal(t, uint64(0x100), data.Memsz)

			names := make([]string, 0, len(img.Sections))
			for i, s := range img.Sections {
				require.Equal(t, i, s.Index)
				names = append(names, s.Name)
			}
			relName := ".rel.dyn"
			if tc.rela {
				relName = ".rela.dyn"
			}
			require.Equal(t, []string{"", ".text", ".got", ".bss", ".dynsym", ".dynstr", relName, ".shstrtab"}, names)

			got := img.SectionByName(".got")
			require.NotNil(t, got)
			require.Equal(t, 2, got.Index)
			require.Equal(t, elf.SHT_PROGBITS, got.Type)
			require.Equal(t, elf.SHF_ALLOC|elf.SHF_WRITE, got.Flags)
			require.Equal(t, uint64(8), got.Addralign)
			require.Equal(t, text0.Off+0x1000, got.Offset)
			addr, ok := img.SectionAddr(".bss")
			require.True(t, ok)
			require.Equal(t, uint64(0x2010), addr)
			require.Nil(t, img.SectionByName(".missing"))
			_, ok = img.SectionAddr(".missing")
			require.False(t, ok)

			dynsym := img.SectionByName(".dynsym")
			require.Equal(t, uint32(5), dynsym.Link)
			require.Len(t, img.DynSyms, 4)
			require.Equal(t, Symbol{}, img.DynSyms[0])
			target := img.DynSyms[1]
			require.Equal(t, elf.STB_GLOBAL, target.Bind())
			require.Equal(t, elf.STT_FUNC, target.Type())
			require.Equal(t, elf.SectionIndex(1), target.Shndx)
			require.Equal(t, uint64(0x1000), target.Value)
			require.Equal(t, uint64(0x10), target.Size)
			require.True(t, target.Defined())
			counter := img.DynSyms[2]
			require.Equal(t, elf.STB_WEAK, counter.Bind())
			require.Equal(t, elf.STT_OBJECT, counter.Type())
			require.Equal(t, elf.SectionIndex(3), counter.Shndx)
			require.False(t, img.DynSyms[3].Defined())
			require.Equal(t, "puts", img.SymbolName(3))
			require.Equal(t, "", img.SymbolName(4))

			addr, ok = img.SymAddr("target")
			require.True(t, ok)
			require.Equal(t, uint64(0x1000), addr)
			_, ok = img.SymAddr("missing")
			require.False(t, ok)

			require.Len(t, img.Relocations, 1)
			r := img.Relocations[0]
			require.Equal(t, uint64(0x2008), r.Offset)
			require.Equal(t, uint32(3), r.Sym)
			require.Equal(t, uint32(7), r.Type)
			require.Equal(t, tc.rela, r.HasAddend)
			require.Equal(t, 6, r.Section)
			require.Equal(t, uint32(4), r.Symtab)
			require.Equal(t, []Relocation{r}, img.RelocationsFor(3))
			require.Empty(t, img.RelocationsFor(1))

			lo, hi, ok := img.LoadBounds()
			require.True(t, ok)
			require.Equal(t, uint64(0x1000), lo)
			require.Equal(t, uint64(0x2100), hi)
		})
	}
}

func TestStringLookups(t *testing.T) {
	img, err := Parse(mustBuild(t, newTestImage(elf.ELFCLASS64, binary.LittleEndian, true)))
	require.NoError(t, err)

	s, ok := img.String(0)
	require.True(t, ok)
	require.Equal(t, "", s)
	s, ok = img.String(img.Sections[1].NameIndex)
	require.True(t, ok)
	require.Equal(t, ".text", s)
	_, ok = img.String(1 << 20)
	require.False(t, ok)

	s, ok = img.DynString(img.DynSyms[1].NameIndex)
	require.True(t, ok)
	require.Equal(t, "target", s)
	// an index inside a name yields its suffix
	s, ok = img.DynString(img.DynSyms[1].NameIndex + 2)
	require.True(t, ok)
	require.Equal(t, "rget", s)
	_, ok = img.DynString(uint32(img.dynstr.Len()))
	require.False(t, ok)
}

func TestStringTableWithoutTerminator(t *testing.T) {
	st := StringTable{data: []byte("\x00abc\x00tail")}
	s, ok := st.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "abc", s)
	s, ok = st.Lookup(5)
	require.True(t, ok)
	require.Equal(t, "tail", s)
	_, ok = st.Lookup(9)
	require.False(t, ok)
	require.Equal(t, 9, st.Len())
}

func TestParseErrors(t *testing.T) {
	valid := mustBuild(t, newTestImage(elf.ELFCLASS64, binary.LittleEndian, true))
	patch := func(f func(b []byte) []byte) []byte {
		return f(bytes.Clone(valid))
	}
	img, err := Parse(valid)
	require.NoError(t, err)
	// sh_size of the first section of the given type
	sectionSize := func(typ elf.SectionType, size uint64) []byte {
		for _, s := range img.Sections {
			if s.Type == typ {
				return patch(func(b []byte) []byte {
					binary.LittleEndian.PutUint64(b[img.Header.Shoff+uint64(s.Index)*64+32:], size)
					return b
				})
			}
		}
		t.Fatalf("no section of type %s", typ)
		return nil
	}

	testcases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"not elf", []byte("#!/bin/sh\necho hello world\n")},
		{"bad magic", patch(func(b []byte) []byte { b[1] = 'e'; return b })},
		{"short ident", valid[:10]},
		{"short header", valid[:32]},
		{"bad class", patch(func(b []byte) []byte { b[elf.EI_CLASS] = 3; return b })},
		{"class none", patch(func(b []byte) []byte { b[elf.EI_CLASS] = 0; return b })},
		{"bad data", patch(func(b []byte) []byte { b[elf.EI_DATA] = 0; return b })},
		{"truncated section table", valid[:len(valid)-1]},
		{"program headers out of range", patch(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[32:], 1<<40)
			return b
		})},
		{"section headers out of range", patch(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[40:], uint64(len(b)))
			return b
		})},
		{"small phentsize", patch(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[54:], 16)
			return b
		})},
		{"segment data out of range", patch(func(b []byte) []byte {
			// p_filesz of the first program header
			binary.LittleEndian.PutUint64(b[64+32:], uint64(len(b)))
			return b
		})},
		{"dynsym size out of range", sectionSize(elf.SHT_DYNSYM, 1<<40)},
		{"dynsym size overflows", sectionSize(elf.SHT_DYNSYM, ^uint64(0)-8)},
		{"rela size out of range", sectionSize(elf.SHT_RELA, 1<<40)},
		{"shstrndx out of range", patch(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[62:], 100)
			return b
		})},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			img, err := Parse(tc.buf)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrParse)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			require.Nil(t, img)
		})
	}
}

func TestParseWithoutSections(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64)
	b.AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_X, Vaddr: 0x400000, Data: []byte{0xc3}})
	img, err := Parse(mustBuild(t, b))
	require.NoError(t, err)
	require.Empty(t, img.DynSyms)
	require.Empty(t, img.Relocations)
	_, ok := img.SymAddr("anything")
	require.False(t, ok)
	_, ok = img.DynString(0)
	require.False(t, ok)
	// only the null section and .shstrtab
	require.Len(t, img.Sections, 2)
}

func TestFirstMatchWins(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64)
	b.AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_W, Vaddr: 0x1000, Data: make([]byte, 0x20)}).
		AddSection(elfbuilder.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x1000, Size: 0x10}).
		AddSection(elfbuilder.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x1010, Size: 0x10}).
		AddSymbol(elfbuilder.Symbol{Name: "dup", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: ".data", Value: 0x1000, Size: 8}).
		AddSymbol(elfbuilder.Symbol{Name: "dup", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: ".data", Value: 0x1008, Size: 8})
	img, err := Parse(mustBuild(t, b))
	require.NoError(t, err)

	addr, ok := img.SectionAddr(".data")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), addr)
	require.Equal(t, 1, img.SectionByName(".data").Index)

	addr, ok = img.SymAddr("dup")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), addr)
	i, sym := img.LookupDynSym("dup")
	require.Equal(t, 1, i)
	require.Equal(t, uint64(0x1000), sym.Value)
}

func TestParseCopiesBuffer(t *testing.T) {
	buf := mustBuild(t, newTestImage(elf.ELFCLASS64, binary.LittleEndian, true))
	img, err := Parse(buf)
	require.NoError(t, err)
	buf[0] = 0
	require.True(t, img.CheckMagic())
	require.Equal(t, byte(0x7f), img.Bytes()[0])
}

func TestClone(t *testing.T) {
	img, err := Parse(mustBuild(t, newTestImage(elf.ELFCLASS32, binary.BigEndian, true)))
	require.NoError(t, err)
	c := img.Clone()
	require.Equal(t, img.Header, c.Header)
	require.Equal(t, img.Bytes(), c.Bytes())

	c.DynSyms[1].Value = 0xdead
	c.DynSyms[1].Loaded = true
	c.Sections[1].Name = ".changed"
	c.Progs[0].Vaddr = 0
	c.Relocations[0].Offset = 0
	c.Bytes()[0] = 0
	c.dynstr.data[1] = 'X'

	require.Equal(t, uint64(0x1000), img.DynSyms[1].Value)
	require.False(t, img.DynSyms[1].Loaded)
	require.Equal(t, ".text", img.Sections[1].Name)
	require.Equal(t, uint64(0x1000), img.Progs[0].Vaddr)
	require.Equal(t, uint64(0x2008), img.Relocations[0].Offset)
	require.True(t, img.CheckMagic())
	addr, ok := img.SymAddr("target")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), addr)
}

func TestOpenCompressed(t *testing.T) {
	buf := mustBuild(t, newTestImage(elf.ELFCLASS64, binary.LittleEndian, true))
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(buf)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := zw.EncodeAll(buf, nil)
	require.NoError(t, zw.Close())

	for name, content := range map[string][]byte{
		"plain.so":    buf,
		"image.so.gz": gz.Bytes(),
		"image.so.zs": zs,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, content, 0o644))
			img, err := Open(path)
			require.NoError(t, err)
			require.Equal(t, buf, img.Bytes())
			addr, ok := img.SymAddr("target")
			require.True(t, ok)
			require.Equal(t, uint64(0x1000), addr)
		})
	}

	_, err = Open(filepath.Join(dir, "missing.so"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestSectionData(t *testing.T) {
	img, err := Parse(mustBuild(t, newTestImage(elf.ELFCLASS64, binary.LittleEndian, true)))
	require.NoError(t, err)

	data, err := img.SectionData(img.SectionByName(".text"))
	require.NoError(t, err)
	require.Equal(t, text, data)
	data[0] = 0
	require.Equal(t, byte(0x90), img.SegmentData(&img.Progs[0])[0])

	data, err = img.SectionData(img.SectionByName(".bss"))
	require.NoError(t, err)
	require.Nil(t, data)

	data, err = img.SectionData(img.SectionByName(".dynstr"))
	require.NoError(t, err)
	require.Equal(t, "\x00target\x00counter\x00puts\x00", string(data))
}

func TestDemangledName(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64)
	b.AddSymbol(elfbuilder.Symbol{Name: "_ZN3foo3barEv", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}).
		AddSymbol(elfbuilder.Symbol{Name: "plain_c", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	img, err := Parse(mustBuild(t, b))
	require.NoError(t, err)
	require.Equal(t, "_ZN3foo3barEv", img.SymbolName(1))
	require.Equal(t, "foo::bar()", img.DemangledName(1))
	require.Equal(t, "plain_c", img.DemangledName(2))
}
