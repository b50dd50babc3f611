package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Image is a parsed ELF shared object. It owns the raw bytes and every table
// decoded from them; nothing is shared with the buffer passed to Parse.
type Image struct {
	Header      Header
	Progs       []ProgramHeader
	Sections    []SectionHeader
	DynSyms     []Symbol
	Relocations []Relocation

	raw    []byte
	order  binary.ByteOrder
	codec  codec
	strtab StringTable
	dynstr StringTable
	dynsym int // section index of the dynamic symbol table, -1 if absent
}

// Open reads and parses the image at path. gzip and zstd compressed images
// are decompressed first.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := NewFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return img, nil
}

func NewFromReader(r io.Reader) (*Image, error) {
	buf, err := readImage(r)
	if err != nil {
		return nil, err
	}
	return parse(buf)
}

// Parse decodes buf. The buffer is copied.
func Parse(buf []byte) (*Image, error) {
	return parse(bytes.Clone(buf))
}

func parse(buf []byte) (*Image, error) {
	f := &Image{raw: buf, dynsym: -1}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if err := f.parseProgs(); err != nil {
		return nil, err
	}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	if err := f.parseDynSyms(); err != nil {
		return nil, err
	}
	if err := f.parseRelocations(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Image) parseHeader() error {
	if len(f.raw) < elf.EI_NIDENT {
		return parseErr(0, "buffer shorter than ELF ident", len(f.raw))
	}
	if !bytes.Equal(f.raw[:len(elfMagic)], elfMagic) {
		return parseErr(0, "bad magic number", f.raw[:len(elfMagic)])
	}
	class := elf.Class(f.raw[elf.EI_CLASS])
	f.codec = codecFor(class)
	if f.codec == nil {
		return parseErr(elf.EI_CLASS, "unknown ELF class", class)
	}
	switch data := elf.Data(f.raw[elf.EI_DATA]); data {
	case elf.ELFDATA2LSB:
		f.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.order = binary.BigEndian
	default:
		return parseErr(elf.EI_DATA, "unknown ELF data encoding", data)
	}
	b, err := f.entry(0, f.codec.headerSize())
	if err != nil {
		return err
	}
	if f.Header, err = f.codec.header(b, f.order); err != nil {
		return parseErr(0, "decoding header: "+err.Error(), nil)
	}
	return nil
}

func (f *Image) parseProgs() error {
	h := &f.Header
	if h.Phnum == 0 {
		return nil
	}
	if int(h.Phentsize) < f.codec.progSize() {
		return parseErr(h.Phoff, "invalid program header entry size", h.Phentsize)
	}
	f.Progs = make([]ProgramHeader, 0, h.Phnum)
	for i := 0; i < int(h.Phnum); i++ {
		off := h.Phoff + uint64(i)*uint64(h.Phentsize)
		b, err := f.entry(off, f.codec.progSize())
		if err != nil {
			return err
		}
		p, err := f.codec.prog(b, f.order)
		if err != nil {
			return parseErr(off, "decoding program header: "+err.Error(), nil)
		}
		if p.Type == elf.PT_LOAD {
			if _, err := f.entry(p.Off, int(p.Filesz)); err != nil {
				return parseErr(off, "loadable segment data out of bounds", i)
			}
		}
		f.Progs = append(f.Progs, p)
	}
	return nil
}

func (f *Image) parseSections() error {
	h := &f.Header
	if h.Shnum == 0 {
		return nil
	}
	if int(h.Shentsize) < f.codec.sectionSize() {
		return parseErr(h.Shoff, "invalid section header entry size", h.Shentsize)
	}
	f.Sections = make([]SectionHeader, 0, h.Shnum)
	for i := 0; i < int(h.Shnum); i++ {
		off := h.Shoff + uint64(i)*uint64(h.Shentsize)
		b, err := f.entry(off, f.codec.sectionSize())
		if err != nil {
			return err
		}
		s, err := f.codec.section(b, f.order)
		if err != nil {
			return parseErr(off, "decoding section header: "+err.Error(), nil)
		}
		s.Index = i
		f.Sections = append(f.Sections, s)
	}

	if h.Shstrndx != uint16(elf.SHN_UNDEF) {
		if int(h.Shstrndx) >= len(f.Sections) {
			return parseErr(h.Shoff, "invalid section name string table index", h.Shstrndx)
		}
		data, err := f.SectionData(&f.Sections[h.Shstrndx])
		if err != nil {
			return err
		}
		f.strtab = StringTable{data: data}
	}
	for i := range f.Sections {
		f.Sections[i].Name, _ = f.strtab.Lookup(f.Sections[i].NameIndex)
	}
	return nil
}

func (f *Image) parseDynSyms() error {
	var symtab *SectionHeader
	for i := range f.Sections {
		if f.Sections[i].Type == elf.SHT_DYNSYM {
			symtab = &f.Sections[i]
			break
		}
	}
	if symtab == nil {
		return nil
	}
	f.dynsym = symtab.Index
	if int(symtab.Link) >= len(f.Sections) {
		return parseErr(symtab.Offset, "dynamic string table link out of range", symtab.Link)
	}
	strs, err := f.SectionData(&f.Sections[symtab.Link])
	if err != nil {
		return err
	}
	f.dynstr = StringTable{data: strs}

	entsize := f.entsize(symtab, f.codec.symSize())
	if entsize < f.codec.symSize() {
		return parseErr(symtab.Offset, "invalid symbol entry size", symtab.Entsize)
	}
	if err := f.checkTable(symtab); err != nil {
		return err
	}
	n := symtab.Size / uint64(entsize)
	f.DynSyms = make([]Symbol, 0, n)
	for i := uint64(0); i < n; i++ {
		off := symtab.Offset + i*uint64(entsize)
		b, err := f.entry(off, f.codec.symSize())
		if err != nil {
			return err
		}
		sym, err := f.codec.sym(b, f.order)
		if err != nil {
			return parseErr(off, "decoding symbol: "+err.Error(), nil)
		}
		f.DynSyms = append(f.DynSyms, sym)
	}
	return nil
}

func (f *Image) parseRelocations() error {
	for i := range f.Sections {
		s := &f.Sections[i]
		var withAddend bool
		switch s.Type {
		case elf.SHT_RELA:
			withAddend = true
		case elf.SHT_REL:
		default:
			continue
		}
		size := f.codec.relSize(withAddend)
		entsize := f.entsize(s, size)
		if entsize < size {
			return parseErr(s.Offset, "invalid relocation entry size", s.Entsize)
		}
		if err := f.checkTable(s); err != nil {
			return err
		}
		n := s.Size / uint64(entsize)
		for j := uint64(0); j < n; j++ {
			off := s.Offset + j*uint64(entsize)
			b, err := f.entry(off, size)
			if err != nil {
				return err
			}
			r, err := f.codec.rel(b, f.order, withAddend)
			if err != nil {
				return parseErr(off, "decoding relocation: "+err.Error(), nil)
			}
			r.Section = s.Index
			r.Symtab = s.Link
			f.Relocations = append(f.Relocations, r)
		}
	}
	return nil
}

func (f *Image) entsize(s *SectionHeader, def int) int {
	if s.Entsize == 0 {
		return def
	}
	if s.Entsize > uint64(len(f.raw)) {
		return -1
	}
	return int(s.Entsize)
}

// checkTable fails when the contents of a table section extend past the
// buffer.
func (f *Image) checkTable(s *SectionHeader) error {
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.raw)) {
		return parseErr(s.Offset, "section "+s.Name+" extends past end of buffer", s.Size)
	}
	return nil
}

// entry returns raw[off:off+size], failing instead of truncating.
func (f *Image) entry(off uint64, size int) ([]byte, error) {
	end := off + uint64(size)
	if size < 0 || end < off || end > uint64(len(f.raw)) {
		return nil, parseErr(off, "read past end of buffer", size)
	}
	return f.raw[off:end], nil
}

// SectionData returns a copy of the section's file contents. SHT_NOBITS
// sections have none.
func (f *Image) SectionData(s *SectionHeader) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	if s.Size > uint64(len(f.raw)) {
		return nil, parseErr(s.Offset, "section size out of range", s.Size)
	}
	b, err := f.entry(s.Offset, int(s.Size))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// SegmentData returns the file bytes of a segment without copying.
func (f *Image) SegmentData(p *ProgramHeader) []byte {
	b, err := f.entry(p.Off, int(p.Filesz))
	if err != nil {
		return nil
	}
	return b
}

func (f *Image) Bytes() []byte {
	return f.raw
}

func (f *Image) CheckMagic() bool {
	return bytes.Equal(f.Header.Ident[:len(elfMagic)], elfMagic)
}

func (f *Image) FileClass() elf.Class {
	return f.Header.Class
}

func (f *Image) DataEncoding() elf.Data {
	return f.Header.Data
}

func (f *Image) Is64Bit() bool {
	return f.Header.Class == elf.ELFCLASS64
}

func (f *Image) IsLittleEndian() bool {
	return f.Header.Data == elf.ELFDATA2LSB
}

func (f *Image) ByteOrder() binary.ByteOrder {
	return f.order
}

// WordSize is the size in bytes of an address in this image.
func (f *Image) WordSize() int {
	return f.codec.wordSize()
}

// String looks up index in the section name string table.
func (f *Image) String(index uint32) (string, bool) {
	return f.strtab.Lookup(index)
}

// DynString looks up index in the dynamic symbol string table.
func (f *Image) DynString(index uint32) (string, bool) {
	return f.dynstr.Lookup(index)
}

func (f *Image) SectionByName(name string) *SectionHeader {
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (f *Image) SectionAddr(name string) (uint64, bool) {
	s := f.SectionByName(name)
	if s == nil {
		return 0, false
	}
	return s.Addr, true
}

// LookupDynSym scans the dynamic symbol table in order and returns the first
// symbol called name, or -1 and nil.
func (f *Image) LookupDynSym(name string) (int, *Symbol) {
	for i := range f.DynSyms {
		s := &f.DynSyms[i]
		if n, ok := f.dynstr.Lookup(s.NameIndex); ok && n == name {
			return i, s
		}
	}
	return -1, nil
}

// DynSymSection returns the section header of the dynamic symbol table, or
// nil when the image has none.
func (f *Image) DynSymSection() *SectionHeader {
	if f.dynsym < 0 {
		return nil
	}
	return &f.Sections[f.dynsym]
}

// SymAddr returns the value of the first dynamic symbol called name.
func (f *Image) SymAddr(name string) (uint64, bool) {
	_, s := f.LookupDynSym(name)
	if s == nil {
		return 0, false
	}
	return s.Value, true
}

// SymbolName returns the name of the i-th dynamic symbol.
func (f *Image) SymbolName(i int) string {
	if i < 0 || i >= len(f.DynSyms) {
		return ""
	}
	n, _ := f.dynstr.Lookup(f.DynSyms[i].NameIndex)
	return n
}

// DemangledName is SymbolName passed through the C++/Rust demangler.
func (f *Image) DemangledName(i int, opts ...demangle.Option) string {
	return demangle.Filter(f.SymbolName(i), opts...)
}

// RelocationsFor returns the relocations against the i-th dynamic symbol.
func (f *Image) RelocationsFor(i int) []Relocation {
	var res []Relocation
	for _, r := range f.Relocations {
		if int(r.Sym) == i && r.Sym != 0 && int(r.Symtab) == f.dynsym {
			res = append(res, r)
		}
	}
	return res
}

// LoadBounds returns the lowest virtual address and the highest end address
// over all PT_LOAD segments.
func (f *Image) LoadBounds() (lo, hi uint64, ok bool) {
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !ok || p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; !ok || end > hi {
			hi = end
		}
		ok = true
	}
	return lo, hi, ok
}

// Clone returns a deep copy.
func (f *Image) Clone() *Image {
	res := *f
	res.raw = bytes.Clone(f.raw)
	res.strtab = f.strtab.clone()
	res.dynstr = f.dynstr.clone()
	res.Progs = append([]ProgramHeader(nil), f.Progs...)
	res.Sections = append([]SectionHeader(nil), f.Sections...)
	res.DynSyms = append([]Symbol(nil), f.DynSyms...)
	res.Relocations = append([]Relocation(nil), f.Relocations...)
	return &res
}
