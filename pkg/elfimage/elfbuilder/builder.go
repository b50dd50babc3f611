// Package elfbuilder writes small but complete ELF shared objects from a
// description of their segments, sections, dynamic symbols and relocations.
// Both classes and both byte orders are supported.
//
// The output is laid out as:
//
//	+-------------------------------+
//	| ELF File Header               |
//	+-------------------------------+
//	| Program Header Table          |
//	+-------------------------------+
//	| Segment contents              |
//	+-------------------------------+
//	| Section contents              |
//	| .dynsym .dynstr .rel[a].dyn   |
//	| .shstrtab                     |
//	+-------------------------------+
//	| Section Header Table          |
//	+-------------------------------+
package elfbuilder

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const PageSize = 0x1000

type Segment struct {
	// Type defaults to PT_LOAD.
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Data  []byte
	// Memsz defaults to len(Data); anything above it is zero-filled on load.
	Memsz uint64
	Align uint64
}

// Section is an additional section. A section without Data aliases the bytes
// of the PT_LOAD segment that covers [Addr, Addr+Size), unless it is
// SHT_NOBITS.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Size      uint64
	Data      []byte
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type Symbol struct {
	Name string
	Bind elf.SymBind
	Type elf.SymType
	// Section names the defining section; empty means undefined.
	Section string
	Value   uint64
	Size    uint64
}

type Relocation struct {
	Offset uint64
	// Symbol is the name of a dynamic symbol, empty for symbol index 0.
	Symbol string
	Type   uint32
	Addend int64
}

// Builder collects the contents of an image. The zero value is not usable;
// create it with New.
type Builder struct {
	Class   elf.Class
	Order   binary.ByteOrder
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64
	// Rela selects SHT_RELA over SHT_REL for the relocation section.
	Rela bool

	segments []Segment
	sections []Section
	symbols  []Symbol
	relocs   []Relocation
}

func New(class elf.Class, order binary.ByteOrder, machine elf.Machine) *Builder {
	return &Builder{
		Class:   class,
		Order:   order,
		Machine: machine,
		Type:    elf.ET_DYN,
		Rela:    true,
	}
}

func (b *Builder) AddSegment(s Segment) *Builder {
	b.segments = append(b.segments, s)
	return b
}

func (b *Builder) AddSection(s Section) *Builder {
	b.sections = append(b.sections, s)
	return b
}

// AddSymbol appends a dynamic symbol. Its index in .dynsym is the number of
// symbols added before it plus one.
func (b *Builder) AddSymbol(s Symbol) *Builder {
	b.symbols = append(b.symbols, s)
	return b
}

func (b *Builder) AddRelocation(r Relocation) *Builder {
	b.relocs = append(b.relocs, r)
	return b
}

type format struct {
	ehsize, phentsize, shentsize uint16

	symsize, relsize, relasize, word uint64
}

var formats = map[elf.Class]format{
	elf.ELFCLASS32: {ehsize: 52, phentsize: 32, shentsize: 40, symsize: elf.Sym32Size, relsize: 8, relasize: 12, word: 4},
	elf.ELFCLASS64: {ehsize: 64, phentsize: 56, shentsize: 64, symsize: elf.Sym64Size, relsize: 16, relasize: 24, word: 8},
}

type shdr struct {
	name      uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

// Bytes lays out and encodes the image.
func (b *Builder) Bytes() ([]byte, error) {
	fm, ok := formats[b.Class]
	if !ok {
		return nil, errors.New("unknown ELF class")
	}
	if b.Order == nil {
		return nil, errors.New("byte order has to be specified")
	}
	w := &writer{order: b.Order}

	phoff := uint64(fm.ehsize)
	off := phoff + uint64(len(b.segments))*uint64(fm.phentsize)
	progs := make([]elf.ProgHeader, len(b.segments))
	for i, s := range b.segments {
		p := elf.ProgHeader{
			Type:   s.Type,
			Flags:  s.Flags,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  max(s.Memsz, uint64(len(s.Data))),
			Align:  s.Align,
		}
		if p.Type == elf.PT_NULL {
			p.Type = elf.PT_LOAD
		}
		if p.Align == 0 {
			p.Align = PageSize
		}
		if p.Type == elf.PT_LOAD {
			off = congruent(off, p.Vaddr, p.Align)
		}
		p.Off = off
		w.place(off, s.Data)
		off += p.Filesz
		progs[i] = p
	}

	shstr := newStrtab()
	shdrs := []shdr{{}}
	index := map[string]int{}
	for _, s := range b.sections {
		h := shdr{
			name:      shstr.add(s.Name),
			typ:       s.Type,
			flags:     s.Flags,
			addr:      s.Addr,
			size:      s.Size,
			link:      s.Link,
			info:      s.Info,
			addralign: s.Addralign,
			entsize:   s.Entsize,
		}
		switch {
		case s.Data != nil:
			off = alignUp(off, s.Addralign)
			h.off, h.size = off, uint64(len(s.Data))
			w.place(off, s.Data)
			off += h.size
		case s.Type == elf.SHT_NOBITS:
			h.off = off
		default:
			p := containing(progs, s.Addr, s.Size)
			if p == nil {
				return nil, fmt.Errorf("section %s [0x%x, 0x%x) is not covered by a loadable segment", s.Name, s.Addr, s.Addr+s.Size)
			}
			h.off = p.Off + s.Addr - p.Vaddr
		}
		if _, ok := index[s.Name]; !ok {
			index[s.Name] = len(shdrs)
		}
		shdrs = append(shdrs, h)
	}

	if len(b.symbols) > 0 || len(b.relocs) > 0 {
		dynsymIdx := len(shdrs)
		dynstr := newStrtab()
		syms := &bytes.Buffer{}
		w.encode(syms, b.sym(0, 0, 0, 0, 0))
		symIndex := map[string]uint32{}
		for i, s := range b.symbols {
			shndx := elf.SHN_UNDEF
			if s.Section != "" {
				idx, ok := index[s.Section]
				if !ok {
					return nil, fmt.Errorf("symbol %s: unknown section %s", s.Name, s.Section)
				}
				shndx = elf.SectionIndex(idx)
			}
			if _, ok := symIndex[s.Name]; !ok {
				symIndex[s.Name] = uint32(i + 1)
			}
			w.encode(syms, b.sym(dynstr.add(s.Name), elf.ST_INFO(s.Bind, s.Type), shndx, s.Value, s.Size))
		}

		off = alignUp(off, fm.word)
		shdrs = append(shdrs, shdr{
			name: shstr.add(".dynsym"), typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC,
			off: off, size: uint64(syms.Len()), link: uint32(dynsymIdx + 1), info: 1,
			addralign: fm.word, entsize: fm.symsize,
		})
		w.place(off, syms.Bytes())
		off += uint64(syms.Len())

		shdrs = append(shdrs, shdr{
			name: shstr.add(".dynstr"), typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC,
			off: off, size: uint64(len(dynstr.data)), addralign: 1,
		})
		w.place(off, dynstr.data)
		off += uint64(len(dynstr.data))

		if len(b.relocs) > 0 {
			rels := &bytes.Buffer{}
			for _, r := range b.relocs {
				var sym uint32
				if r.Symbol != "" {
					if sym, ok = symIndex[r.Symbol]; !ok {
						return nil, fmt.Errorf("relocation at 0x%x: unknown symbol %s", r.Offset, r.Symbol)
					}
				}
				w.encode(rels, b.rel(r, sym))
			}
			name, typ, entsize := ".rel.dyn", elf.SHT_REL, fm.relsize
			if b.Rela {
				name, typ, entsize = ".rela.dyn", elf.SHT_RELA, fm.relasize
			}
			off = alignUp(off, fm.word)
			shdrs = append(shdrs, shdr{
				name: shstr.add(name), typ: typ, flags: elf.SHF_ALLOC,
				off: off, size: uint64(rels.Len()), link: uint32(dynsymIdx),
				addralign: fm.word, entsize: entsize,
			})
			w.place(off, rels.Bytes())
			off += uint64(rels.Len())
		}
	}

	shstrndx := len(shdrs)
	name := shstr.add(".shstrtab")
	shdrs = append(shdrs, shdr{name: name, typ: elf.SHT_STRTAB, off: off, size: uint64(len(shstr.data)), addralign: 1})
	w.place(off, shstr.data)
	off += uint64(len(shstr.data))

	shoff := alignUp(off, fm.word)
	for i, h := range shdrs {
		w.put(shoff+uint64(i)*uint64(fm.shentsize), b.section(h))
	}
	for i, p := range progs {
		w.put(phoff+uint64(i)*uint64(fm.phentsize), b.prog(p))
	}
	w.put(0, b.header(fm, phoff, uint16(len(progs)), shoff, uint16(len(shdrs)), uint16(shstrndx)))
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (b *Builder) ident() [elf.EI_NIDENT]byte {
	var id [elf.EI_NIDENT]byte
	copy(id[:], elf.ELFMAG)
	id[elf.EI_CLASS] = byte(b.Class)
	id[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	if b.Order == binary.LittleEndian {
		id[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	id[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	return id
}

func (b *Builder) header(fm format, phoff uint64, phnum uint16, shoff uint64, shnum, shstrndx uint16) any {
	if b.Class == elf.ELFCLASS32 {
		return &elf.Header32{
			Ident: b.ident(), Type: uint16(b.Type), Machine: uint16(b.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(b.Entry), Phoff: uint32(phoff), Shoff: uint32(shoff),
			Ehsize: fm.ehsize, Phentsize: fm.phentsize, Phnum: phnum,
			Shentsize: fm.shentsize, Shnum: shnum, Shstrndx: shstrndx,
		}
	}
	return &elf.Header64{
		Ident: b.ident(), Type: uint16(b.Type), Machine: uint16(b.Machine), Version: uint32(elf.EV_CURRENT),
		Entry: b.Entry, Phoff: phoff, Shoff: shoff,
		Ehsize: fm.ehsize, Phentsize: fm.phentsize, Phnum: phnum,
		Shentsize: fm.shentsize, Shnum: shnum, Shstrndx: shstrndx,
	}
}

func (b *Builder) prog(p elf.ProgHeader) any {
	if b.Class == elf.ELFCLASS32 {
		return &elf.Prog32{
			Type: uint32(p.Type), Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
			Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: uint32(p.Flags), Align: uint32(p.Align),
		}
	}
	return &elf.Prog64{
		Type: uint32(p.Type), Flags: uint32(p.Flags), Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
		Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
	}
}

func (b *Builder) section(h shdr) any {
	if b.Class == elf.ELFCLASS32 {
		return &elf.Section32{
			Name: h.name, Type: uint32(h.typ), Flags: uint32(h.flags), Addr: uint32(h.addr),
			Off: uint32(h.off), Size: uint32(h.size), Link: h.link, Info: h.info,
			Addralign: uint32(h.addralign), Entsize: uint32(h.entsize),
		}
	}
	return &elf.Section64{
		Name: h.name, Type: uint32(h.typ), Flags: uint64(h.flags), Addr: h.addr,
		Off: h.off, Size: h.size, Link: h.link, Info: h.info,
		Addralign: h.addralign, Entsize: h.entsize,
	}
}

func (b *Builder) sym(name uint32, info byte, shndx elf.SectionIndex, value, size uint64) any {
	if b.Class == elf.ELFCLASS32 {
		return &elf.Sym32{Name: name, Value: uint32(value), Size: uint32(size), Info: info, Shndx: uint16(shndx)}
	}
	return &elf.Sym64{Name: name, Info: info, Shndx: uint16(shndx), Value: value, Size: size}
}

func (b *Builder) rel(r Relocation, sym uint32) any {
	if b.Class == elf.ELFCLASS32 {
		info := elf.R_INFO32(sym, r.Type)
		if b.Rela {
			return &elf.Rela32{Off: uint32(r.Offset), Info: info, Addend: int32(r.Addend)}
		}
		return &elf.Rel32{Off: uint32(r.Offset), Info: info}
	}
	info := elf.R_INFO(sym, r.Type)
	if b.Rela {
		return &elf.Rela64{Off: r.Offset, Info: info, Addend: r.Addend}
	}
	return &elf.Rel64{Off: r.Offset, Info: info}
}

func containing(progs []elf.ProgHeader, addr, size uint64) *elf.ProgHeader {
	for i := range progs {
		p := &progs[i]
		if p.Type == elf.PT_LOAD && addr >= p.Vaddr && addr+size <= p.Vaddr+p.Filesz {
			return p
		}
	}
	return nil
}

// congruent returns the smallest offset >= off that is equal to vaddr modulo
// align, as required for PT_LOAD segments.
func congruent(off, vaddr, align uint64) uint64 {
	if align <= 1 {
		return off
	}
	want := vaddr % align
	if cur := off % align; cur <= want {
		return off - cur + want
	}
	return alignUp(off, align) + want
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

type writer struct {
	order binary.ByteOrder
	buf   []byte
	err   error
}

func (w *writer) place(off uint64, data []byte) {
	if end := off + uint64(len(data)); end > uint64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-uint64(len(w.buf)))...)
	}
	copy(w.buf[off:], data)
}

func (w *writer) put(off uint64, v any) {
	var b bytes.Buffer
	w.encode(&b, v)
	w.place(off, b.Bytes())
}

func (w *writer) encode(b *bytes.Buffer, v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(b, w.order, v)
}

type strtab struct {
	data  []byte
	index map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, index: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if i, ok := t.index[s]; ok {
		return i
	}
	i := uint32(len(t.data))
	t.data = append(append(t.data, s...), 0)
	t.index[s] = i
	return i
}
