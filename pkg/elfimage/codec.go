package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// codec decodes raw table entries of one file class into the width-agnostic
// types. It is picked once from the class byte.
type codec interface {
	class() elf.Class
	wordSize() int
	headerSize() int
	progSize() int
	sectionSize() int
	symSize() int
	relSize(withAddend bool) int

	header(b []byte, order binary.ByteOrder) (Header, error)
	prog(b []byte, order binary.ByteOrder) (ProgramHeader, error)
	section(b []byte, order binary.ByteOrder) (SectionHeader, error)
	sym(b []byte, order binary.ByteOrder) (Symbol, error)
	rel(b []byte, order binary.ByteOrder, withAddend bool) (Relocation, error)
}

func codecFor(c elf.Class) codec {
	switch c {
	case elf.ELFCLASS32:
		return codec32{}
	case elf.ELFCLASS64:
		return codec64{}
	}
	return nil
}

func decode[T any](b []byte, order binary.ByteOrder) (T, error) {
	var v T
	err := binary.Read(bytes.NewReader(b), order, &v)
	return v, err
}

type codec32 struct{}

func (codec32) class() elf.Class { return elf.ELFCLASS32 }
func (codec32) wordSize() int { return 4 }
func (codec32) headerSize() int { return 52 }
func (codec32) progSize() int { return 32 }
func (codec32) sectionSize() int { return 40 }
func (codec32) symSize() int { return elf.Sym32Size }
func (codec32) relSize(a bool) int {
	if a {
		return 12
	}
	return 8
}

func (codec32) header(b []byte, order binary.ByteOrder) (Header, error) {
	h, err := decode[elf.Header32](b, order)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Ident:     h.Ident,
		Class:     elf.Class(h.Ident[elf.EI_CLASS]),
		Data:      elf.Data(h.Ident[elf.EI_DATA]),
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Version:   h.Version,
		Entry:     uint64(h.Entry),
		Phoff:     uint64(h.Phoff),
		Shoff:     uint64(h.Shoff),
		Flags:     h.Flags,
		Ehsize:    h.Ehsize,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
		Shentsize: h.Shentsize,
		Shnum:     h.Shnum,
		Shstrndx:  h.Shstrndx,
	}, nil
}

func (codec32) prog(b []byte, order binary.ByteOrder) (ProgramHeader, error) {
	p, err := decode[elf.Prog32](b, order)
	if err != nil {
		return ProgramHeader{}, err
	}
	return ProgramHeader{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Off:    uint64(p.Off),
		Vaddr:  uint64(p.Vaddr),
		Paddr:  uint64(p.Paddr),
		Filesz: uint64(p.Filesz),
		Memsz:  uint64(p.Memsz),
		Align:  uint64(p.Align),
	}, nil
}

func (codec32) section(b []byte, order binary.ByteOrder) (SectionHeader, error) {
	s, err := decode[elf.Section32](b, order)
	if err != nil {
		return SectionHeader{}, err
	}
	return SectionHeader{
		NameIndex: s.Name,
		Type:      elf.SectionType(s.Type),
		Flags:     elf.SectionFlag(s.Flags),
		Addr:      uint64(s.Addr),
		Offset:    uint64(s.Off),
		Size:      uint64(s.Size),
		Link:      s.Link,
		Info:      s.Info,
		Addralign: uint64(s.Addralign),
		Entsize:   uint64(s.Entsize),
	}, nil
}

func (codec32) sym(b []byte, order binary.ByteOrder) (Symbol, error) {
	s, err := decode[elf.Sym32](b, order)
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{
		NameIndex: s.Name,
		Info:      s.Info,
		Other:     s.Other,
		Shndx:     elf.SectionIndex(s.Shndx),
		Value:     uint64(s.Value),
		Size:      uint64(s.Size),
	}, nil
}

func (codec32) rel(b []byte, order binary.ByteOrder, withAddend bool) (Relocation, error) {
	if withAddend {
		r, err := decode[elf.Rela32](b, order)
		if err != nil {
			return Relocation{}, err
		}
		return Relocation{
			Offset:    uint64(r.Off),
			Info:      uint64(r.Info),
			Addend:    int64(r.Addend),
			HasAddend: true,
			Sym:       elf.R_SYM32(r.Info),
			Type:      elf.R_TYPE32(r.Info),
		}, nil
	}
	r, err := decode[elf.Rel32](b, order)
	if err != nil {
		return Relocation{}, err
	}
	return Relocation{
		Offset: uint64(r.Off),
		Info:   uint64(r.Info),
		Sym:    elf.R_SYM32(r.Info),
		Type:   elf.R_TYPE32(r.Info),
	}, nil
}

type codec64 struct{}

func (codec64) class() elf.Class { return elf.ELFCLASS64 }
func (codec64) wordSize() int { return 8 }
func (codec64) headerSize() int { return 64 }
func (codec64) progSize() int { return 56 }
func (codec64) sectionSize() int { return 64 }
func (codec64) symSize() int { return elf.Sym64Size }
func (codec64) relSize(a bool) int {
	if a {
		return 24
	}
	return 16
}

func (codec64) header(b []byte, order binary.ByteOrder) (Header, error) {
	h, err := decode[elf.Header64](b, order)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Ident:     h.Ident,
		Class:     elf.Class(h.Ident[elf.EI_CLASS]),
		Data:      elf.Data(h.Ident[elf.EI_DATA]),
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Version:   h.Version,
		Entry:     h.Entry,
		Phoff:     h.Phoff,
		Shoff:     h.Shoff,
		Flags:     h.Flags,
		Ehsize:    h.Ehsize,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
		Shentsize: h.Shentsize,
		Shnum:     h.Shnum,
		Shstrndx:  h.Shstrndx,
	}, nil
}

func (codec64) prog(b []byte, order binary.ByteOrder) (ProgramHeader, error) {
	p, err := decode[elf.Prog64](b, order)
	if err != nil {
		return ProgramHeader{}, err
	}
	return ProgramHeader{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Off:    p.Off,
		Vaddr:  p.Vaddr,
		Paddr:  p.Paddr,
		Filesz: p.Filesz,
		Memsz:  p.Memsz,
		Align:  p.Align,
	}, nil
}

func (codec64) section(b []byte, order binary.ByteOrder) (SectionHeader, error) {
	s, err := decode[elf.Section64](b, order)
	if err != nil {
		return SectionHeader{}, err
	}
	return SectionHeader{
		NameIndex: s.Name,
		Type:      elf.SectionType(s.Type),
		Flags:     elf.SectionFlag(s.Flags),
		Addr:      s.Addr,
		Offset:    s.Off,
		Size:      s.Size,
		Link:      s.Link,
		Info:      s.Info,
		Addralign: s.Addralign,
		Entsize:   s.Entsize,
	}, nil
}

func (codec64) sym(b []byte, order binary.ByteOrder) (Symbol, error) {
	s, err := decode[elf.Sym64](b, order)
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{
		NameIndex: s.Name,
		Info:      s.Info,
		Other:     s.Other,
		Shndx:     elf.SectionIndex(s.Shndx),
		Value:     s.Value,
		Size:      s.Size,
	}, nil
}

func (codec64) rel(b []byte, order binary.ByteOrder, withAddend bool) (Relocation, error) {
	if withAddend {
		r, err := decode[elf.Rela64](b, order)
		if err != nil {
			return Relocation{}, err
		}
		return Relocation{
			Offset:    r.Off,
			Info:      r.Info,
			Addend:    r.Addend,
			HasAddend: true,
			Sym:       elf.R_SYM64(r.Info),
			Type:      elf.R_TYPE64(r.Info),
		}, nil
	}
	r, err := decode[elf.Rel64](b, order)
	if err != nil {
		return Relocation{}, err
	}
	return Relocation{
		Offset: r.Off,
		Info:   r.Info,
		Sym:    elf.R_SYM64(r.Info),
		Type:   elf.R_TYPE64(r.Info),
	}, nil
}
