package elfimage

import (
	"debug/elf"
	"fmt"
)

// Header is the width-agnostic ELF file header. Word-sized fields are
// widened to uint64.
type Header struct {
	Ident     [elf.EI_NIDENT]byte
	Class     elf.Class
	Data      elf.Data
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ProgramHeader describes a segment.
type ProgramHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// FlagsString renders the permission bits as (RWX), using _ for a missing bit.
func (p *ProgramHeader) FlagsString() string {
	b := []byte("(___)")
	if p.Flags&elf.PF_R != 0 {
		b[1] = 'R'
	}
	if p.Flags&elf.PF_W != 0 {
		b[2] = 'W'
	}
	if p.Flags&elf.PF_X != 0 {
		b[3] = 'X'
	}
	return string(b)
}

func (p *ProgramHeader) TypeString() string {
	switch p.Type {
	case elf.PT_NULL:
		return "NULL"
	case elf.PT_LOAD:
		return "Loadable Segment"
	case elf.PT_DYNAMIC:
		return "Dynamic Segment"
	case elf.PT_INTERP:
		return "Interpreter Path"
	case elf.PT_NOTE:
		return "Note"
	case elf.PT_SHLIB:
		return "Reserved"
	case elf.PT_PHDR:
		return "Program Header"
	case elf.PT_TLS:
		return "Thread-Local Storage"
	default:
		return fmt.Sprintf("Unknown (0x%x)", uint32(p.Type))
	}
}

// SectionHeader describes a section. Name is resolved against the section
// name string table at parse time.
type SectionHeader struct {
	Name      string
	NameIndex uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
	Index     int
}

// Symbol is an entry of the dynamic symbol table.
type Symbol struct {
	NameIndex uint32
	Info      byte
	Other     byte
	Shndx     elf.SectionIndex
	Value     uint64
	Size      uint64

	// Loaded is set once the symbol has been resolved against a mapped image.
	Loaded bool
}

func (s *Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Symbol) SetBind(b elf.SymBind) {
	s.SetBindAndType(b, s.Type())
}

func (s *Symbol) SetType(t elf.SymType) {
	s.SetBindAndType(s.Bind(), t)
}

func (s *Symbol) SetBindAndType(b elf.SymBind, t elf.SymType) {
	s.Info = elf.ST_INFO(b, t)
}

// Defined reports whether the symbol lives in a section of this image.
func (s *Symbol) Defined() bool {
	return s.Shndx != elf.SHN_UNDEF && s.Shndx < elf.SHN_LORESERVE
}

// Relocation is a REL or RELA entry. Sym and Type are unpacked from Info
// according to the file class.
type Relocation struct {
	Offset    uint64
	Info      uint64
	Addend    int64
	HasAddend bool
	Sym       uint32
	Type      uint32

	// Section is the index of the relocation section holding the entry and
	// Symtab is that section's sh_link.
	Section int
	Symtab  uint32
}
