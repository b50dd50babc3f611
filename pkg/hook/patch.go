package hook

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Technique names how a hook redirects control.
type Technique string

const (
	// TechniqueSlot rewrites the GOT or data slots relocated against the
	// symbol, so every indirect call through them goes to the target.
	TechniqueSlot Technique = "slot"
	// TechniquePointer treats a word-sized data symbol as the function
	// pointer itself.
	TechniquePointer Technique = "pointer"
	// TechniqueInline overwrites the first instructions of a function with
	// an absolute jump to the target.
	TechniqueInline Technique = "inline"
)

type relocKinds struct {
	relative, globDat, jumpSlot, abs uint32
}

var relocKindsByMachine = map[elf.Machine]relocKinds{
	elf.EM_X86_64: {
		relative: uint32(elf.R_X86_64_RELATIVE),
		globDat:  uint32(elf.R_X86_64_GLOB_DAT),
		jumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		abs:      uint32(elf.R_X86_64_64),
	},
	elf.EM_386: {
		relative: uint32(elf.R_386_RELATIVE),
		globDat:  uint32(elf.R_386_GLOB_DAT),
		jumpSlot: uint32(elf.R_386_JMP_SLOT),
		abs:      uint32(elf.R_386_32),
	},
	elf.EM_AARCH64: {
		relative: uint32(elf.R_AARCH64_RELATIVE),
		globDat:  uint32(elf.R_AARCH64_GLOB_DAT),
		jumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
		abs:      uint32(elf.R_AARCH64_ABS64),
	},
	elf.EM_ARM: {
		relative: uint32(elf.R_ARM_RELATIVE),
		globDat:  uint32(elf.R_ARM_GLOB_DAT),
		jumpSlot: uint32(elf.R_ARM_JUMP_SLOT),
		abs:      uint32(elf.R_ARM_ABS32),
	},
}

func (k relocKinds) isSlot(typ uint32) bool {
	return typ == k.jumpSlot || typ == k.globDat || typ == k.abs
}

// jumpPatch returns the machine code of an absolute jump to target.
func jumpPatch(m elf.Machine, order binary.ByteOrder, target uint64) ([]byte, error) {
	switch m {
	case elf.EM_X86_64:
		// movabs rax, imm64; jmp rax
		b := []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xe0}
		binary.LittleEndian.PutUint64(b[2:], target)
		return b, nil
	case elf.EM_386:
		// push imm32; ret
		b := []byte{0x68, 0, 0, 0, 0, 0xc3}
		binary.LittleEndian.PutUint32(b[1:], uint32(target))
		return b, nil
	case elf.EM_AARCH64:
		// ldr x16, #8; br x16; .quad target
		b := make([]byte, 16)
		binary.LittleEndian.PutUint32(b[0:], 0x58000050)
		binary.LittleEndian.PutUint32(b[4:], 0xd61f0200)
		order.PutUint64(b[8:], target)
		return b, nil
	}
	return nil, errors.Errorf("inline hooks are not supported on %s", m)
}

func putWord(order binary.ByteOrder, size int, v uint64) []byte {
	b := make([]byte, size)
	if size == 4 {
		order.PutUint32(b, uint32(v))
	} else {
		order.PutUint64(b, v)
	}
	return b
}

func getWord(order binary.ByteOrder, b []byte) uint64 {
	if len(b) == 4 {
		return uint64(order.Uint32(b))
	}
	return order.Uint64(b)
}
