package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/elfhook/pkg/elfimage/elfbuilder"
)

func writeTestImage(t *testing.T, code []byte) string {
	t.Helper()
	b := elfbuilder.New(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64)
	b.AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_X, Vaddr: 0x1000, Data: code}).
		AddSegment(elfbuilder.Segment{Flags: elf.PF_R | elf.PF_W, Vaddr: 0x2000, Data: make([]byte, 8)}).
		AddSection(elfbuilder.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Size: uint64(len(code))}).
		AddSection(elfbuilder.Section{Name: ".got", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x2000, Size: 8}).
		AddSymbol(elfbuilder.Symbol{Name: "_ZN3foo3barEv", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: ".text", Value: 0x1000, Size: uint64(len(code))}).
		AddSymbol(elfbuilder.Symbol{Name: "puts", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}).
		AddRelocation(elfbuilder.Relocation{Offset: 0x2000, Symbol: "puts", Type: uint32(elf.R_X86_64_JMP_SLOT)})
	buf, err := b.Bytes()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "libtest.so")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestInspect(t *testing.T) {
	path := writeTestImage(t, []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3})

	var out bytes.Buffer
	require.NoError(t, inspect(&out, &inspectParams{path: path, demangle: true, undefined: true, relocations: true}))
	s := out.String()
	assert.Contains(t, s, "EM_X86_64")
	assert.Contains(t, s, "Loadable Segment")
	assert.Contains(t, s, "(R_X)")
	assert.Contains(t, s, ".got")
	assert.Contains(t, s, "foo::bar()")
	assert.Contains(t, s, "puts")
	assert.Contains(t, s, "R_X86_64_JMP_SLOT")

	out.Reset()
	require.NoError(t, inspect(&out, &inspectParams{path: path}))
	s = out.String()
	assert.Contains(t, s, "_ZN3foo3barEv")
	assert.NotContains(t, s, "puts")
	assert.NotContains(t, s, "Relocations:")

	require.Error(t, inspect(&out, &inspectParams{path: filepath.Join(t.TempDir(), "missing.so")}))
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"1", "0x10", "-1"})
	require.NoError(t, err)
	assert.Equal(t, [4]uintptr{1, 16, ^uintptr(0), 0}, args)

	args, err = parseArgs([]string{"0xffffffffffffffff"})
	require.NoError(t, err)
	assert.Equal(t, ^uintptr(0), args[0])

	_, err = parseArgs([]string{"1", "2", "3", "4", "5"})
	require.Error(t, err)
	_, err = parseArgs([]string{"one"})
	require.Error(t, err)
}

func TestParseWrites(t *testing.T) {
	writes, err := parseWrites([]string{"0x1001=07", "8192=0xdeadbeef"})
	require.NoError(t, err)
	assert.Equal(t, []memoryWrite{
		{offset: 0x1001, data: []byte{0x07}},
		{offset: 0x2000, data: []byte{0xde, 0xad, 0xbe, 0xef}},
	}, writes)

	for _, w := range []string{"0x1000", "zz=00", "0x1000=0g"} {
		_, err := parseWrites([]string{w})
		require.Error(t, err, w)
	}
}
