package main

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/elfhook/pkg/elfimage"
)

type inspectParams struct {
	path        string
	demangle    bool
	undefined   bool
	relocations bool
}

func addInspectParams(cmd commander) *inspectParams {
	params := &inspectParams{}
	cmd.Arg("file", "ELF file to inspect, optionally gzip or zstd compressed.").Required().StringVar(&params.path)
	cmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Default("true").BoolVar(&params.demangle)
	cmd.Flag("undefined", "Include undefined symbols.").Default("true").BoolVar(&params.undefined)
	cmd.Flag("relocations", "Print dynamic relocations.").Default("true").BoolVar(&params.relocations)
	return params
}

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

func inspect(out io.Writer, params *inspectParams) error {
	img, err := elfimage.Open(params.path)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "image parsed", "path", params.path, "size", humanize.Bytes(uint64(len(img.Bytes()))))

	h := img.Header
	fmt.Fprintln(out, "Class:", img.FileClass(), "Data:", img.DataEncoding(), "Type:", h.Type, "Machine:", h.Machine)
	fmt.Fprintf(out, "Entry: 0x%x\n", h.Entry)
	fmt.Fprintln(out, "Size:", humanize.IBytes(uint64(len(img.Bytes()))))

	fmt.Fprintln(out, "Segments:")
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Type", "Flags", "Offset", "Vaddr", "Filesz", "Memsz", "Align"})
	for i := range img.Progs {
		p := &img.Progs[i]
		table.Append([]string{
			p.TypeString(), p.FlagsString(), hexAddr(p.Off), hexAddr(p.Vaddr),
			humanize.IBytes(p.Filesz), humanize.IBytes(p.Memsz), hexAddr(p.Align),
		})
	}
	table.Render()

	fmt.Fprintln(out, "Sections:")
	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Nr", "Name", "Type", "Flags", "Addr", "Offset", "Size", "Link", "Info"})
	for _, s := range img.Sections {
		table.Append([]string{
			strconv.Itoa(s.Index), s.Name, s.Type.String(), sectionFlags(s.Flags), hexAddr(s.Addr),
			hexAddr(s.Offset), humanize.IBytes(s.Size), strconv.Itoa(int(s.Link)), strconv.Itoa(int(s.Info)),
		})
	}
	table.Render()

	if img.DynSymSection() != nil {
		fmt.Fprintln(out, "Dynamic symbols:")
		table = tablewriter.NewWriter(out)
		table.SetHeader([]string{"Num", "Value", "Size", "Type", "Bind", "Ndx", "Name"})
		for _, i := range lo.Filter(lo.Range(len(img.DynSyms)), func(i int, _ int) bool {
			return i > 0 && (params.undefined || img.DynSyms[i].Defined())
		}) {
			s := &img.DynSyms[i]
			name := img.SymbolName(i)
			if params.demangle {
				name = img.DemangledName(i)
			}
			table.Append([]string{
				strconv.Itoa(i), hexAddr(s.Value), strconv.FormatUint(s.Size, 10),
				s.Type().String(), s.Bind().String(), symbolSection(s.Shndx), name,
			})
		}
		table.Render()
	}

	if params.relocations && len(img.Relocations) > 0 {
		fmt.Fprintln(out, "Relocations:")
		table = tablewriter.NewWriter(out)
		table.SetHeader([]string{"Offset", "Type", "Symbol", "Addend"})
		for _, r := range img.Relocations {
			sym := ""
			if r.Sym != 0 && img.DynSymSection() != nil && int(r.Symtab) == img.DynSymSection().Index {
				sym = img.SymbolName(int(r.Sym))
			}
			addend := ""
			if r.HasAddend {
				addend = strconv.FormatInt(r.Addend, 10)
			}
			table.Append([]string{hexAddr(r.Offset), relocType(img.Header.Machine, r.Type), sym, addend})
		}
		table.Render()
	}
	return nil
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func sectionFlags(f elf.SectionFlag) string {
	b := make([]byte, 0, 3)
	if f&elf.SHF_WRITE != 0 {
		b = append(b, 'W')
	}
	if f&elf.SHF_ALLOC != 0 {
		b = append(b, 'A')
	}
	if f&elf.SHF_EXECINSTR != 0 {
		b = append(b, 'X')
	}
	return string(b)
}

func symbolSection(i elf.SectionIndex) string {
	switch i {
	case elf.SHN_UNDEF:
		return "UND"
	case elf.SHN_ABS:
		return "ABS"
	case elf.SHN_COMMON:
		return "COM"
	}
	return strconv.Itoa(int(i))
}

func relocType(m elf.Machine, t uint32) string {
	switch m {
	case elf.EM_X86_64:
		return elf.R_X86_64(t).String()
	case elf.EM_386:
		return elf.R_386(t).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(t).String()
	case elf.EM_ARM:
		return elf.R_ARM(t).String()
	}
	return strconv.FormatUint(uint64(t), 10)
}
