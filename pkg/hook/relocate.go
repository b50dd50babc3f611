package hook

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/grafana/elfhook/pkg/elfimage"
)

// BindImports applies the relocations a shared object needs before most of
// its code can run: RELATIVE, GLOB_DAT, JUMP_SLOT and word-sized absolute
// relocations. Symbols the image does not define are looked up in the C
// library set with SetLibc; unresolved weak symbols bind to zero. Every
// other relocation type is skipped. Implicit addends of REL entries are read
// from the file, so binding can be repeated.
func (e *Engine) BindImports() error {
	if err := e.checkLoaded("bind imports"); err != nil {
		return err
	}
	m := e.img.Header.Machine
	kinds, ok := relocKindsByMachine[m]
	if !ok {
		return errors.Errorf("binding imports is not supported for %s", m)
	}
	var (
		ws      = e.img.WordSize()
		order   = e.img.ByteOrder()
		result  *multierror.Error
		bound   int
		skipped int
		hooked  = e.hookedSites()
	)
	for _, r := range e.img.Relocations {
		value, err := e.relocate(kinds, r, ws)
		switch {
		case errors.Is(err, errSkipReloc):
			skipped++
			e.metrics.observeRelocation(relocSkipped)
			continue
		case err != nil:
		case hooked[e.base+r.Offset] != nil:
			// The hook stays in place; Unhook restores the freshly bound value.
			hooked[e.base+r.Offset].orig = putWord(order, ws, value)
		default:
			err = e.region.write(e.base+r.Offset, putWord(order, ws, value), e.strictWX)
		}
		if err != nil {
			e.metrics.observeRelocation(relocFailed)
			result = multierror.Append(result, errors.Wrapf(err, "relocation at 0x%x", r.Offset))
			continue
		}
		bound++
		e.metrics.observeRelocation(relocBound)
	}
	e.bound = true
	_ = level.Debug(e.logger).Log("msg", "imports bound", "bound", bound, "skipped", skipped, "failed", len(errorsOf(result)))
	return result.ErrorOrNil()
}

// hookedSites indexes the word-sized sites of installed hooks by address.
func (e *Engine) hookedSites() map[uint64]*patchSite {
	res := make(map[uint64]*patchSite)
	for _, h := range e.hooks {
		for i := range h.sites {
			if s := &h.sites[i]; len(s.patch) == e.img.WordSize() {
				res[s.addr] = s
			}
		}
	}
	return res
}

var errSkipReloc = errors.New("relocation type not handled")

func (e *Engine) relocate(kinds relocKinds, r elfimage.Relocation, ws int) (uint64, error) {
	addr := e.base + r.Offset
	if !e.region.contains(addr, uint64(ws)) {
		return 0, &BoundsError{Op: "bind imports", Offset: r.Offset, Len: uint64(ws), Size: e.region.size}
	}
	addend := uint64(r.Addend)
	if !r.HasAddend {
		addend = e.fileWord(r.Offset, ws)
	}
	switch r.Type {
	case kinds.relative:
		return e.base + addend, nil
	case kinds.globDat, kinds.jumpSlot:
		return e.symbolValue(r)
	case kinds.abs:
		s, err := e.symbolValue(r)
		return s + addend, err
	}
	_ = level.Debug(e.logger).Log("msg", "skipping relocation", "offset", fmt.Sprintf("0x%x", r.Offset), "type", r.Type)
	return 0, errSkipReloc
}

func (e *Engine) symbolValue(r elfimage.Relocation) (uint64, error) {
	if r.Sym == 0 {
		return 0, nil
	}
	dynsym := e.img.DynSymSection()
	if dynsym == nil || int(r.Symtab) != dynsym.Index || int(r.Sym) >= len(e.img.DynSyms) {
		return 0, errors.Errorf("symbol %d is not in the dynamic symbol table", r.Sym)
	}
	sym := &e.img.DynSyms[r.Sym]
	if sym.Defined() {
		sym.Loaded = true
		return e.base + sym.Value, nil
	}
	name := e.img.SymbolName(int(r.Sym))
	addr, err := e.resolveLibc(name)
	if err != nil {
		if sym.Bind() == elf.STB_WEAK {
			return 0, nil
		}
		return 0, err
	}
	sym.Loaded = true
	return uint64(addr), nil
}

// fileWord reads the word at vaddr from the file contents of the segment
// holding it. Addresses past a segment's file size read as zero.
func (e *Engine) fileWord(vaddr uint64, ws int) uint64 {
	for i := range e.img.Progs {
		p := &e.img.Progs[i]
		if p.Type != elf.PT_LOAD || vaddr < p.Vaddr || vaddr+uint64(ws) > p.Vaddr+p.Filesz {
			continue
		}
		data := e.img.SegmentData(p)
		off := vaddr - p.Vaddr
		return getWord(e.img.ByteOrder(), data[off:off+uint64(ws)])
	}
	return 0
}

func errorsOf(err *multierror.Error) []error {
	if err == nil {
		return nil
	}
	return err.Errors
}
