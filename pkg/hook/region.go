package hook

import (
	"debug/elf"
	"fmt"
	"unsafe"
)

const (
	protNone  = 0x0
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

func protFromFlags(f elf.ProgFlag) int {
	p := protNone
	if f&elf.PF_R != 0 {
		p |= protRead
	}
	if f&elf.PF_W != 0 {
		p |= protWrite
	}
	if f&elf.PF_X != 0 {
		p |= protExec
	}
	return p
}

func protString(p int) string {
	b := []byte("---")
	if p&protRead != 0 {
		b[0] = 'r'
	}
	if p&protWrite != 0 {
		b[1] = 'w'
	}
	if p&protExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// region is one anonymous mapping together with the protection of each of
// its pages. All raw memory access of the engine goes through it, and every
// method expects the caller to have checked the range with contains.
type region struct {
	addr     unsafe.Pointer
	size     uint64
	pageSize uint64
	prot     []int
}

func (r *region) start() uint64 {
	return uint64(uintptr(r.addr))
}

func (r *region) end() uint64 {
	return r.start() + r.size
}

func (r *region) contains(addr, n uint64) bool {
	end := addr + n
	return end >= addr && addr >= r.start() && end <= r.end()
}

// pages returns the indexes of the first and last page overlapping
// [addr, addr+n). n must be positive.
func (r *region) pages(addr, n uint64) (first, last int) {
	off := addr - r.start()
	return int(off / r.pageSize), int((off + n - 1) / r.pageSize)
}

func (r *region) slice(addr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(r.addr, addr-r.start())), n)
}

// applyProt sets the recorded protection on every page, one mprotect call
// per run of pages sharing a protection.
func (r *region) applyProt() error {
	for i := 0; i < len(r.prot); {
		j := i
		for j+1 < len(r.prot) && r.prot[j+1] == r.prot[i] {
			j++
		}
		if err := r.protect(i, j, r.prot[i]); err != nil {
			return err
		}
		i = j + 1
	}
	return nil
}

// withProt runs f with the pages in [first, last] temporarily given the
// extra protection bits add (and with drop removed), restoring the recorded
// protection afterwards.
func (r *region) withProt(first, last int, add, drop int, f func()) error {
	changed := make([]int, 0, last-first+1)
	restore := func() error {
		var firstErr error
		for _, i := range changed {
			if err := r.protect(i, i, r.prot[i]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	for i := first; i <= last; i++ {
		want := (r.prot[i] | add) &^ drop
		if want == r.prot[i] {
			continue
		}
		if err := r.protect(i, i, want); err != nil {
			_ = restore()
			return err
		}
		changed = append(changed, i)
	}
	f()
	return restore()
}

// write copies data to addr. Pages that are not writable are made writable
// for the duration of the copy; with strictWX they also lose PROT_EXEC.
func (r *region) write(addr uint64, data []byte, strictWX bool) error {
	if len(data) == 0 {
		return nil
	}
	first, last := r.pages(addr, uint64(len(data)))
	drop, exec := 0, false
	for i := first; i <= last; i++ {
		exec = exec || r.prot[i]&protExec != 0
	}
	if strictWX {
		drop = protExec
	}
	err := r.withProt(first, last, protWrite, drop, func() {
		copy(r.slice(addr, uint64(len(data))), data)
	})
	if err != nil {
		return err
	}
	if exec {
		flushICache(uintptr(addr), uintptr(len(data)))
	}
	return nil
}

func (r *region) read(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	res := make([]byte, n)
	first, last := r.pages(addr, n)
	err := r.withProt(first, last, protRead, 0, func() {
		copy(res, r.slice(addr, n))
	})
	return res, err
}

func (r *region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.start(), r.end())
}
