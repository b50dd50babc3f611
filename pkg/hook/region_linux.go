package hook

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapRegion maps size bytes of anonymous read-write memory. A non-zero hint
// is tried first with MAP_FIXED_NOREPLACE; if the range is taken the kernel
// picks the address, so callers must compare region.start with the hint.
func mapRegion(hint uintptr, size uint64) (*region, error) {
	const (
		prot  = unix.PROT_READ | unix.PROT_WRITE
		flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	)
	pageSize := uint64(os.Getpagesize())
	if size == 0 || size%pageSize != 0 {
		return nil, &MemoryMapError{Op: "mmap", Addr: hint, Size: size, Err: unix.EINVAL}
	}
	var (
		p   unsafe.Pointer
		err error
	)
	if hint != 0 {
		p, err = unix.MmapPtr(-1, 0, unsafe.Add(nil, hint), uintptr(size), prot, flags|unix.MAP_FIXED_NOREPLACE)
	}
	if hint == 0 || err != nil {
		p, err = unix.MmapPtr(-1, 0, nil, uintptr(size), prot, flags)
	}
	if err != nil {
		return nil, &MemoryMapError{Op: "mmap", Addr: hint, Size: size, Err: err}
	}
	npages := size / pageSize
	r := &region{
		addr:     p,
		size:     size,
		pageSize: pageSize,
		prot:     make([]int, npages),
	}
	for i := range r.prot {
		r.prot[i] = prot
	}
	return r, nil
}

func (r *region) protect(first, last int, prot int) error {
	addr := r.start() + uint64(first)*r.pageSize
	n := uint64(last-first+1) * r.pageSize
	if err := unix.Mprotect(r.slice(addr, n), prot); err != nil {
		return &MemoryMapError{Op: "mprotect " + protString(prot), Addr: uintptr(addr), Size: n, Err: err}
	}
	return nil
}

func (r *region) unmap() error {
	if err := unix.MunmapPtr(r.addr, uintptr(r.size)); err != nil {
		return &MemoryMapError{Op: "munmap", Addr: uintptr(r.addr), Size: r.size, Err: err}
	}
	return nil
}
