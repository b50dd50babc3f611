//go:build !linux

package hook

import "errors"

func mapRegion(hint uintptr, size uint64) (*region, error) {
	return nil, &MemoryMapError{Op: "mmap", Addr: hint, Size: size, Err: errors.ErrUnsupported}
}

func (r *region) protect(first, last int, prot int) error {
	return errors.ErrUnsupported
}

func (r *region) unmap() error {
	return errors.ErrUnsupported
}
