//go:build cgo && (linux || darwin || freebsd)

package hook

/*
#cgo linux LDFLAGS: -ldl
#include <stdlib.h>
#include <dlfcn.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

type dlResolver struct {
	mu      sync.Mutex
	handles map[string]unsafe.Pointer
}

// NewDLResolver returns a Resolver backed by dlopen and dlsym. Libraries are
// opened with RTLD_NOW once per path and stay loaded for the life of the
// process.
func NewDLResolver() Resolver {
	return &dlResolver{handles: make(map[string]unsafe.Pointer)}
}

func (r *dlResolver) Lookup(lib, name string) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.handles[lib]
	if !ok {
		cs := C.CString(lib)
		defer C.free(unsafe.Pointer(cs))
		handle = C.dlopen(cs, C.RTLD_NOW)
		if uintptr(handle) == 0 {
			return 0, errors.Errorf("dlopen %s failed: %s", lib, C.GoString(C.dlerror()))
		}
		r.handles[lib] = handle
	}

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	sym := C.dlsym(handle, cName)
	if uintptr(sym) == 0 {
		return 0, errors.Wrapf(ErrSymbolNotFound, "dlsym %s in %s", name, lib)
	}
	return uintptr(sym), nil
}
