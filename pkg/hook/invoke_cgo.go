//go:build cgo

package hook

/*
#include <stdint.h>

typedef uintptr_t (*hook_fn4)(uintptr_t, uintptr_t, uintptr_t, uintptr_t);

static uintptr_t hook_invoke(uintptr_t fn, uintptr_t a, uintptr_t b, uintptr_t c, uintptr_t d) {
    return ((hook_fn4)fn)(a, b, c, d);
}

static void hook_clear_cache(uintptr_t start, uintptr_t n) {
    __builtin___clear_cache((char *)start, (char *)(start + n));
}
*/
import "C"

// invoke calls fn with the platform C calling convention.
func invoke(fn, a, b, c, d uintptr) (uintptr, error) {
	res := C.hook_invoke(C.uintptr_t(fn), C.uintptr_t(a), C.uintptr_t(b), C.uintptr_t(c), C.uintptr_t(d))
	return uintptr(res), nil
}

func flushICache(addr, n uintptr) {
	C.hook_clear_cache(C.uintptr_t(addr), C.uintptr_t(n))
}
