//go:build !cgo

package hook

import "errors"

var errNoCgo = errors.New("hook: calling into the image requires cgo")

func invoke(fn, a, b, c, d uintptr) (uintptr, error) {
	return 0, errNoCgo
}

// Without cgo nothing can execute the patched code, so there is no
// instruction cache to keep coherent.
func flushICache(addr, n uintptr) {}
