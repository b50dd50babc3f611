//go:build !linux || !amd64 || !cgo

package hook

import "errors"

var errGoHooksUnsupported = errors.New("hook: Go hook functions require linux/amd64 and cgo")

type shim struct {
	start uintptr
}

func newShim(f HookFunc) (*shim, error) {
	return nil, errGoHooksUnsupported
}

func (s *shim) close() error {
	return nil
}
