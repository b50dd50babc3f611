//go:build !cgo || !(linux || darwin || freebsd)

package hook

import "github.com/pkg/errors"

type dlResolver struct{}

func NewDLResolver() Resolver {
	return dlResolver{}
}

func (dlResolver) Lookup(lib, name string) (uintptr, error) {
	return 0, errors.Wrapf(ErrSymbolNotFound, "%s in %s: dynamic loading requires cgo", name, lib)
}
