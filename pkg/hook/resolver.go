package hook

// Resolver looks up the address of an exported symbol in a system library
// loaded by the host process. It backs the C library fallback of Resolve and
// BindImports.
type Resolver interface {
	Lookup(lib, name string) (uintptr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(lib, name string) (uintptr, error)

func (f ResolverFunc) Lookup(lib, name string) (uintptr, error) {
	return f(lib, name)
}
