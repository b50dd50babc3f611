package hook

import (
	"errors"
	"fmt"

	"github.com/grafana/elfhook/pkg/elfimage"
)

// ErrSymbolNotFound is returned, wrapped, when a symbol is present neither in
// the image nor in the fallback C library.
var ErrSymbolNotFound = elfimage.ErrSymbolNotFound

// StateError is returned by operations invoked in a state that does not
// allow them, such as writing memory before Load.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("hook: %s not allowed in state %s", e.Op, e.State)
}

// MemoryMapError is returned when mapping, protecting or unmapping memory
// fails.
type MemoryMapError struct {
	Op   string
	Addr uintptr
	Size uint64
	Err  error
}

func (e *MemoryMapError) Error() string {
	return fmt.Sprintf("hook: %s [0x%x, 0x%x): %v", e.Op, e.Addr, uint64(e.Addr)+e.Size, e.Err)
}

func (e *MemoryMapError) Unwrap() error {
	return e.Err
}

// BoundsError is returned when a write or call target falls outside the
// mapped region, or lands on memory with the wrong protection.
type BoundsError struct {
	Op     string
	Offset uint64
	Len    uint64
	Size   uint64
	Msg    string
}

func (e *BoundsError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "out of bounds"
	}
	return fmt.Sprintf("hook: %s at offset 0x%x len %d: %s (mapped size 0x%x)", e.Op, e.Offset, e.Len, msg, e.Size)
}

func IsStateError(err error) bool {
	var e *StateError
	return errors.As(err, &e)
}

func IsMemoryMapError(err error) bool {
	var e *MemoryMapError
	return errors.As(err, &e)
}

func IsBoundsError(err error) bool {
	var e *BoundsError
	return errors.As(err, &e)
}
