package elfimage

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is matched by every *ParseError.
	ErrParse = errors.New("elf parse error")

	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrSectionNotFound = errors.New("section not found")
)

// ParseError reports a malformed or truncated image. Off is the byte offset
// the parser was looking at.
type ParseError struct {
	Off int64
	Msg string
	Val any
}

func (e *ParseError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	return fmt.Sprintf("elf: %s at offset 0x%x", msg, e.Off)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func parseErr(off uint64, msg string, val any) *ParseError {
	return &ParseError{Off: int64(off), Msg: msg, Val: val}
}
