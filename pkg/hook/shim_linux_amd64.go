//go:build cgo

package hook

/*
#include <stdint.h>

typedef struct {
   uintptr_t ctx;
   uintptr_t a1;
   uintptr_t a2;
   uintptr_t a3;
   uintptr_t a4;
} ShimArgs;

extern uintptr_t elfhookGoShim(ShimArgs *args);
static void *getGoShimAddress() {
    return &elfhookGoShim;
}
*/
import "C"

import (
	"encoding/binary"
	"encoding/hex"
	"runtime/cgo"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

//export elfhookGoShim
func elfhookGoShim(args *C.ShimArgs) C.uintptr_t {
	f := cgo.Handle(args.ctx).Value().(HookFunc)
	return C.uintptr_t(f(uintptr(args.a1), uintptr(args.a2), uintptr(args.a3), uintptr(args.a4)))
}

// trampoline spills the four integer argument registers next to the handle
// stored at code[0:8] and calls the Go shim stored at code[8:16] with a
// pointer to that ShimArgs block. Entry is at code[16].
func trampoline() []byte {
	codeHex := ""
	codeHex += "51"             //00000010  51                push rcx
	codeHex += "52"             //00000011  52                push rdx
	codeHex += "56"             //00000012  56                push rsi
	codeHex += "57"             //00000013  57                push rdi
	codeHex += "488B05E5FFFFFF" //00000014  488B05E5FFFFFF    mov rax,[rel 0x0]
	codeHex += "50"             //0000001B  50                push rax
	codeHex += "4889E7"         //0000001C  4889E7            mov rdi,rsp
	codeHex += "488B05E2FFFFFF" //0000001F  488B05E2FFFFFF    mov rax,[rel 0x8]
	codeHex += "FFD0"           //00000026  FFD0              call rax
	codeHex += "4883C428"       //00000028  4883C428          add rsp,byte +0x28
	codeHex += "C3"             //0000002C  C3                ret
	codeBytes, _ := hex.DecodeString(codeHex)
	return codeBytes
}

const trampolineEntry = 16

type shim struct {
	code   mmap.MMap
	handle cgo.Handle
	start  uintptr
}

func newShim(f HookFunc) (*shim, error) {
	code, err := mmap.MapRegion(nil, 0x1000, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, &MemoryMapError{Op: "mmap trampoline", Size: 0x1000, Err: err}
	}
	h := cgo.NewHandle(f)
	binary.LittleEndian.PutUint64(code[0:8], uint64(h))
	binary.LittleEndian.PutUint64(code[8:16], uint64(uintptr(C.getGoShimAddress())))
	copy(code[trampolineEntry:], trampoline())
	return &shim{
		code:   code,
		handle: h,
		start:  uintptr(unsafe.Pointer(&code[trampolineEntry])),
	}, nil
}

func (s *shim) close() error {
	s.handle.Delete()
	return s.code.Unmap()
}
