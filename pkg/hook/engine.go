// Package hook maps an ELF shared object into the current process, patches
// its call targets and calls into it.
//
// An Engine is not safe for concurrent use. Code reached through Run executes
// with the full privileges of the process: a fault there is a fault of the
// process.
package hook

import (
	"debug/elf"
	"fmt"
	"os"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/elfhook/pkg/elfimage"
)

type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// HookFunc is a Go function installed with BindFunc. It receives the first
// four integer arguments of the redirected call and returns its result.
type HookFunc func(a1, a2, a3, a4 uintptr) uintptr

type HookInfo struct {
	Symbol    string
	Technique Technique
	Target    uintptr
	Sites     int
}

type patchSite struct {
	addr  uint64
	patch []byte
	orig  []byte
}

type installedHook struct {
	name      string
	technique Technique
	target    uintptr
	fn        HookFunc
	shim      *shim
	sites     []patchSite
}

type Engine struct {
	logger      log.Logger
	metrics     *Metrics
	resolver    Resolver
	strictWX    bool
	requireBase bool
	bindOnLoad  bool

	img    *elfimage.Image
	libc   string
	base   uint64
	start  uint64
	state  State
	region *region
	hooks  []*installedHook
	bound  bool
}

// New parses the image at path. Nothing is mapped until Load.
func New(path string, opts ...Option) (*Engine, error) {
	img, err := elfimage.Open(path)
	if err != nil {
		return nil, err
	}
	return newEngine(img, opts), nil
}

func NewFromBuffer(buf []byte, opts ...Option) (*Engine, error) {
	img, err := elfimage.Parse(buf)
	if err != nil {
		return nil, err
	}
	return newEngine(img, opts), nil
}

func newEngine(img *elfimage.Image, opts []Option) *Engine {
	e := &Engine{
		logger: log.NewNopLogger(),
		img:    img,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewDLResolver()
	}
	e.logger = log.With(e.logger, "component", "hook")
	return e
}

// SetBase sets the address the image's virtual addresses are relative to.
// It can only be changed before Load.
func (e *Engine) SetBase(addr uint64) error {
	if e.state != StateUnloaded {
		return &StateError{Op: "set base", State: e.state}
	}
	e.base = addr
	return nil
}

// SetLibc records the C library used to resolve symbols the image does not
// define. Nothing is loaded until a lookup needs it.
func (e *Engine) SetLibc(path string) {
	e.libc = path
}

func (e *Engine) Libc() string {
	return e.libc
}

func (e *Engine) State() State {
	return e.state
}

// Base is the requested base before Load and the effective base after it.
func (e *Engine) Base() uint64 {
	return e.base
}

func (e *Engine) Image() *elfimage.Image {
	return e.img
}

// Size is the size of the mapped region, zero when nothing is mapped.
func (e *Engine) Size() uint64 {
	if e.region == nil {
		return 0
	}
	return e.region.size
}

// Load maps the loadable segments. The region spans the page-aligned range
// from the lowest to the highest PT_LOAD address and is placed at base plus
// that lowest address when the range is free; otherwise the kernel chooses
// the address and Base reports the new base.
func (e *Engine) Load() error {
	if e.state != StateUnloaded {
		return &StateError{Op: "load", State: e.state}
	}
	requested := e.base
	err := e.mapImage()
	if err == nil && e.bindOnLoad {
		if err = e.BindImports(); err != nil {
			e.unmapImage(requested)
			err = errors.Wrap(err, "bind imports")
		}
	}
	if err != nil {
		e.metrics.observeLoad(err, 0)
		_ = level.Error(e.logger).Log("msg", "failed to load image", "err", err)
		return err
	}
	e.metrics.observeLoad(nil, e.region.size)
	_ = level.Debug(e.logger).Log("msg", "image loaded", "base", fmt.Sprintf("0x%x", e.base), "region", e.region, "size", e.region.size)
	return nil
}

func (e *Engine) mapImage() error {
	low, high, ok := e.img.LoadBounds()
	if !ok {
		return &MemoryMapError{Op: "load", Err: errors.New("image has no loadable segments")}
	}
	pageSize := uint64(os.Getpagesize())
	start := low &^ (pageSize - 1)
	end := (high + pageSize - 1) &^ (pageSize - 1)
	if end <= start {
		return &MemoryMapError{Op: "load", Addr: uintptr(start), Err: errors.Errorf("invalid load range [0x%x, 0x%x)", low, high)}
	}

	var hint uint64
	if e.base != 0 {
		hint = e.base + start
	}
	r, err := mapRegion(uintptr(hint), end-start)
	if err != nil {
		return err
	}
	if hint != 0 && r.start() != hint {
		if e.requireBase {
			_ = r.unmap()
			return &MemoryMapError{Op: "load", Addr: uintptr(hint), Size: end - start, Err: errors.New("requested base address is not available")}
		}
		_ = level.Warn(e.logger).Log("msg", "requested base address is not available, image relocated",
			"requested", fmt.Sprintf("0x%x", e.base), "base", fmt.Sprintf("0x%x", r.start()-start))
	}

	prot := make([]int, len(r.prot))
	for _, p := range lo.Filter(e.img.Progs, func(p elfimage.ProgramHeader, _ int) bool {
		return p.Type == elf.PT_LOAD && p.Memsz > 0
	}) {
		dst := r.start() + p.Vaddr - start
		data := e.img.SegmentData(&p)
		copy(r.slice(dst, min(uint64(len(data)), p.Memsz)), data)
		first, last := r.pages(dst, p.Memsz)
		for i := first; i <= last; i++ {
			prot[i] |= protFromFlags(p.Flags)
		}
	}
	r.prot = prot
	if err := r.applyProt(); err != nil {
		_ = r.unmap()
		return err
	}

	e.region = r
	e.start = start
	e.base = r.start() - start
	e.state = StateLoaded
	return nil
}

func (e *Engine) unmapImage(base uint64) {
	if e.region == nil {
		return
	}
	if err := e.region.unmap(); err != nil {
		_ = level.Warn(e.logger).Log("msg", "failed to unmap image", "err", err)
	}
	e.base = base
	e.region = nil
	e.state = StateUnloaded
}

func (e *Engine) checkLoaded(op string) error {
	if e.state != StateLoaded {
		return &StateError{Op: op, State: e.state}
	}
	return nil
}

// checkRange translates an offset from the base into an address inside the
// mapped region.
func (e *Engine) checkRange(op string, offset, n uint64) (uint64, error) {
	addr := e.base + offset
	if !e.region.contains(addr, n) {
		return 0, &BoundsError{Op: op, Offset: offset, Len: n, Size: e.region.size}
	}
	return addr, nil
}

// SetMemory writes value at base+offset. The whole range must be mapped;
// nothing is written otherwise.
func (e *Engine) SetMemory(offset uint64, value []byte) error {
	err := e.setMemory(offset, value)
	e.metrics.observeWrite(err)
	return err
}

func (e *Engine) setMemory(offset uint64, value []byte) error {
	if err := e.checkLoaded("set memory"); err != nil {
		return err
	}
	addr, err := e.checkRange("set memory", offset, uint64(len(value)))
	if err != nil {
		return err
	}
	return e.region.write(addr, value, e.strictWX)
}

// ReadMemory copies n bytes starting at base+offset.
func (e *Engine) ReadMemory(offset uint64, n int) ([]byte, error) {
	if err := e.checkLoaded("read memory"); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &BoundsError{Op: "read memory", Offset: offset, Size: e.region.size, Msg: "negative length"}
	}
	addr, err := e.checkRange("read memory", offset, uint64(n))
	if err != nil {
		return nil, err
	}
	return e.region.read(addr, uint64(n))
}

// Run calls the code at base+offset with four pointer-sized arguments using
// the C calling convention and returns its result. It blocks until the code
// returns.
func (e *Engine) Run(offset uint64, a, b, c, d uintptr) (uintptr, error) {
	if err := e.checkLoaded("run"); err != nil {
		return 0, err
	}
	addr, err := e.checkRange("run", offset, 1)
	if err != nil {
		return 0, err
	}
	if page, _ := e.region.pages(addr, 1); e.region.prot[page]&protExec == 0 {
		return 0, &BoundsError{Op: "run", Offset: offset, Len: 1, Size: e.region.size, Msg: "page is not executable"}
	}
	e.metrics.observeInvoke()
	return invoke(uintptr(addr), a, b, c, d)
}

// Resolve returns the live address of a symbol defined by the image, falling
// back to the C library set with SetLibc.
func (e *Engine) Resolve(name string) (uintptr, error) {
	if i, sym := e.img.LookupDynSym(name); sym != nil && sym.Defined() {
		if err := e.checkLoaded("resolve"); err != nil {
			return 0, err
		}
		e.img.DynSyms[i].Loaded = true
		return uintptr(e.base + sym.Value), nil
	}
	return e.resolveLibc(name)
}

func (e *Engine) resolveLibc(name string) (uintptr, error) {
	if e.libc == "" {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s (no libc configured)", name)
	}
	addr, err := e.resolver.Lookup(e.libc, name)
	e.metrics.observeLibc(err)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve %s", name)
	}
	return addr, nil
}

// SetHook redirects the call target of the dynamic symbol name to fn. Only
// the bytes of the redirect are written; Unhook restores them.
//
// Relocated slots (JUMP_SLOT, GLOB_DAT and word-sized absolute relocations)
// against the symbol are rewritten first. A symbol without such slots that is
// a word-sized object is treated as the pointer to rewrite, and a function is
// patched inline with an absolute jump.
func (e *Engine) SetHook(name string, fn uintptr) error {
	return e.installHook(name, fn, nil, nil)
}

// BindFunc installs a Go function as the target of name.
func (e *Engine) BindFunc(name string, f HookFunc) error {
	if err := e.checkLoaded("bind func"); err != nil {
		return err
	}
	sh, err := newShim(f)
	if err != nil {
		return err
	}
	if err := e.installHook(name, sh.start, f, sh); err != nil {
		_ = sh.close()
		return err
	}
	return nil
}

func (e *Engine) installHook(name string, target uintptr, fn HookFunc, sh *shim) error {
	if err := e.checkLoaded("set hook"); err != nil {
		return err
	}
	if _, _, ok := e.findHook(name); ok {
		if err := e.Unhook(name); err != nil {
			return err
		}
	}
	h, err := e.planHook(name, target)
	if err == nil {
		err = e.applyHook(h)
	}
	if err != nil {
		e.metrics.observeHook("", err)
		_ = level.Warn(e.logger).Log("msg", "failed to install hook", "symbol", name, "err", err)
		return err
	}
	e.metrics.observeHook(h.technique, nil)
	h.fn, h.shim = fn, sh
	e.hooks = append(e.hooks, h)
	_ = level.Debug(e.logger).Log("msg", "hook installed", "symbol", name, "technique", h.technique, "sites", len(h.sites), "target", fmt.Sprintf("0x%x", target))
	return nil
}

func (e *Engine) planHook(name string, target uintptr) (*installedHook, error) {
	i, sym := e.img.LookupDynSym(name)
	if sym == nil {
		return nil, errors.Wrapf(ErrSymbolNotFound, "hook %s", name)
	}
	var (
		h     = &installedHook{name: name, target: target}
		ws    = e.img.WordSize()
		order = e.img.ByteOrder()
		m     = e.img.Header.Machine
	)
	if kinds, ok := relocKindsByMachine[m]; ok {
		for _, r := range e.img.RelocationsFor(i) {
			if kinds.isSlot(r.Type) {
				h.sites = append(h.sites, patchSite{addr: e.base + r.Offset, patch: putWord(order, ws, uint64(target))})
			}
		}
	}
	switch {
	case len(h.sites) > 0:
		h.technique = TechniqueSlot
	case sym.Defined() && sym.Type() == elf.STT_OBJECT && sym.Size == uint64(ws):
		h.technique = TechniquePointer
		h.sites = []patchSite{{addr: e.base + sym.Value, patch: putWord(order, ws, uint64(target))}}
	case sym.Defined() && sym.Type() == elf.STT_FUNC:
		patch, err := jumpPatch(m, order, uint64(target))
		if err != nil {
			return nil, err
		}
		if sym.Size != 0 && sym.Size < uint64(len(patch)) {
			return nil, &BoundsError{Op: "set hook", Offset: sym.Value, Len: uint64(len(patch)), Size: e.region.size,
				Msg: fmt.Sprintf("function %s is %d bytes, too small for a jump", name, sym.Size)}
		}
		h.technique = TechniqueInline
		h.sites = []patchSite{{addr: e.base + sym.Value, patch: patch}}
	default:
		return nil, errors.Errorf("hook %s: symbol has no call target to redirect", name)
	}
	for _, s := range h.sites {
		if !e.region.contains(s.addr, uint64(len(s.patch))) {
			return nil, &BoundsError{Op: "set hook", Offset: s.addr - e.base, Len: uint64(len(s.patch)), Size: e.region.size}
		}
	}
	e.img.DynSyms[i].Loaded = true
	return h, nil
}

// applyHook writes every site of h, saving the bytes it replaces. If a write
// fails the sites already written are restored.
func (e *Engine) applyHook(h *installedHook) error {
	for i := range h.sites {
		s := &h.sites[i]
		orig, err := e.region.read(s.addr, uint64(len(s.patch)))
		if err == nil {
			s.orig = orig
			err = e.region.write(s.addr, s.patch, e.strictWX)
		}
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = e.region.write(h.sites[j].addr, h.sites[j].orig, e.strictWX)
			}
			return err
		}
	}
	return nil
}

// Unhook restores the bytes replaced by the hook on name.
func (e *Engine) Unhook(name string) error {
	if err := e.checkLoaded("unhook"); err != nil {
		return err
	}
	h, i, ok := e.findHook(name)
	if !ok {
		return errors.Errorf("%s is not hooked", name)
	}
	for j := len(h.sites) - 1; j >= 0; j-- {
		if err := e.region.write(h.sites[j].addr, h.sites[j].orig, e.strictWX); err != nil {
			return errors.Wrapf(err, "unhook %s", name)
		}
	}
	e.hooks = slices.Delete(e.hooks, i, i+1)
	if h.shim != nil {
		return h.shim.close()
	}
	return nil
}

func (e *Engine) findHook(name string) (*installedHook, int, bool) {
	return lo.FindIndexOf(e.hooks, func(h *installedHook) bool {
		return h.name == name
	})
}

// Hooks lists the installed hooks in installation order.
func (e *Engine) Hooks() []HookInfo {
	return lo.Map(e.hooks, func(h *installedHook, _ int) HookInfo {
		return HookInfo{Symbol: h.name, Technique: h.technique, Target: h.target, Sites: len(h.sites)}
	})
}

// Clone returns an independent engine. A loaded engine is copied into a new
// region with the same contents and page protections; imports are bound
// again and hooks re-installed against the new base, Go hooks with their own
// trampolines.
func (e *Engine) Clone() (*Engine, error) {
	if e.state == StateClosed {
		return nil, &StateError{Op: "clone", State: e.state}
	}
	c := &Engine{
		logger:      e.logger,
		metrics:     e.metrics,
		resolver:    e.resolver,
		strictWX:    e.strictWX,
		requireBase: e.requireBase,
		bindOnLoad:  e.bindOnLoad,
		img:         e.img.Clone(),
		libc:        e.libc,
		base:        e.base,
		state:       StateUnloaded,
	}
	if e.state == StateUnloaded {
		return c, nil
	}
	if err := e.copyRegionTo(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) copyRegionTo(c *Engine) (err error) {
	src := e.region
	data, err := src.read(src.start(), src.size)
	if err != nil {
		return err
	}
	r, err := mapRegion(0, src.size)
	if err != nil {
		return err
	}
	dst := r.slice(r.start(), r.size)
	copy(dst, data)
	for i := len(e.hooks) - 1; i >= 0; i-- {
		sites := e.hooks[i].sites
		for j := len(sites) - 1; j >= 0; j-- {
			copy(dst[sites[j].addr-src.start():], sites[j].orig)
		}
	}
	r.prot = slices.Clone(src.prot)
	if err := r.applyProt(); err != nil {
		_ = r.unmap()
		return err
	}
	c.region, c.start, c.base, c.state = r, e.start, r.start()-e.start, StateLoaded
	c.metrics.observeLoad(nil, r.size)

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	if e.bound {
		if err = c.BindImports(); err != nil {
			return err
		}
	}
	for _, h := range e.hooks {
		if h.fn != nil {
			err = c.BindFunc(h.name, h.fn)
		} else {
			err = c.SetHook(h.name, h.target)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the image and releases Go hook trampolines. It is safe to
// call more than once.
func (e *Engine) Close() error {
	if e.state == StateClosed {
		return nil
	}
	var result error
	if e.region != nil {
		size := e.region.size
		if err := e.region.unmap(); err != nil {
			result = multierror.Append(result, err)
		} else {
			e.metrics.observeUnmap(size)
		}
		e.region = nil
	}
	for _, h := range e.hooks {
		if h.shim == nil {
			continue
		}
		if err := h.shim.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.hooks = nil
	e.state = StateClosed
	return result
}
