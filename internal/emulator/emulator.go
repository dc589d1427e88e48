// Package emulator provides the ARM64 guest address space using Unicorn Engine.
//
// Guest libraries, virtual process stacks, inline hook trampolines and host
// stub entry points all live in one Emulator instance.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Guest address space layout.
const (
	LibraryBase    = 0x40000000 // guest libraries are placed from here upwards
	StackBase      = 0x80000000
	StackSize      = 0x00100000 // host call stack
	HeapBase       = 0x90000000 // page arena, mapped on demand
	HeapSize       = 0x10000000
	TLSBase        = 0xDEAC0000
	TLSSize        = 0x00010000
	TrampolineBase = 0xE0000000 // inline hook trampolines
	TrampolineSize = 0x00010000
	StubBase       = 0xF0000000 // host stub entry points
	StubSize       = 0x00100000

	// ExitAddr is the return address used by Call. Execution stops when
	// the callee returns here.
	ExitAddr = StubBase + StubSize - 0x10

	PageSize = 0x1000

	// StubSlotSize is the spacing between stub entry points.
	StubSlotSize = 0x10

	// stackCanary is what bionic's __stack_chk_guard reads through TLS.
	stackCanary = 0xDEADBEEFDEADBEEF
)

// Protection flags, re-exported from unicorn.
const (
	ProtNone  = uc.PROT_NONE
	ProtRead  = uc.PROT_READ
	ProtWrite = uc.PROT_WRITE
	ProtExec  = uc.PROT_EXEC
	ProtAll   = uc.PROT_ALL
)

var (
	// ErrArenaExhausted is returned when the page arena has no room left.
	ErrArenaExhausted = errors.New("page arena exhausted")
	// ErrUnknownAllocation is returned when freeing a region Alloc never returned.
	ErrUnknownAllocation = errors.New("unknown allocation")
	// ErrStubsExhausted is returned when the stub region is full.
	ErrStubsExhausted = errors.New("stub region exhausted")
)

var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// AddressHookFunc runs when execution reaches a hooked address. Returning
// true stops the current run.
type AddressHookFunc func(emu *Emulator) bool

// Emulator is one guest address space.
type Emulator struct {
	mu uc.Unicorn

	// cpu serializes guest execution.
	cpu     sync.Mutex
	stopped atomic.Bool

	arenaMu  sync.Mutex
	arenaPtr uint64
	freed    map[uint64][]uint64 // size -> reusable bases
	allocs   map[uint64]uint64   // base -> size

	stubPtr atomic.Uint64

	libMu   sync.Mutex
	libNext uint64

	hooksMu sync.RWMutex
	hooks   map[uint64]AddressHookFunc
}

type region struct {
	name string
	base uint64
	size uint64
	prot int
}

// fixed lists the regions mapped for the lifetime of the address space.
var fixed = []region{
	{"stack", StackBase, StackSize, ProtRead | ProtWrite},
	{"tls", TLSBase, TLSSize, ProtRead | ProtWrite},
	{"trampolines", TrampolineBase, TrampolineSize, ProtAll},
	{"stubs", StubBase, StubSize, ProtRead | ProtExec},
}

// New creates an empty guest address space.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{
		mu:       mu,
		arenaPtr: HeapBase,
		freed:    make(map[uint64][]uint64),
		allocs:   make(map[uint64]uint64),
		libNext:  LibraryBase,
		hooks:    make(map[uint64]AddressHookFunc),
	}
	e.stubPtr.Store(StubBase)

	if err := e.layout(); err != nil {
		mu.Close()
		return nil, err
	}
	if _, err := mu.HookAdd(uc.HOOK_CODE, e.dispatch, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("install code hook: %w", err)
	}
	return e, nil
}

func (e *Emulator) layout() error {
	for _, r := range fixed {
		if err := e.mu.MemMapProt(r.base, r.size, r.prot); err != nil {
			return fmt.Errorf("map %s at 0x%x: %w", r.name, r.base, err)
		}
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"sp", func() error { return e.mu.RegWrite(uc.ARM64_REG_SP, StackBase+StackSize-PageSize) }},
		{"tpidr_el0", func() error { return e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase) }},
		{"canary", func() error { return e.MemWriteU64(TLSBase+0x28, stackCanary) }},
		{"exit pad", func() error { return e.mu.MemWrite(ExitAddr, retInsn) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("init %s: %w", step.what, err)
		}
	}
	return nil
}

func (e *Emulator) dispatch(_ uc.Unicorn, addr uint64, _ uint32) {
	if e.stopped.Load() {
		e.mu.Stop()
		return
	}
	e.hooksMu.RLock()
	fn, ok := e.hooks[addr]
	e.hooksMu.RUnlock()
	if ok && fn(e) {
		e.Stop()
	}
}

// Close releases the address space.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapRegion maps memory with full permissions.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// Protect changes the protection of a page-aligned range.
func (e *Emulator) Protect(addr, size uint64, prot int) error {
	return e.mu.MemProtect(addr, size, prot)
}

// MemRead reads guest memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes guest memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemWriteU64 writes a little-endian uint64.
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return e.mu.MemWrite(addr, buf[:])
}

// MemReadString reads a NUL-terminated string of at most maxLen bytes.
// The whole maxLen window must be mapped.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = PageSize
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, c := range data {
		if c == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes s followed by a NUL.
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.mu.MemWrite(addr, append([]byte(s), 0))
}

// X reads register Xn. Out of range registers read as 0.
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	v, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return v
}

// SetX writes register Xn.
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// SetPC redirects execution.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// LR returns the link register.
func (e *Emulator) LR() uint64 {
	v, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return v
}

// SetLR sets the link register.
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// HookAddress runs fn whenever execution reaches addr. A later hook on the
// same address replaces the earlier one.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks[addr] = fn
}

// RemoveAddressHook removes the hook at addr.
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	delete(e.hooks, addr)
}

// Run executes from start until end is reached or Stop is called.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped.Store(false)
	return e.mu.Start(start, end)
}

// Stop ends the current run.
func (e *Emulator) Stop() {
	e.stopped.Store(true)
	e.mu.Stop()
}

// Call runs the guest function at addr with up to eight integer arguments
// and returns X0. Calls are serialized.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("call 0x%x: %d arguments, at most 8 supported", addr, len(args))
	}

	e.cpu.Lock()
	defer e.cpu.Unlock()

	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.SetLR(ExitAddr); err != nil {
		return 0, err
	}
	if err := e.Run(addr, ExitAddr); err != nil {
		return 0, fmt.Errorf("call 0x%x: %w", addr, err)
	}
	return e.X(0), nil
}
