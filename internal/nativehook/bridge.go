// Package nativehook is the bridge to the native engine: it owns the
// guest address space, loads libraries, resolves symbols, installs inline
// hooks, spawns virtual processes and intercepts binder IPC.
package nativehook

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/config"
	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/stubs"
	"github.com/zboralski/vspace/internal/sysimage"
)

// newEmulator is replaced in tests to simulate an unavailable engine.
var newEmulator = emulator.New

// Bridge is the native hook bridge.
type Bridge struct {
	// mu guards the engine lifetime: operations hold the read side,
	// Initialize and Cleanup the write side.
	mu   sync.RWMutex
	emu  *emulator.Emulator
	libs []*emulator.Library

	symCache sync.Map // "lib::sym" -> uint64

	// memMu serializes guest code patching and trampoline bookkeeping.
	memMu       sync.Mutex
	trampNext   uint64
	trampFree   []uint64
	symbolLocks sync.Map // symbol -> *sync.Mutex
	hooksMu     sync.RWMutex
	hooks       map[string]*Hook

	dl linker

	procMu sync.Mutex
	procs  map[int]*Process

	stubs        *stubs.Registry
	binderMu     sync.Mutex
	binderHooked atomic.Bool
	backups      map[string]*atomic.Uint64
	traffic      map[string]*atomic.Uint64

	filter    *binder.Filter
	scripts   *binder.Scripts
	intercept *binder.Interceptor

	log *glog.Logger
}

// New returns an uninitialized bridge.
func New() *Bridge {
	b := &Bridge{
		hooks:   make(map[string]*Hook),
		procs:   make(map[int]*Process),
		filter:  binder.NewFilter(),
		backups: make(map[string]*atomic.Uint64),
		traffic: make(map[string]*atomic.Uint64),
		log:     glog.L.WithCategory("native"),
	}
	for _, name := range binderSymbols {
		b.backups[name] = new(atomic.Uint64)
		b.traffic[name] = new(atomic.Uint64)
	}
	b.dl.reset()
	b.scripts = binder.NewScripts()
	b.intercept = binder.NewInterceptor(b.filter, b.scripts)
	return b
}

// Default returns the process-wide bridge.
var Default = sync.OnceValue(New)

// Initialize creates the guest address space and loads the host's system
// libraries into it.
func (b *Bridge) Initialize(host *config.Host) error {
	if host == nil {
		host = config.Default()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.emu != nil {
		return ErrAlreadyInitialized
	}

	emu, err := newEmulator()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
	}
	b.emu = emu
	b.trampNext = emulator.TrampolineBase
	b.trampFree = nil
	b.stubs = stubs.NewRegistry()
	b.registerBinderStubs()
	b.dl.reset()

	for _, lib := range host.SystemLibraries {
		if err := b.loadLocked(lib); err != nil {
			b.teardownLocked()
			return fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
		}
	}

	b.log.Info("initialized", zap.Strings("libs", b.libNames()))
	return nil
}

// Initialized reports whether the engine is up.
func (b *Bridge) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emu != nil
}

// Cleanup removes every hook, kills every virtual process and releases
// the guest address space. It is idempotent.
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.emu == nil {
		return
	}

	b.unhookBinderLocked()

	b.hooksMu.RLock()
	residual := make([]string, 0, len(b.hooks))
	for sym := range b.hooks {
		residual = append(residual, sym)
	}
	b.hooksMu.RUnlock()
	for _, sym := range residual {
		if err := b.uninstallLocked(sym); err != nil {
			b.log.Warn("residual hook", glog.Fn(sym), zap.Error(err))
		}
	}

	b.procMu.Lock()
	for pid, p := range b.procs {
		if err := b.emu.Free(p.Stack, p.StackSize); err != nil {
			b.log.Warn("release process stack", glog.PID(pid), zap.Error(err))
		}
		delete(b.procs, pid)
	}
	b.procMu.Unlock()

	b.filter.Clear()
	b.scripts.Clear()

	b.teardownLocked()
	b.log.Info("cleaned up")
}

// teardownLocked closes the emulator and forgets everything mapped in it.
func (b *Bridge) teardownLocked() {
	if err := b.emu.Close(); err != nil {
		b.log.Warn("close emulator", zap.Error(err))
	}
	b.emu = nil
	b.libs = nil
	b.symCache.Range(func(k, _ any) bool {
		b.symCache.Delete(k)
		return true
	})
	b.hooksMu.Lock()
	b.hooks = make(map[string]*Hook)
	b.hooksMu.Unlock()
	for _, v := range b.backups {
		v.Store(0)
	}
	b.binderHooked.Store(false)
	b.dl.reset()
}

// LoadLibrary maps a library into the guest address space. path is either
// the name of a built-in system image or an absolute path to an ARM64
// shared object. Loading an already loaded library is a no-op.
func (b *Bridge) LoadLibrary(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, ErrNativeUnavailable)
	}
	return b.loadLocked(path)
}

func (b *Bridge) loadLocked(path string) error {
	if b.findLib(path) != nil {
		return nil
	}

	var lib *emulator.Library
	var err error
	if img, ok := sysimage.Lookup(path); ok {
		lib, err = b.emu.LoadImage(img)
	} else {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%w: %s: not a system image or absolute path", ErrLoadFailed, path)
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return fmt.Errorf("%w: %v", ErrLoadFailed, statErr)
		}
		lib, err = b.emu.LoadELF(path)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, err)
	}
	if err := b.bindRuntime(lib); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, err)
	}

	b.libs = append(b.libs, lib)
	b.log.Debug("loaded", zap.String("lib", lib.Name), glog.Addr(lib.BaseAddr), zap.Int("symbols", len(lib.Symbols)))
	return nil
}

func (b *Bridge) findLib(name string) *emulator.Library {
	for _, l := range b.libs {
		if l.Name == name || l.Path == name {
			return l
		}
	}
	return nil
}

func (b *Bridge) libNames() []string {
	names := make([]string, len(b.libs))
	for i, l := range b.libs {
		names[i] = l.Name
	}
	return names
}

// Libraries lists the loaded libraries in load order.
func (b *Bridge) Libraries() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.libNames()
}

// FindSymbol resolves sym in the library named lib. It returns 0 when
// either is unknown.
func (b *Bridge) FindSymbol(lib, sym string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return 0
	}

	key := lib + "::" + sym
	if v, ok := b.symCache.Load(key); ok {
		return v.(uint64)
	}
	l := b.findLib(lib)
	if l == nil {
		return 0
	}
	addr := l.FindSymbol(sym)
	if addr != 0 {
		b.symCache.Store(key, addr)
	}
	return addr
}

// resolve searches every loaded library in load order.
func (b *Bridge) resolve(sym string) (uint64, *emulator.Library) {
	for _, l := range b.libs {
		if addr := l.FindSymbol(sym); addr != 0 {
			return addr, l
		}
	}
	return 0, nil
}

// Invoke calls the guest function sym with integer arguments and returns X0.
func (b *Bridge) Invoke(sym string, args ...uint64) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return 0, ErrNativeUnavailable
	}
	addr, _ := b.resolve(sym)
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotResolved, sym)
	}
	return b.emu.Call(addr, args...)
}

// ReadMemory reads guest memory.
func (b *Bridge) ReadMemory(addr, size uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return nil, ErrNativeUnavailable
	}
	return b.emu.MemRead(addr, size)
}

// WriteMemory writes guest memory.
func (b *Bridge) WriteMemory(addr uint64, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return ErrNativeUnavailable
	}
	b.memMu.Lock()
	defer b.memMu.Unlock()
	return b.emu.MemWrite(addr, data)
}
