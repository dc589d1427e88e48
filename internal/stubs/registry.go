// Package stubs provides a registry of host-side replacement functions.
// Each stub gets its own entry point in the emulator stub region; guest
// code that jumps there runs the Go hook instead of guest instructions.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "ioctl")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "binder", "libc", ...
}

// Registry holds stub definitions and the entry points they were installed at.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition
	addrs map[*StubDef]uint64 // installed entry points

	// OnCall is invoked by Log.
	OnCall func(category, name, detail string)
}

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
		addrs: make(map[*StubDef]uint64),
	}
}

// Register adds a stub definition to the registry. A later definition
// with the same name replaces the earlier one.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &def
	r.stubs[def.Name] = d
	for _, alias := range def.Aliases {
		r.stubs[alias] = d
	}

	glog.L.Debug("registered",
		zap.String("cat", def.Category),
		glog.Fn(def.Name),
		zap.Strings("aliases", def.Aliases),
	)
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Install gives every registered stub that has no entry point yet a slot
// in the stub region and hooks it. It returns the number of new entries.
func (r *Registry) Install(emu *emulator.Emulator) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	installed := 0
	for name, def := range r.stubs {
		if _, ok := r.addrs[def]; ok {
			continue
		}
		addr, err := emu.AllocStub()
		if err != nil {
			return installed, fmt.Errorf("install %s: %w", name, err)
		}

		stub := def
		emu.HookAddress(addr, func(e *emulator.Emulator) bool {
			return stub.Hook(e)
		})
		r.addrs[def] = addr
		installed++

		glog.L.Debug("installed",
			zap.String("cat", def.Category),
			glog.Fn(def.Name),
			glog.Addr(addr),
		)
	}
	return installed, nil
}

// Uninstall removes the entry point hook of a stub. The slot keeps its RET,
// so a stale jump into it returns to the caller.
func (r *Registry) Uninstall(emu *emulator.Emulator, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.stubs[name]
	if !ok {
		return
	}
	if addr, ok := r.addrs[def]; ok {
		emu.RemoveAddressHook(addr)
		delete(r.addrs, def)
	}
}

// Addr returns the entry point of an installed stub, or 0.
func (r *Registry) Addr(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	if !ok {
		return 0
	}
	return r.addrs[def]
}

// Log calls the OnCall callback and logs via zap.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	glog.L.Debug("stub",
		zap.String("cat", category),
		glog.Fn(name),
		zap.String("detail", detail),
	)
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list())
}

// List returns all registered stub names, without aliases.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list()
}

func (r *Registry) list() []string {
	names := make([]string, 0, len(r.stubs))
	seen := make(map[*StubDef]bool)
	for _, def := range r.stubs {
		if seen[def] {
			continue
		}
		seen[def] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.SetPC(emu.LR())
}

// Return sets X0 and returns from the current function.
func Return(emu *emulator.Emulator, val uint64) {
	emu.SetX(0, val)
	ReturnFromStub(emu)
}

// Continue resumes guest execution at addr, typically a hook trampoline,
// with the caller's registers untouched.
func Continue(emu *emulator.Emulator, addr uint64) {
	emu.SetPC(addr)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}
