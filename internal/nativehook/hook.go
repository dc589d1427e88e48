package nativehook

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
)

const (
	// PatchSize is the number of bytes overwritten at a hooked function.
	PatchSize = 16
	// TrampolineSlot is the size of one trampoline.
	TrampolineSlot = 32

	insnLDRX16 = 0x58000050 // LDR X16, #8
	insnBRX16  = 0xd61f0200 // BR X16
)

// Hook describes an installed inline hook.
type Hook struct {
	Symbol      string
	Library     string
	Target      uint64 // patched function entry
	Replacement uint64
	Trampoline  uint64 // runs the displaced prologue, then target+PatchSize
	Original    []byte // displaced bytes
}

// absoluteJump encodes LDR X16, #8; BR X16; .quad dest.
func absoluteJump(dest uint64) []byte {
	b := make([]byte, 0, PatchSize)
	b = binary.LittleEndian.AppendUint32(b, insnLDRX16)
	b = binary.LittleEndian.AppendUint32(b, insnBRX16)
	return binary.LittleEndian.AppendUint64(b, dest)
}

// checkRelocatable decodes the displaced prologue. Instructions that
// address relative to PC would compute wrong values from the trampoline.
func checkRelocatable(code []byte) error {
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			return fmt.Errorf("undecodable instruction at +%d: %v", off, err)
		}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if _, ok := arg.(arm64asm.PCRel); ok {
				return fmt.Errorf("pc-relative %q at +%d", inst.String(), off)
			}
		}
	}
	return nil
}

func (b *Bridge) symbolLock(sym string) *sync.Mutex {
	v, _ := b.symbolLocks.LoadOrStore(sym, new(sync.Mutex))
	return v.(*sync.Mutex)
}

// InstallHook redirects the entry of symbol to replacement. When backup is
// not nil it receives the trampoline address that calls the original.
func (b *Bridge) InstallHook(symbol string, replacement uint64, backup *uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %s: %v", ErrSymbolNotResolved, symbol, ErrNativeUnavailable)
	}

	l := b.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	h, err := b.installLocked(symbol, replacement)
	if err != nil {
		b.log.Error("install hook", glog.Fn(symbol), zap.Error(err))
		return err
	}
	if backup != nil {
		*backup = h.Trampoline
	}
	return nil
}

// installLocked patches symbol. The caller holds the engine read lock and
// the symbol lock.
func (b *Bridge) installLocked(symbol string, replacement uint64) (*Hook, error) {
	b.hooksMu.RLock()
	_, dup := b.hooks[symbol]
	b.hooksMu.RUnlock()
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyHooked, symbol)
	}

	target, lib := b.resolve(symbol)
	if target == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotResolved, symbol)
	}
	if replacement == 0 {
		return nil, fmt.Errorf("%w: %s: null replacement", ErrPatchRefused, symbol)
	}

	b.memMu.Lock()
	defer b.memMu.Unlock()

	if other := b.overlapping(target); other != "" {
		return nil, fmt.Errorf("%w: %s overlaps hook on %s", ErrAlreadyHooked, symbol, other)
	}

	orig, err := b.emu.MemRead(target, PatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read prologue: %v", ErrPatchRefused, symbol, err)
	}
	if err := checkRelocatable(orig); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPatchRefused, symbol, err)
	}

	tramp, err := b.allocTrampoline()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPatchRefused, symbol, err)
	}
	code := append(append([]byte{}, orig...), absoluteJump(target+PatchSize)...)
	if err := b.emu.MemWrite(tramp, code); err != nil {
		b.freeTrampoline(tramp)
		return nil, fmt.Errorf("%w: %s: write trampoline: %v", ErrPatchRefused, symbol, err)
	}

	if err := b.patch(target, absoluteJump(replacement)); err != nil {
		b.freeTrampoline(tramp)
		return nil, fmt.Errorf("%w: %s: %v", ErrPatchRefused, symbol, err)
	}

	h := &Hook{
		Symbol:      symbol,
		Library:     lib.Name,
		Target:      target,
		Replacement: replacement,
		Trampoline:  tramp,
		Original:    orig,
	}
	b.hooksMu.Lock()
	b.hooks[symbol] = h
	b.hooksMu.Unlock()

	b.log.Debug("hooked", glog.Fn(symbol), glog.Addr(target), glog.Ptr("repl", replacement), glog.Ptr("tramp", tramp))
	return h, nil
}

// UninstallHook restores the original prologue of symbol.
func (b *Bridge) UninstallHook(symbol string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %s", ErrNotHooked, symbol)
	}
	if err := b.uninstallLocked(symbol); err != nil {
		b.log.Error("uninstall hook", glog.Fn(symbol), zap.Error(err))
		return err
	}
	return nil
}

func (b *Bridge) uninstallLocked(symbol string) error {
	l := b.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	b.hooksMu.RLock()
	h, ok := b.hooks[symbol]
	b.hooksMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHooked, symbol)
	}

	b.memMu.Lock()
	defer b.memMu.Unlock()

	if err := b.patch(h.Target, h.Original); err != nil {
		return fmt.Errorf("%w: %s: restore: %v", ErrPatchRefused, symbol, err)
	}
	b.freeTrampoline(h.Trampoline)

	b.hooksMu.Lock()
	delete(b.hooks, symbol)
	b.hooksMu.Unlock()

	b.log.Debug("unhooked", glog.Fn(symbol), glog.Addr(h.Target))
	return nil
}

// patch writes code at addr with the covering pages made writable for the
// duration of the write. Caller holds memMu.
func (b *Bridge) patch(addr uint64, code []byte) error {
	start := addr &^ (emulator.PageSize - 1)
	size := emulator.PageAlign(addr + uint64(len(code)) - start)

	if err := b.emu.Protect(start, size, emulator.ProtAll); err != nil {
		return fmt.Errorf("unprotect 0x%x: %v", start, err)
	}
	werr := b.emu.MemWrite(addr, code)
	if err := b.emu.Protect(start, size, emulator.ProtRead|emulator.ProtExec); err != nil && werr == nil {
		werr = fmt.Errorf("reprotect 0x%x: %v", start, err)
	}
	return werr
}

// overlapping returns the symbol whose patch shares bytes with a patch at
// target. Caller holds memMu.
func (b *Bridge) overlapping(target uint64) string {
	b.hooksMu.RLock()
	defer b.hooksMu.RUnlock()
	for sym, h := range b.hooks {
		if target < h.Target+PatchSize && h.Target < target+PatchSize {
			return sym
		}
	}
	return ""
}

// allocTrampoline returns a free trampoline slot. Caller holds memMu.
func (b *Bridge) allocTrampoline() (uint64, error) {
	if n := len(b.trampFree); n > 0 {
		addr := b.trampFree[n-1]
		b.trampFree = b.trampFree[:n-1]
		return addr, nil
	}
	if b.trampNext+TrampolineSlot > emulator.TrampolineBase+emulator.TrampolineSize {
		return 0, fmt.Errorf("trampoline region exhausted")
	}
	addr := b.trampNext
	b.trampNext += TrampolineSlot
	return addr, nil
}

// freeTrampoline zeroes a slot and returns it to the free list. Caller
// holds memMu.
func (b *Bridge) freeTrampoline(addr uint64) {
	_ = b.emu.MemWrite(addr, make([]byte, TrampolineSlot))
	b.trampFree = append(b.trampFree, addr)
}

// Hooks returns the installed hooks sorted by symbol.
func (b *Bridge) Hooks() []Hook {
	b.hooksMu.RLock()
	defer b.hooksMu.RUnlock()
	out := make([]Hook, 0, len(b.hooks))
	for _, h := range b.hooks {
		c := *h
		c.Original = bytes.Clone(h.Original)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Hooked reports whether symbol currently carries a hook.
func (b *Bridge) Hooked(symbol string) bool {
	b.hooksMu.RLock()
	defer b.hooksMu.RUnlock()
	_, ok := b.hooks[symbol]
	return ok
}
