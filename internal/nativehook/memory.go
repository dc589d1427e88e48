package nativehook

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
)

// Protection flags accepted by ProtectMemory.
const (
	ProtNone  = emulator.ProtNone
	ProtRead  = emulator.ProtRead
	ProtWrite = emulator.ProtWrite
	ProtExec  = emulator.ProtExec
)

// ProtectMemory changes the protection of guest pages. addr must be page
// aligned; size is rounded up to whole pages.
func (b *Bridge) ProtectMemory(addr, size uint64, prot int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %v", ErrMprotectFailed, ErrNativeUnavailable)
	}
	if addr%emulator.PageSize != 0 {
		return fmt.Errorf("%w: unaligned address %s", ErrMprotectFailed, glog.Hex(addr))
	}
	if size == 0 || prot&^emulator.ProtAll != 0 {
		return fmt.Errorf("%w: invalid range or protection (size %d, prot %d)", ErrMprotectFailed, size, prot)
	}

	b.memMu.Lock()
	defer b.memMu.Unlock()
	if err := b.emu.Protect(addr, emulator.PageAlign(size), prot); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMprotectFailed, glog.Hex(addr), err)
	}
	return nil
}

// AllocateMemory maps size bytes of guest memory, rounded up to pages. It
// returns 0 on failure.
func (b *Bridge) AllocateMemory(size uint64) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return 0
	}
	addr, err := b.emu.Alloc(size)
	if err != nil {
		b.log.Error("allocate", glog.Size(size), zap.Error(err))
		return 0
	}
	return addr
}

// FreeMemory unmaps a region returned by AllocateMemory with the same size.
func (b *Bridge) FreeMemory(addr, size uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %v", ErrFreeFailed, ErrNativeUnavailable)
	}
	if err := b.emu.Free(addr, size); err != nil {
		return fmt.Errorf("%w: %v", ErrFreeFailed, err)
	}
	return nil
}
