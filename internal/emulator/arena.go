package emulator

import "fmt"

// PageAlign rounds size up to a whole number of pages.
func PageAlign(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Alloc maps size bytes (rounded to pages) of RW memory from the page arena.
// Freed regions of the same rounded size are reused first.
func (e *Emulator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc 0 bytes: %w", ErrArenaExhausted)
	}
	size = PageAlign(size)

	e.arenaMu.Lock()
	defer e.arenaMu.Unlock()

	addr, reused := e.takeFreed(size)
	if !reused {
		if e.arenaPtr+size > HeapBase+HeapSize {
			return 0, ErrArenaExhausted
		}
		addr = e.arenaPtr
		e.arenaPtr += size
	}

	if err := e.mu.MemMapProt(addr, size, ProtRead|ProtWrite); err != nil {
		e.freed[size] = append(e.freed[size], addr)
		return 0, fmt.Errorf("map 0x%x: %w", addr, err)
	}
	e.allocs[addr] = size
	return addr, nil
}

func (e *Emulator) takeFreed(size uint64) (uint64, bool) {
	bases := e.freed[size]
	if len(bases) == 0 {
		return 0, false
	}
	addr := bases[len(bases)-1]
	e.freed[size] = bases[:len(bases)-1]
	return addr, true
}

// Free unmaps a region returned by Alloc. The size must match the
// allocation after page rounding.
func (e *Emulator) Free(addr, size uint64) error {
	e.arenaMu.Lock()
	defer e.arenaMu.Unlock()

	got, ok := e.allocs[addr]
	if !ok || got != PageAlign(size) {
		return fmt.Errorf("free 0x%x/%d: %w", addr, size, ErrUnknownAllocation)
	}
	if err := e.mu.MemUnmap(addr, got); err != nil {
		return fmt.Errorf("unmap 0x%x: %w", addr, err)
	}
	delete(e.allocs, addr)
	e.freed[got] = append(e.freed[got], addr)
	return nil
}

// Allocations returns the number of live arena allocations.
func (e *Emulator) Allocations() int {
	e.arenaMu.Lock()
	defer e.arenaMu.Unlock()
	return len(e.allocs)
}

// AllocStub reserves a stub entry point. The slot holds a RET so an entry
// without a hook returns to its caller.
func (e *Emulator) AllocStub() (uint64, error) {
	addr := e.stubPtr.Add(StubSlotSize) - StubSlotSize
	if addr+StubSlotSize > ExitAddr {
		return 0, ErrStubsExhausted
	}
	if err := e.mu.MemWrite(addr, retInsn); err != nil {
		return 0, err
	}
	return addr, nil
}
