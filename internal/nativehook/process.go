package nativehook

import (
	"fmt"
	"sort"

	glog "github.com/zboralski/vspace/internal/log"
)

// ProcessStackSize is the guest stack given to each virtual process.
const ProcessStackSize = 0x10000

// Process is a virtual process spawned in the guest address space.
type Process struct {
	PID       int
	Package   string
	UserID    int
	Stack     uint64
	StackSize uint64
}

// CreateVirtualProcess spawns the native side of virtual process pid for
// pkg: a guest stack whose base holds the process record
// {pid, uid, package name}.
func (b *Bridge) CreateVirtualProcess(pid int, pkg string, userID int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, pkg, ErrNativeUnavailable)
	}
	if pkg == "" || pid <= 0 {
		return fmt.Errorf("%w: invalid process %d/%q", ErrSpawnFailed, pid, pkg)
	}

	b.procMu.Lock()
	defer b.procMu.Unlock()
	if _, ok := b.procs[pid]; ok {
		return fmt.Errorf("%w: pid %d already alive", ErrSpawnFailed, pid)
	}

	stack, err := b.emu.Alloc(ProcessStackSize)
	if err != nil {
		return fmt.Errorf("%w: %s: stack: %v", ErrSpawnFailed, pkg, err)
	}
	werr := b.emu.MemWriteU64(stack, uint64(pid))
	if werr == nil {
		werr = b.emu.MemWriteU64(stack+8, uint64(userID))
	}
	if werr == nil {
		werr = b.emu.MemWriteString(stack+16, pkg)
	}
	if werr != nil {
		_ = b.emu.Free(stack, ProcessStackSize)
		return fmt.Errorf("%w: %s: process record: %v", ErrSpawnFailed, pkg, werr)
	}

	b.procs[pid] = &Process{
		PID:       pid,
		Package:   pkg,
		UserID:    userID,
		Stack:     stack,
		StackSize: ProcessStackSize,
	}
	b.log.Debug("spawned", glog.PID(pid), glog.Pkg(pkg), glog.User(userID), glog.Ptr("stack", stack))
	return nil
}

// KillVirtualProcess terminates the native side of pid.
func (b *Bridge) KillVirtualProcess(pid int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: pid %d", ErrNotAlive, pid)
	}

	b.procMu.Lock()
	defer b.procMu.Unlock()
	p, ok := b.procs[pid]
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNotAlive, pid)
	}
	delete(b.procs, pid)
	if err := b.emu.Free(p.Stack, p.StackSize); err != nil {
		b.log.Warn("release process stack", glog.PID(pid))
	}
	b.log.Debug("killed", glog.PID(pid), glog.Pkg(p.Package))
	return nil
}

// Alive reports whether pid has a native process.
func (b *Bridge) Alive(pid int) bool {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	_, ok := b.procs[pid]
	return ok
}

// Processes returns the live native processes sorted by pid.
func (b *Bridge) Processes() []Process {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	out := make([]Process, 0, len(b.procs))
	for _, p := range b.procs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
