package nativehook

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/stubs"
)

// binderSymbols are the libc entry points carrying binder traffic.
var binderSymbols = []string{"ioctl", "write", "read"}

const (
	errnoEPERM  = 1
	errnoENOSYS = 38
)

func negErrno(n int64) uint64 {
	return uint64(-n)
}

func (b *Bridge) registerBinderStubs() {
	b.stubs.RegisterFunc("binder", "ioctl", b.stubIoctl)
	b.stubs.RegisterFunc("binder", "write", b.passThrough("write"))
	b.stubs.RegisterFunc("binder", "read", b.passThrough("read"))
}

// stubIoctl judges BINDER_WRITE_READ requests. Blocked requests return
// -EPERM without reaching the driver; everything else continues in the
// original ioctl.
func (b *Bridge) stubIoctl(e *emulator.Emulator) bool {
	b.traffic["ioctl"].Add(1)
	req, arg := e.X(1), e.X(2)

	if uint32(req) == binder.BinderWriteRead {
		bwr, err := binder.ReadWriteRead(e, arg)
		var txs []*binder.Transaction
		if err == nil {
			txs, err = binder.Transactions(e, bwr)
		}
		if err != nil {
			b.log.Debug("undecodable binder request", zap.Error(err))
		}
		if b.intercept.DecideAll(txs) == binder.Block {
			stubs.Return(e, negErrno(errnoEPERM))
			return false
		}
	}

	b.resume(e, "ioctl")
	return false
}

// passThrough counts bytes and continues in the original function.
func (b *Bridge) passThrough(name string) stubs.HookFunc {
	return func(e *emulator.Emulator) bool {
		b.traffic[name].Add(e.X(2))
		b.stubs.Log("binder", name, stubs.FormatHex(e.X(2)))
		b.resume(e, name)
		return false
	}
}

func (b *Bridge) resume(e *emulator.Emulator, name string) {
	tramp := b.backups[name].Load()
	if tramp == 0 {
		stubs.Return(e, negErrno(errnoENOSYS))
		return
	}
	stubs.Continue(e, tramp)
}

// HookBinder intercepts the binder entry points. A partial failure rolls
// back the hooks already installed. Calling it again is a no-op.
func (b *Bridge) HookBinder() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return fmt.Errorf("%w: %v", ErrBinderHookFailed, ErrNativeUnavailable)
	}

	b.binderMu.Lock()
	defer b.binderMu.Unlock()
	if b.binderHooked.Load() {
		return nil
	}

	if _, err := b.stubs.Install(b.emu); err != nil {
		return fmt.Errorf("%w: %v", ErrBinderHookFailed, err)
	}

	var done []string
	for _, sym := range binderSymbols {
		l := b.symbolLock(sym)
		l.Lock()
		h, err := b.installLocked(sym, b.stubs.Addr(sym))
		l.Unlock()
		if err != nil {
			b.rollback(done)
			b.log.Error("hook binder", glog.Fn(sym), zap.Error(err))
			return fmt.Errorf("%w: %s: %v", ErrBinderHookFailed, sym, err)
		}
		b.backups[sym].Store(h.Trampoline)
		done = append(done, sym)
	}

	b.binderHooked.Store(true)
	b.log.Info("binder hooked")
	return nil
}

func (b *Bridge) rollback(syms []string) {
	for _, sym := range syms {
		if err := b.uninstallLocked(sym); err != nil {
			b.log.Warn("rollback", glog.Fn(sym), zap.Error(err))
		}
		b.backups[sym].Store(0)
	}
}

// UnhookBinder removes the binder hooks. It is idempotent.
func (b *Bridge) UnhookBinder() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.emu == nil {
		return
	}
	b.unhookBinderLocked()
}

func (b *Bridge) unhookBinderLocked() {
	b.binderMu.Lock()
	defer b.binderMu.Unlock()
	if !b.binderHooked.Load() {
		return
	}
	b.rollback(binderSymbols)
	for _, sym := range binderSymbols {
		b.stubs.Uninstall(b.emu, sym)
	}
	b.binderHooked.Store(false)
	b.log.Info("binder unhooked")
}

// BinderHooked reports whether binder interception is active.
func (b *Bridge) BinderHooked() bool {
	return b.binderHooked.Load()
}

// SetBinderFilter sets the policy for a service, overwriting any previous
// entry.
func (b *Bridge) SetBinderFilter(name string, allow bool) {
	b.filter.Set(name, binder.Policy(allow))
}

// RemoveBinderFilter drops the entry for a service so the default applies.
func (b *Bridge) RemoveBinderFilter(name string) {
	b.filter.Remove(name)
}

// ClearBinderFilters drops every entry and reseeds the built-in defaults.
func (b *Bridge) ClearBinderFilters() {
	b.filter.Clear()
	b.filter.Seed(binder.DefaultAllow, binder.DefaultBlock)
	b.log.Info("binder filters reset", zap.Int("entries", b.filter.Len()))
}

// BinderPolicy returns the effective policy for a service and whether it
// was set explicitly.
func (b *Bridge) BinderPolicy(name string) (binder.Policy, bool) {
	return b.filter.Lookup(name)
}

// BinderFilters returns the filter table.
func (b *Bridge) BinderFilters() []binder.Entry {
	return b.filter.Snapshot()
}

// SetTransactionFilter installs a script judging transactions to service
// once the service itself is allowed.
func (b *Bridge) SetTransactionFilter(service, src string) error {
	return b.scripts.Add(service, src)
}

// SetInterceptSink sets the queue intercept events are published to.
func (b *Bridge) SetInterceptSink(ch chan<- binder.Event) {
	b.intercept.SetSink(ch)
}

// InterceptStats reports judged and dropped event counts.
func (b *Bridge) InterceptStats() (judged, dropped uint64) {
	return b.intercept.Judged(), b.intercept.Dropped()
}

// Traffic returns the ioctl call count and the byte counts seen by the
// read and write hooks.
func (b *Bridge) Traffic() map[string]uint64 {
	out := make(map[string]uint64, len(b.traffic))
	for k, v := range b.traffic {
		out[k] = v.Load()
	}
	return out
}
