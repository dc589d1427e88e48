package nativehook

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/emulator"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/stubs"
)

// Handles returned by the guest dlopen.
const (
	dlHandleGlobal = 0x7F000000
	dlHandleStep   = 0x1000
)

// Android log priorities.
const (
	logInfo  = 4
	logWarn  = 5
	logError = 6
)

const maxGuestString = 1024

// linker backs the guest's libdl with the bridge's own library list.
type linker struct {
	mu      sync.Mutex
	handles map[uint64]*emulator.Library
	byLib   map[*emulator.Library]uint64
	next    uint64
	lastErr string
	errBuf  uint64
}

func (l *linker) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = make(map[uint64]*emulator.Library)
	l.byLib = make(map[*emulator.Library]uint64)
	l.next = dlHandleGlobal + dlHandleStep
	l.lastErr = ""
	l.errBuf = 0
}

func (l *linker) open(lib *emulator.Library) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.byLib[lib]; ok {
		return h
	}
	h := l.next
	l.next += dlHandleStep
	l.handles[h] = lib
	l.byLib[lib] = h
	return h
}

func (l *linker) lookup(h uint64) (*emulator.Library, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lib, ok := l.handles[h]
	return lib, ok
}

func (l *linker) fail(format string, args ...any) {
	l.mu.Lock()
	l.lastErr = fmt.Sprintf(format, args...)
	l.mu.Unlock()
}

// takeError returns and clears the pending error.
func (l *linker) takeError() (string, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.lastErr
	l.lastErr = ""
	return msg, l.errBuf
}

// bindRuntime services libdl and liblog from the host once they are mapped.
// The caller holds the engine write lock.
func (b *Bridge) bindRuntime(lib *emulator.Library) error {
	var handlers map[string]emulator.AddressHookFunc
	switch lib.Name {
	case "libdl.so":
		buf, err := b.emu.Alloc(emulator.PageSize)
		if err != nil {
			return fmt.Errorf("dlerror buffer: %w", err)
		}
		b.dl.mu.Lock()
		b.dl.errBuf = buf
		b.dl.mu.Unlock()
		handlers = map[string]emulator.AddressHookFunc{
			"dlopen":  b.dlopen,
			"dlsym":   b.dlsym,
			"dlclose": b.dlclose,
			"dlerror": b.dlerror,
		}
	case "liblog.so":
		handlers = map[string]emulator.AddressHookFunc{
			"__android_log_write": b.logWrite(),
			"__android_log_print": b.logWrite(),
		}
	default:
		return nil
	}

	for sym, fn := range handlers {
		addr := lib.FindSymbol(sym)
		if addr == 0 {
			continue
		}
		b.emu.HookAddress(addr, b.unlessPatched(sym, fn))
	}
	b.log.Debug("runtime bound", zap.String("lib", lib.Name), zap.Int("symbols", len(handlers)))
	return nil
}

// unlessPatched lets an installed inline hook take precedence over the
// host handler.
func (b *Bridge) unlessPatched(sym string, fn emulator.AddressHookFunc) emulator.AddressHookFunc {
	return func(e *emulator.Emulator) bool {
		if b.Hooked(sym) {
			return false
		}
		return fn(e)
	}
}

// guestLib matches name against loaded libraries by name, path or base name.
func (b *Bridge) guestLib(name string) *emulator.Library {
	if lib := b.findLib(name); lib != nil {
		return lib
	}
	return b.findLib(filepath.Base(name))
}

func (b *Bridge) dlopen(e *emulator.Emulator) bool {
	ptr := e.X(0)
	if ptr == 0 {
		stubs.Return(e, dlHandleGlobal)
		return false
	}
	name, err := e.MemReadString(ptr, maxGuestString)
	if err != nil {
		b.dl.fail("dlopen: bad name pointer %s", glog.Hex(ptr))
		stubs.Return(e, 0)
		return false
	}
	lib := b.guestLib(name)
	if lib == nil {
		b.dl.fail("dlopen failed: library %q not found", name)
		b.log.Debug("dlopen", zap.String("lib", name), zap.Bool("found", false))
		stubs.Return(e, 0)
		return false
	}
	h := b.dl.open(lib)
	b.log.Debug("dlopen", zap.String("lib", lib.Name), glog.Ptr("handle", h))
	stubs.Return(e, h)
	return false
}

func (b *Bridge) dlsym(e *emulator.Emulator) bool {
	h, ptr := e.X(0), e.X(1)
	sym, err := e.MemReadString(ptr, maxGuestString)
	if err != nil || sym == "" {
		b.dl.fail("dlsym: bad symbol pointer %s", glog.Hex(ptr))
		stubs.Return(e, 0)
		return false
	}

	var addr uint64
	switch h {
	case 0, dlHandleGlobal:
		addr, _ = b.resolve(sym)
	default:
		lib, ok := b.dl.lookup(h)
		if !ok {
			b.dl.fail("dlsym: invalid handle %s", glog.Hex(h))
			stubs.Return(e, 0)
			return false
		}
		addr = lib.FindSymbol(sym)
	}
	if addr == 0 {
		b.dl.fail("undefined symbol: %s", sym)
	}
	b.log.Debug("dlsym", glog.Fn(sym), glog.Addr(addr))
	stubs.Return(e, addr)
	return false
}

func (b *Bridge) dlclose(e *emulator.Emulator) bool {
	h := e.X(0)
	if h == dlHandleGlobal {
		stubs.Return(e, 0)
		return false
	}
	if _, ok := b.dl.lookup(h); !ok {
		b.dl.fail("dlclose: invalid handle %s", glog.Hex(h))
		stubs.Return(e, ^uint64(0))
		return false
	}
	// Libraries stay mapped until Cleanup.
	stubs.Return(e, 0)
	return false
}

func (b *Bridge) dlerror(e *emulator.Emulator) bool {
	msg, buf := b.dl.takeError()
	if msg == "" || buf == 0 {
		stubs.Return(e, 0)
		return false
	}
	if len(msg) >= emulator.PageSize {
		msg = msg[:emulator.PageSize-1]
	}
	if err := e.MemWriteString(buf, msg); err != nil {
		stubs.Return(e, 0)
		return false
	}
	stubs.Return(e, buf)
	return false
}

// logWrite routes __android_log_write(prio, tag, text) to the guest logger.
// Formatted variants log their format string unexpanded.
func (b *Bridge) logWrite() emulator.AddressHookFunc {
	guest := glog.L.WithCategory("guest")
	return func(e *emulator.Emulator) bool {
		prio := int(e.X(0))
		tag, _ := e.MemReadString(e.X(1), maxGuestString)
		text, _ := e.MemReadString(e.X(2), maxGuestString)

		fields := []zap.Field{zap.String("tag", tag), zap.String("text", text)}
		switch {
		case prio >= logError:
			guest.Error("log", fields...)
		case prio == logWarn:
			guest.Warn("log", fields...)
		case prio == logInfo:
			guest.Info("log", fields...)
		default:
			guest.Debug("log", fields...)
		}
		stubs.Return(e, uint64(len(text)))
		return false
	}
}
