package nativehook

import "errors"

// Failure kinds reported by the bridge. Callers match them with errors.Is;
// the wrapped message carries the symbol, address or pid involved.
var (
	ErrNativeUnavailable  = errors.New("native engine unavailable")
	ErrAlreadyInitialized = errors.New("native engine already initialized")
	ErrSymbolNotResolved  = errors.New("symbol not resolved")
	ErrPatchRefused       = errors.New("patch refused")
	ErrAlreadyHooked      = errors.New("already hooked")
	ErrNotHooked          = errors.New("not hooked")
	ErrLoadFailed         = errors.New("library load failed")
	ErrBinderHookFailed   = errors.New("binder hook failed")
	ErrSpawnFailed        = errors.New("process spawn failed")
	ErrNotAlive           = errors.New("process not alive")
	ErrMprotectFailed     = errors.New("mprotect failed")
	ErrFreeFailed         = errors.New("free failed")
)
