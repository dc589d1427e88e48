package binder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ScriptTimeout bounds one filter evaluation.
const ScriptTimeout = 50 * time.Millisecond

// ErrScriptTimeout is returned when a filter runs past its deadline.
var ErrScriptTimeout = errors.New("filter timed out")

// Scripts holds per-service transaction filters written as JavaScript
// expressions. A script sees the transaction as `tx` with fields service,
// descriptor, code, flags and oneway, and allows it by evaluating truthy.
//
//	code != 3 && !tx.oneway
//
// Each service gets its own runtime, so globals never cross services.
type Scripts struct {
	mu      sync.Mutex
	filters map[string]*script
	timeout time.Duration
}

type script struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	prg *goja.Program
}

// NewScripts returns an empty script set.
func NewScripts() *Scripts {
	return &Scripts{
		filters: make(map[string]*script),
		timeout: ScriptTimeout,
	}
}

// Add compiles src as the filter for service, replacing any previous one.
func (s *Scripts) Add(service, src string) error {
	prg, err := goja.Compile(service, src, true)
	if err != nil {
		return fmt.Errorf("compile filter for %s: %w", service, err)
	}
	s.mu.Lock()
	s.filters[service] = &script{vm: goja.New(), prg: prg}
	s.mu.Unlock()
	return nil
}

// Remove drops the filter for service.
func (s *Scripts) Remove(service string) {
	s.mu.Lock()
	delete(s.filters, service)
	s.mu.Unlock()
}

// Clear drops every filter.
func (s *Scripts) Clear() {
	s.mu.Lock()
	clear(s.filters)
	s.mu.Unlock()
}

// Has reports whether service has a filter.
func (s *Scripts) Has(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.filters[service]
	return ok
}

// Eval runs the filter for tx.Service. ok is false when no filter exists.
// Evaluations of one service are serialized; a run past the timeout is
// interrupted and reported as ErrScriptTimeout.
func (s *Scripts) Eval(tx *Transaction) (allow, ok bool, err error) {
	s.mu.Lock()
	sc, found := s.filters[tx.Service]
	timeout := s.timeout
	s.mu.Unlock()
	if !found {
		return false, false, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	obj := sc.vm.NewObject()
	_ = obj.Set("service", tx.Service)
	_ = obj.Set("descriptor", tx.Descriptor)
	_ = obj.Set("code", tx.Code)
	_ = obj.Set("flags", tx.Flags)
	_ = obj.Set("oneway", tx.Oneway())
	if err := sc.vm.Set("tx", obj); err != nil {
		return false, true, err
	}
	if err := sc.vm.Set("code", tx.Code); err != nil {
		return false, true, err
	}

	timer := time.AfterFunc(timeout, func() { sc.vm.Interrupt(ErrScriptTimeout) })
	v, err := sc.vm.RunProgram(sc.prg)
	timer.Stop()
	sc.vm.ClearInterrupt()
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			err = ErrScriptTimeout
		}
		return false, true, fmt.Errorf("filter for %s: %w", tx.Service, err)
	}
	return v.ToBoolean(), true, nil
}
