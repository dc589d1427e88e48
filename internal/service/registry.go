// Package service tracks the guest services started under the engine.
package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/zboralski/vspace/internal/log"
)

// Service is a running guest service. Names are unique across guests.
type Service struct {
	Name    string
	Package string
	Started time.Time

	running atomic.Bool
	pid     atomic.Int64
}

// Running reports whether the service has not been stopped or replaced.
func (s *Service) Running() bool {
	return s.running.Load()
}

// PID returns the process hosting the service, 0 when unbound.
func (s *Service) PID() int {
	return int(s.pid.Load())
}

// Registry maps service names to services.
type Registry struct {
	services sync.Map // string -> *Service
	log      *glog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{log: glog.L.WithCategory("service")}
}

// StartService records a running service. A service already registered
// under name is replaced and flagged stopped.
func (r *Registry) StartService(pkg, name string) *Service {
	s := &Service{Name: name, Package: pkg, Started: time.Now()}
	s.running.Store(true)
	if old, loaded := r.services.Swap(name, s); loaded {
		old.(*Service).running.Store(false)
		r.log.Info("service replaced", glog.Service(name), glog.Pkg(pkg))
		return s
	}
	r.log.Debug("service started", glog.Service(name), glog.Pkg(pkg))
	return s
}

// StopService removes name. It returns false if nothing was running.
func (r *Registry) StopService(name string) bool {
	v, ok := r.services.LoadAndDelete(name)
	if !ok {
		return false
	}
	v.(*Service).running.Store(false)
	r.log.Debug("service stopped", glog.Service(name))
	return true
}

// BindProcess attaches a running service to its hosting process.
func (r *Registry) BindProcess(name string, pid int) bool {
	s, ok := r.Get(name)
	if !ok {
		return false
	}
	s.pid.Store(int64(pid))
	return true
}

// Get returns the running service called name.
func (r *Registry) Get(name string) (*Service, bool) {
	v, ok := r.services.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Service), true
}

// Names returns the running service names, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.services.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// StopProcess stops every service bound to pid and returns the count.
func (r *Registry) StopProcess(pid int) int {
	n := 0
	r.services.Range(func(k, v any) bool {
		s := v.(*Service)
		if s.PID() == pid && r.services.CompareAndDelete(k, s) {
			s.running.Store(false)
			n++
		}
		return true
	})
	return n
}

// Len returns the number of running services.
func (r *Registry) Len() int {
	return len(r.Names())
}

// Shutdown stops every service.
func (r *Registry) Shutdown() {
	r.services.Range(func(k, v any) bool {
		v.(*Service).running.Store(false)
		r.services.Delete(k)
		return true
	})
}
