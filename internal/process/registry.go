// Package process tracks the virtual processes spawned for guest apps.
package process

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	glog "github.com/zboralski/vspace/internal/log"
)

// Native spawns and kills the native side of a virtual process.
type Native interface {
	CreateVirtualProcess(pid int, pkg string, userID int) error
	KillVirtualProcess(pid int) error
}

// Process is one virtual process.
type Process struct {
	PID     int
	Package string
	UserID  int
	Started time.Time

	alive atomic.Bool
}

// NewProcess returns a live process record.
func NewProcess(pid int, pkg string, userID int) *Process {
	p := &Process{PID: pid, Package: pkg, UserID: userID, Started: time.Now()}
	p.alive.Store(true)
	return p
}

// Alive reports whether the process has not been killed.
func (p *Process) Alive() bool {
	return p.alive.Load()
}

// Registry maps virtual pids to processes.
type Registry struct {
	native  Native
	nextPID func() int
	procs   sync.Map // int -> *Process

	obsMu     sync.RWMutex
	observers []func(*Process)

	log *glog.Logger
}

// NewRegistry creates a registry spawning through native and taking pids
// from nextPID.
func NewRegistry(native Native, nextPID func() int) *Registry {
	return &Registry{
		native:  native,
		nextPID: nextPID,
		log:     glog.L.WithCategory("process"),
	}
}

// OnExit registers fn to run for every process removed by a kill.
func (r *Registry) OnExit(fn func(*Process)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// CreateProcess allocates a pid, spawns the native process and records it.
// A failed spawn burns the pid.
func (r *Registry) CreateProcess(pkg string, userID int) (*Process, error) {
	pid := r.nextPID()
	if err := r.native.CreateVirtualProcess(pid, pkg, userID); err != nil {
		return nil, fmt.Errorf("create process for %s: %w", pkg, err)
	}
	p := NewProcess(pid, pkg, userID)
	r.Register(p)
	return p, nil
}

// Register records a process spawned elsewhere.
func (r *Registry) Register(p *Process) {
	p.alive.Store(true)
	r.procs.Store(p.PID, p)
	r.log.Debug("process registered", glog.PID(p.PID), glog.Pkg(p.Package), glog.User(p.UserID))
}

// KillProcess removes pid and kills its native process. Native failures
// are logged; the entry is gone either way.
func (r *Registry) KillProcess(pid int) bool {
	v, ok := r.procs.LoadAndDelete(pid)
	if !ok {
		return false
	}
	p := v.(*Process)
	p.alive.Store(false)
	if err := r.native.KillVirtualProcess(pid); err != nil {
		r.log.Warn("native kill failed", glog.PID(pid), glog.Pkg(p.Package), zap.Error(err))
	}

	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(p)
	}
	return true
}

// KillAppProcesses kills every process of pkg and returns how many were
// killed. Processes registered after the snapshot are left alone.
func (r *Registry) KillAppProcesses(pkg string) int {
	n := 0
	for _, p := range r.ForPackage(pkg) {
		if r.KillProcess(p.PID) {
			n++
		}
	}
	return n
}

// Get returns the process with pid.
func (r *Registry) Get(pid int) (*Process, bool) {
	v, ok := r.procs.Load(pid)
	if !ok {
		return nil, false
	}
	return v.(*Process), true
}

// All returns every process ordered by pid.
func (r *Registry) All() []*Process {
	return r.collect(func(*Process) bool { return true })
}

// ForPackage returns the processes of pkg ordered by pid.
func (r *Registry) ForPackage(pkg string) []*Process {
	return r.collect(func(p *Process) bool { return p.Package == pkg })
}

func (r *Registry) collect(keep func(*Process) bool) []*Process {
	var out []*Process
	r.procs.Range(func(_, v any) bool {
		if p := v.(*Process); keep(p) {
			out = append(out, p)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	n := 0
	r.procs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown flags every process dead and empties the registry. Native
// processes are reclaimed by the bridge cleanup.
func (r *Registry) Shutdown() {
	r.procs.Range(func(k, v any) bool {
		v.(*Process).alive.Store(false)
		r.procs.Delete(k)
		return true
	})
	r.obsMu.Lock()
	r.observers = nil
	r.obsMu.Unlock()
}
