// Package engine is the virtual engine: the process-wide root that owns
// the registries, the installed app table and the native bridge, and
// exposes the host surface.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/vspace/internal/activity"
	"github.com/zboralski/vspace/internal/apk"
	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/config"
	"github.com/zboralski/vspace/internal/installer"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/nativehook"
	"github.com/zboralski/vspace/internal/pkgreg"
	"github.com/zboralski/vspace/internal/process"
	"github.com/zboralski/vspace/internal/service"
	"github.com/zboralski/vspace/internal/vapp"
)

// FirstPID is the first virtual pid handed out after initialization.
const FirstPID = 10000

// stopWorkers bounds the guests stopped in parallel during shutdown.
const stopWorkers = 4

var (
	ErrInitFailed = errors.New("init failed")
	ErrNotRunning = errors.New("engine not running")
)

// Native is the part of the native bridge the engine drives.
type Native interface {
	process.Native

	Initialize(host *config.Host) error
	Cleanup()

	HookBinder() error
	UnhookBinder()
	BinderHooked() bool
	SetBinderFilter(name string, allow bool)
	RemoveBinderFilter(name string)
	ClearBinderFilters()
	BinderPolicy(name string) (binder.Policy, bool)
	SetTransactionFilter(service, src string) error
	SetInterceptSink(ch chan<- binder.Event)
	InterceptStats() (judged, dropped uint64)
}

// Traffic counts the verdicts seen for one service.
type Traffic struct {
	Allowed uint64
	Blocked uint64
}

// Engine is the virtual engine.
type Engine struct {
	// mu orders lifecycle transitions (write side) against mutating
	// calls (read side). state is also readable without it.
	mu    sync.RWMutex
	state atomic.Int32

	native Native
	parser installer.Parser
	host   *config.Host
	pid    atomic.Int64

	apps     sync.Map // string -> *vapp.App
	appLocks sync.Map // string -> *sync.Mutex

	procs      *process.Registry
	services   *service.Registry
	activities *activity.Registry
	packages   *pkgreg.Registry
	installer  *installer.Installer

	events       chan binder.Event
	consumerDone chan struct{}
	trafficMu    sync.Mutex
	traffic      map[string]*Traffic

	log *glog.Logger
}

// New returns an uninitialized engine over native, reading archives with
// parser.
func New(native Native, parser installer.Parser) *Engine {
	e := &Engine{
		native:  native,
		parser:  parser,
		traffic: make(map[string]*Traffic),
		log:     glog.L.WithCategory("engine"),
	}
	e.pid.Store(FirstPID)
	return e
}

// Instance returns the process-wide engine, created on first use over the
// default native bridge and the archive parser.
var Instance = sync.OnceValue(func() *Engine {
	return New(nativehook.Default(), apk.NewParser())
})

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	e.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// GenerateProcessID returns the next virtual pid. Pids are never reused
// within one initialization.
func (e *Engine) GenerateProcessID() int {
	return int(e.pid.Add(1) - 1)
}

// Initialize brings the native bridge up, builds the registries and
// installs the system hooks. A failure at any step leaves the engine
// uninitialized. Calling it on an initialized engine succeeds without
// effect.
func (e *Engine) Initialize(host *config.Host) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != Uninitialized {
		return true
	}
	if host == nil {
		host = config.Default()
	}
	if err := host.Validate(); err != nil {
		e.log.Error("initialize", zap.Error(fmt.Errorf("%w: %v", ErrInitFailed, err)))
		return false
	}

	if err := e.native.Initialize(host); err != nil {
		e.log.Error("initialize", zap.Error(fmt.Errorf("%w: %w", ErrInitFailed, err)))
		return false
	}

	e.pid.Store(FirstPID)
	e.host = host
	e.buildRegistries()
	e.setState(InitializedHooksOff)

	if err := e.installHooks(host); err != nil {
		e.log.Error("initialize", zap.Error(fmt.Errorf("%w: %w", ErrInitFailed, err)))
		e.native.SetInterceptSink(nil)
		e.native.Cleanup()
		e.stopConsumer()
		e.dropRegistries()
		e.host = nil
		e.setState(Uninitialized)
		return false
	}

	e.setState(Running)
	e.log.Info("initialized")
	return true
}

func (e *Engine) buildRegistries() {
	e.procs = process.NewRegistry(e.native, e.GenerateProcessID)
	e.services = service.NewRegistry()
	e.activities = activity.NewRegistry(e.native, e.procs, e.GenerateProcessID)
	e.packages = pkgreg.NewRegistry()
	e.installer = installer.New(e.parser, catalog{e}, stopper{e}, e.packages)
	e.procs.OnExit(e.processExited)
}

func (e *Engine) dropRegistries() {
	e.procs, e.services, e.activities, e.packages, e.installer = nil, nil, nil, nil, nil
}

// installHooks seeds the binder filter, starts the intercept consumer and
// hooks binder.
func (e *Engine) installHooks(host *config.Host) error {
	e.seedFilters(host)
	for svc, src := range host.Binder.Scripts {
		if err := e.native.SetTransactionFilter(svc, src); err != nil {
			return fmt.Errorf("transaction filter %s: %w", svc, err)
		}
	}

	size := host.EventQueue
	if size == 0 {
		size = config.DefaultEventQueue
	}
	e.startConsumer(size)
	e.native.SetInterceptSink(e.events)

	return e.native.HookBinder()
}

func (e *Engine) seedFilters(host *config.Host) {
	for _, name := range host.Binder.Allow {
		e.native.SetBinderFilter(name, true)
	}
	for _, name := range host.Binder.Block {
		e.native.SetBinderFilter(name, false)
	}
}

func (e *Engine) startConsumer(size int) {
	e.events = make(chan binder.Event, size)
	e.consumerDone = make(chan struct{})
	e.trafficMu.Lock()
	clear(e.traffic)
	e.trafficMu.Unlock()

	go func(ch <-chan binder.Event, done chan<- struct{}) {
		defer close(done)
		for ev := range ch {
			e.record(ev)
		}
	}(e.events, e.consumerDone)
}

func (e *Engine) stopConsumer() {
	if e.events == nil {
		return
	}
	close(e.events)
	<-e.consumerDone
	e.events, e.consumerDone = nil, nil
}

func (e *Engine) record(ev binder.Event) {
	e.trafficMu.Lock()
	defer e.trafficMu.Unlock()
	t := e.traffic[ev.Service]
	if t == nil {
		t = &Traffic{}
		e.traffic[ev.Service] = t
	}
	if ev.Policy == binder.Allow {
		t.Allowed++
		return
	}
	t.Blocked++
	e.log.Info("binder transaction blocked",
		glog.Service(ev.Service),
		zap.String("descriptor", ev.Descriptor),
		zap.Uint32("code", ev.Code),
		zap.String("reason", string(ev.Reason)),
	)
}

// Shutdown stops every guest, removes the hooks, tears the registries
// down in reverse construction order and releases the native bridge.
// Teardown errors are logged, never returned. Calling it on an
// uninitialized engine does nothing.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == Uninitialized {
		return
	}
	e.setState(ShuttingDown)

	err := e.stopAll()

	e.native.UnhookBinder()
	if e.native.BinderHooked() {
		err = multierr.Append(err, errors.New("binder still hooked after unhook"))
	}
	e.native.SetInterceptSink(nil)

	e.installer.Shutdown()
	e.packages.Shutdown()
	e.activities.Shutdown()
	e.services.Shutdown()
	e.procs.Shutdown()

	// The queue closes only after Cleanup has waited out guest calls that
	// could still publish.
	e.native.Cleanup()
	e.stopConsumer()

	e.apps.Clear()
	e.appLocks.Clear()
	e.dropRegistries()
	e.host = nil

	if err != nil {
		e.log.Warn("shutdown", zap.Error(err))
	}
	e.setState(Uninitialized)
	e.log.Info("shut down")
}

// stopAll stops the guests that still have processes.
func (e *Engine) stopAll() error {
	seen := map[string]bool{}
	var pkgs []string
	for _, p := range e.procs.All() {
		if !seen[p.Package] {
			seen[p.Package] = true
			pkgs = append(pkgs, p.Package)
		}
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(stopWorkers)
	for _, pkg := range pkgs {
		g.Go(func() error {
			if err := e.stopLocked(pkg); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// running reports whether mutating calls are accepted. Callers hold the
// read side of mu.
func (e *Engine) running() bool {
	return e.State() == Running
}

// InstallVirtualApp installs the archive at path for userID.
func (e *Engine) InstallVirtualApp(path string, userID int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("install", zap.String("path", path), zap.Error(ErrNotRunning))
		return false
	}
	if _, err := e.installer.Install(path, userID); err != nil {
		e.log.Error("install", zap.String("path", path), glog.User(userID), zap.Error(err))
		return false
	}
	return true
}

// UninstallVirtualApp stops and removes pkg.
func (e *Engine) UninstallVirtualApp(pkg string, userID int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("uninstall", glog.Pkg(pkg), zap.Error(ErrNotRunning))
		return false
	}
	if !e.installer.Uninstall(pkg, userID) {
		e.log.Error("uninstall: not installed", glog.Pkg(pkg), glog.User(userID))
		return false
	}
	return true
}

// LaunchVirtualApp starts a process for pkg. It fails for unknown
// packages.
func (e *Engine) LaunchVirtualApp(pkg string, userID int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("launch", glog.Pkg(pkg), zap.Error(ErrNotRunning))
		return false
	}
	app, ok := e.app(pkg)
	if !ok {
		e.log.Error("launch: not installed", glog.Pkg(pkg))
		return false
	}
	l := e.appLock(pkg)
	l.Lock()
	err := e.activities.LaunchApp(app, userID)
	l.Unlock()
	if err != nil {
		e.log.Error("launch", glog.Pkg(pkg), glog.User(userID), zap.Error(err))
		return false
	}
	return true
}

// StopVirtualApp kills every process of pkg and marks it stopped.
func (e *Engine) StopVirtualApp(pkg string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("stop", glog.Pkg(pkg), zap.Error(ErrNotRunning))
		return false
	}
	if _, ok := e.app(pkg); !ok {
		e.log.Error("stop: not installed", glog.Pkg(pkg))
		return false
	}
	if err := e.stopLocked(pkg); err != nil {
		e.log.Error("stop", glog.Pkg(pkg), zap.Error(err))
		return false
	}
	return true
}

// appLock serializes launch and stop of one package.
func (e *Engine) appLock(pkg string) *sync.Mutex {
	v, _ := e.appLocks.LoadOrStore(pkg, new(sync.Mutex))
	return v.(*sync.Mutex)
}

// stopLocked kills the processes of pkg and clears its run state. The
// caller holds mu.
func (e *Engine) stopLocked(pkg string) error {
	l := e.appLock(pkg)
	l.Lock()
	defer l.Unlock()

	n := e.procs.KillAppProcesses(pkg)
	if app, ok := e.app(pkg); ok {
		app.Stop()
	}
	e.log.Info("app stopped", glog.Pkg(pkg), zap.Int("processes", n))
	if left := len(e.procs.ForPackage(pkg)); left > 0 {
		return fmt.Errorf("stop %s: %d processes left", pkg, left)
	}
	return nil
}

// StartService starts a declared service of a running guest and binds it
// to the guest's process.
func (e *Engine) StartService(pkg, name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("start service", glog.Service(name), zap.Error(ErrNotRunning))
		return false
	}
	app, ok := e.app(pkg)
	if !ok || !app.Running() {
		e.log.Error("start service: app not running", glog.Pkg(pkg), glog.Service(name))
		return false
	}
	e.services.StartService(pkg, name)
	return e.services.BindProcess(name, app.PID())
}

// processExited keeps the activity and service tables and the app run
// state consistent with a killed process.
func (e *Engine) processExited(p *process.Process) {
	e.activities.RemoveProcess(p.PID)
	e.services.StopProcess(p.PID)
	if app, ok := e.app(p.Package); ok {
		app.StopIf(p.PID)
	}
}

func (e *Engine) app(pkg string) (*vapp.App, bool) {
	v, ok := e.apps.Load(pkg)
	if !ok {
		return nil, false
	}
	return v.(*vapp.App), true
}

// GetInstalledApps returns a copy of every installed app, ordered by
// package name.
func (e *Engine) GetInstalledApps() []vapp.Info {
	var out []vapp.Info
	e.apps.Range(func(_, v any) bool {
		out = append(out, v.(*vapp.App).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// GetVirtualApp returns a copy of the installed app pkg.
func (e *Engine) GetVirtualApp(pkg string) (vapp.Info, bool) {
	app, ok := e.app(pkg)
	if !ok {
		return vapp.Info{}, false
	}
	return app.Info(), true
}

// IsInitialized reports whether the engine is up. It never blocks.
func (e *Engine) IsInitialized() bool {
	s := e.State()
	return s == InitializedHooksOff || s == Running
}

// AreHooksInstalled reports whether binder interception is active.
func (e *Engine) AreHooksInstalled() bool {
	return e.IsInitialized() && e.native.BinderHooked()
}

// SetServiceFilter sets the binder policy for service.
func (e *Engine) SetServiceFilter(service string, allow bool) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("set filter", glog.Service(service), zap.Error(ErrNotRunning))
		return false
	}
	e.native.SetBinderFilter(service, allow)
	return true
}

// RemoveServiceFilter drops the entry for service so the default policy
// applies.
func (e *Engine) RemoveServiceFilter(service string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("remove filter", glog.Service(service), zap.Error(ErrNotRunning))
		return false
	}
	e.native.RemoveBinderFilter(service)
	return true
}

// ClearServiceFilters resets the filter table to the built-in defaults
// with the host's configured seeds applied on top.
func (e *Engine) ClearServiceFilters() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running() {
		e.log.Error("clear filters", zap.Error(ErrNotRunning))
		return false
	}
	e.native.ClearBinderFilters()
	e.seedFilters(e.host)
	return true
}

// BinderPolicy returns the effective binder policy for service.
func (e *Engine) BinderPolicy(service string) binder.Policy {
	p, _ := e.native.BinderPolicy(service)
	return p
}

// InterceptStats reports the judged and dropped intercept event counts.
func (e *Engine) InterceptStats() (judged, dropped uint64) {
	return e.native.InterceptStats()
}

// ServiceTraffic returns the verdict counts per service seen by the
// intercept consumer.
func (e *Engine) ServiceTraffic() map[string]Traffic {
	e.trafficMu.Lock()
	defer e.trafficMu.Unlock()
	out := make(map[string]Traffic, len(e.traffic))
	for k, v := range e.traffic {
		out[k] = *v
	}
	return out
}

// Processes returns the process registry, nil unless initialized.
func (e *Engine) Processes() *process.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.procs
}

// Services returns the service registry, nil unless initialized.
func (e *Engine) Services() *service.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.services
}

// Activities returns the activity registry, nil unless initialized.
func (e *Engine) Activities() *activity.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activities
}

// Packages returns the package registry, nil unless initialized.
func (e *Engine) Packages() *pkgreg.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.packages
}

// catalog and stopper let the installer reach the engine from inside a
// call that already holds mu.
type catalog struct{ e *Engine }

func (c catalog) Put(app *vapp.App) { c.e.apps.Store(app.Package, app) }
func (c catalog) Delete(pkg string) { c.e.apps.Delete(pkg) }

type stopper struct{ e *Engine }

func (s stopper) StopApp(pkg string) bool {
	if err := s.e.stopLocked(pkg); err != nil {
		s.e.log.Error("stop", glog.Pkg(pkg), zap.Error(err))
		return false
	}
	return true
}
