package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zboralski/vspace/internal/apk"
	"github.com/zboralski/vspace/internal/binder"
	"github.com/zboralski/vspace/internal/config"
	"github.com/zboralski/vspace/internal/nativehook"
	"github.com/zboralski/vspace/internal/vapp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNative is an in-memory native bridge.
type fakeNative struct {
	mu          sync.Mutex
	filter      *binder.Filter
	initErr     error
	hookErr     error
	spawnErr    error
	scriptErr   error
	initialized bool
	hooked      bool
	inits       int
	cleanups    int
	procs       map[int]string
	scripts     map[string]string
	sink        chan<- binder.Event
}

func newFakeNative() *fakeNative {
	return &fakeNative{
		filter:  binder.NewFilter(),
		procs:   map[int]string{},
		scripts: map[string]string{},
	}
}

func (f *fakeNative) Initialize(*config.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	if f.initialized {
		return nativehook.ErrAlreadyInitialized
	}
	f.initialized = true
	f.inits++
	return nil
}

func (f *fakeNative) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return
	}
	f.cleanups++
	f.initialized = false
	f.hooked = false
	clear(f.procs)
	clear(f.scripts)
	f.filter.Clear()
}

func (f *fakeNative) HookBinder() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hookErr != nil {
		return f.hookErr
	}
	f.hooked = true
	return nil
}

func (f *fakeNative) UnhookBinder() {
	f.mu.Lock()
	f.hooked = false
	f.mu.Unlock()
}

func (f *fakeNative) BinderHooked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooked
}

func (f *fakeNative) SetBinderFilter(name string, allow bool) {
	f.filter.Set(name, binder.Policy(allow))
}

func (f *fakeNative) RemoveBinderFilter(name string) {
	f.filter.Remove(name)
}

func (f *fakeNative) ClearBinderFilters() {
	f.filter.Clear()
	f.filter.Seed(binder.DefaultAllow, binder.DefaultBlock)
}

func (f *fakeNative) BinderPolicy(name string) (binder.Policy, bool) {
	return f.filter.Lookup(name)
}

func (f *fakeNative) SetTransactionFilter(service, src string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scriptErr != nil {
		return f.scriptErr
	}
	f.scripts[service] = src
	return nil
}

func (f *fakeNative) SetInterceptSink(ch chan<- binder.Event) {
	f.mu.Lock()
	f.sink = ch
	f.mu.Unlock()
}

func (f *fakeNative) InterceptStats() (uint64, uint64) { return 0, 0 }

func (f *fakeNative) CreateVirtualProcess(pid int, pkg string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.procs[pid] = pkg
	return nil
}

func (f *fakeNative) KillVirtualProcess(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; !ok {
		return nativehook.ErrNotAlive
	}
	delete(f.procs, pid)
	return nil
}

func (f *fakeNative) emit(ev binder.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink != nil {
		f.sink <- ev
	}
}

func (f *fakeNative) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

// stubParser returns canned manifests keyed by archive base name.
type stubParser map[string]*vapp.Manifest

func (p stubParser) Parse(path string) (*vapp.Manifest, error) {
	m, ok := p[filepath.Base(path)]
	if !ok {
		return nil, apk.ErrMalformed
	}
	return m, nil
}

var parser = stubParser{
	"a.pkg":    {Package: "com.x", VersionCode: 7},
	"a_v2.pkg": {Package: "com.x", VersionCode: 8},
	"b.pkg":    {Package: "com.y", VersionCode: 1, Services: []string{"com.y.Sync"}},
}

type harness struct {
	*Engine
	native *fakeNative
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	for name := range parser {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("PK"), 0o644))
	}
	native := newFakeNative()
	h := &harness{Engine: New(native, parser), native: native, dir: dir}
	t.Cleanup(h.Shutdown)
	return h
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func TestInstallLaunchStop(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	assert.Equal(t, Running, h.State())

	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	apps := h.GetInstalledApps()
	require.Len(t, apps, 1)
	assert.Equal(t, "com.x", apps[0].Package)
	assert.False(t, apps[0].Running)
	assert.Equal(t, vapp.PIDNone, apps[0].PID)

	require.True(t, h.LaunchVirtualApp("com.x", 0))
	app, ok := h.GetVirtualApp("com.x")
	require.True(t, ok)
	assert.True(t, app.Running)
	assert.Equal(t, 10000, app.PID)
	p, ok := h.Processes().Get(10000)
	require.True(t, ok)
	assert.Equal(t, "com.x", p.Package)

	require.True(t, h.StopVirtualApp("com.x"))
	assert.Empty(t, h.Processes().ForPackage("com.x"))
	app, _ = h.GetVirtualApp("com.x")
	assert.False(t, app.Running)
	assert.Equal(t, vapp.PIDNone, app.PID)
	assert.Equal(t, 0, h.native.live())
}

func TestDuplicateInstallReplaces(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	require.True(t, h.LaunchVirtualApp("com.x", 0))

	require.True(t, h.InstallVirtualApp(h.path("a_v2.pkg"), 0))
	app, ok := h.GetVirtualApp("com.x")
	require.True(t, ok)
	assert.Equal(t, int64(8), app.VersionCode)
	assert.False(t, app.Running, "replaced install starts stopped")
	assert.Empty(t, h.Processes().ForPackage("com.x"), "old instance was stopped")
	assert.Len(t, h.GetInstalledApps(), 1)
}

func TestLaunchUnknown(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	require.True(t, h.LaunchVirtualApp("com.x", 0))

	before := h.Processes().Len()
	assert.False(t, h.LaunchVirtualApp("com.missing", 0))
	assert.Equal(t, before, h.Processes().Len())
	assert.False(t, h.StopVirtualApp("com.missing"))
}

func TestShutdownDrains(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	require.True(t, h.InstallVirtualApp(h.path("b.pkg"), 0))
	for range 3 {
		require.True(t, h.LaunchVirtualApp("com.x", 0))
	}
	require.True(t, h.LaunchVirtualApp("com.y", 0))
	require.True(t, h.StartService("com.y", "com.y.Sync"))

	app, _ := h.GetVirtualApp("com.x")
	assert.Equal(t, 10002, app.PID)

	procs, services, activities, packages := h.Processes(), h.Services(), h.Activities(), h.Packages()
	assert.Equal(t, 4, procs.Len())
	assert.Equal(t, 4, activities.Len())

	h.Shutdown()
	assert.Equal(t, Uninitialized, h.State())
	assert.Empty(t, h.GetInstalledApps())
	assert.Equal(t, 0, procs.Len())
	assert.Equal(t, 0, services.Len())
	assert.Equal(t, 0, activities.Len())
	assert.Equal(t, 0, packages.Len())
	assert.False(t, h.AreHooksInstalled())
	assert.False(t, h.native.BinderHooked())
	assert.Equal(t, 0, h.native.live())
	assert.Nil(t, h.Processes())
}

func TestFilterDefaults(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))

	assert.Equal(t, binder.Block, h.BinderPolicy("telephony.registry"))
	assert.Equal(t, binder.Block, h.BinderPolicy("isms"))
	assert.Equal(t, binder.Block, h.BinderPolicy("phone"))
	assert.Equal(t, binder.Allow, h.BinderPolicy("package"))
	assert.Equal(t, binder.Allow, h.BinderPolicy("window"))
	assert.Equal(t, binder.Allow, h.BinderPolicy("unknown.svc"))
}

func TestConfiguredSeeds(t *testing.T) {
	h := newHarness(t)
	host, err := config.Parse([]byte(`
binder:
  allow: [phone]
  block: [location]
  scripts:
    package: "code != 3"
`))
	require.NoError(t, err)
	require.True(t, h.Initialize(host))

	assert.Equal(t, binder.Allow, h.BinderPolicy("phone"))
	assert.Equal(t, binder.Block, h.BinderPolicy("location"))
	assert.Equal(t, "code != 3", h.native.scripts["package"])
}

func TestServiceFilters(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.SetServiceFilter("camera", false), "not running")

	host, err := config.Parse([]byte(`
binder:
  allow: [phone]
  block: [location]
`))
	require.NoError(t, err)
	require.True(t, h.Initialize(host))

	require.True(t, h.SetServiceFilter("camera", false))
	require.True(t, h.SetServiceFilter("isms", true))
	assert.Equal(t, binder.Block, h.BinderPolicy("camera"))

	require.True(t, h.RemoveServiceFilter("camera"))
	assert.Equal(t, binder.DefaultPolicy, h.BinderPolicy("camera"))

	h.SetServiceFilter("camera", false)
	require.True(t, h.ClearServiceFilters())
	assert.Equal(t, binder.Allow, h.BinderPolicy("camera"))
	assert.Equal(t, binder.Block, h.BinderPolicy("isms"), "built-in default restored")
	assert.Equal(t, binder.Allow, h.BinderPolicy("phone"), "configured seed restored")
	assert.Equal(t, binder.Block, h.BinderPolicy("location"))
	assert.Equal(t, binder.Allow, h.BinderPolicy("package"))
}

func TestNativeUnavailable(t *testing.T) {
	h := newHarness(t)
	h.native.initErr = nativehook.ErrNativeUnavailable

	assert.False(t, h.Initialize(nil))
	assert.Equal(t, Uninitialized, h.State())
	assert.False(t, h.IsInitialized())

	assert.False(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	assert.False(t, h.UninstallVirtualApp("com.x", 0))
	assert.False(t, h.LaunchVirtualApp("com.x", 0))
	assert.False(t, h.StopVirtualApp("com.x"))
	assert.False(t, h.StartService("com.x", "svc"))
	assert.Empty(t, h.GetInstalledApps())
	assert.False(t, h.AreHooksInstalled())
}

func TestHookFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.native.hookErr = nativehook.ErrBinderHookFailed

	assert.False(t, h.Initialize(nil))
	assert.Equal(t, Uninitialized, h.State())
	assert.Equal(t, 1, h.native.cleanups)
	assert.False(t, h.native.initialized)
	assert.Nil(t, h.Processes())
	assert.Equal(t, binder.Allow, h.BinderPolicy("phone"), "seeds dropped with the bridge")

	h.native.hookErr = nil
	assert.True(t, h.Initialize(nil))
	assert.True(t, h.AreHooksInstalled())
}

func TestScriptFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.native.scriptErr = errors.New("SyntaxError")
	host := config.Default()
	host.Binder.Scripts = map[string]string{"package": "code =="}

	assert.False(t, h.Initialize(host))
	assert.Equal(t, Uninitialized, h.State())
	assert.False(t, h.native.initialized)
}

func TestInvalidHost(t *testing.T) {
	h := newHarness(t)
	host := config.Default()
	host.Binder.Allow = append(host.Binder.Allow, "phone")

	assert.False(t, h.Initialize(host))
	assert.Zero(t, h.native.inits)
}

func TestInitializeTwice(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))

	assert.True(t, h.Initialize(nil))
	assert.Equal(t, 1, h.native.inits)
	assert.Len(t, h.GetInstalledApps(), 1)
}

func TestShutdownTwice(t *testing.T) {
	h := newHarness(t)
	h.Shutdown()
	assert.Equal(t, Uninitialized, h.State())

	require.True(t, h.Initialize(nil))
	h.Shutdown()
	h.Shutdown()
	assert.Equal(t, 1, h.native.cleanups)
	assert.Equal(t, Uninitialized, h.State())

	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	require.True(t, h.LaunchVirtualApp("com.x", 0))
	app, _ := h.GetVirtualApp("com.x")
	assert.Equal(t, FirstPID, app.PID, "pids restart with a new initialization")
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("b.pkg"), 0))
	before := h.GetInstalledApps()

	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	require.True(t, h.LaunchVirtualApp("com.x", 0))
	require.True(t, h.UninstallVirtualApp("com.x", 0))

	assert.Equal(t, before, h.GetInstalledApps())
	assert.Empty(t, h.Processes().ForPackage("com.x"))
	assert.False(t, h.Packages().IsVirtualPackage("com.x"))
	_, ok := h.GetVirtualApp("com.x")
	assert.False(t, ok)
	assert.False(t, h.UninstallVirtualApp("com.x", 0))
}

func TestInstallErrors(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	assert.False(t, h.InstallVirtualApp(h.path("missing.pkg"), 0))

	require.NoError(t, os.WriteFile(h.path("junk.pkg"), []byte("junk"), 0o644))
	assert.False(t, h.InstallVirtualApp(h.path("junk.pkg"), 0))
	assert.Empty(t, h.GetInstalledApps())
}

func TestLaunchSpawnFailure(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))

	h.native.spawnErr = nativehook.ErrSpawnFailed
	assert.False(t, h.LaunchVirtualApp("com.x", 0))
	app, _ := h.GetVirtualApp("com.x")
	assert.False(t, app.Running)
	assert.Equal(t, 0, h.Processes().Len())
}

func TestProcessExitCascade(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("b.pkg"), 0))
	require.True(t, h.LaunchVirtualApp("com.y", 0))
	require.True(t, h.StartService("com.y", "com.y.Sync"))

	svc, ok := h.Services().Get("com.y.Sync")
	require.True(t, ok)
	assert.Equal(t, 10000, svc.PID())
	assert.Equal(t, 1, h.Activities().Len())

	require.True(t, h.Processes().KillProcess(10000))
	assert.False(t, svc.Running())
	assert.Equal(t, 0, h.Services().Len())
	assert.Equal(t, 0, h.Activities().Len())
	app, _ := h.GetVirtualApp("com.y")
	assert.False(t, app.Running)

	assert.False(t, h.StartService("com.y", "com.y.Sync"), "app no longer running")
}

func TestGenerateProcessIDConcurrent(t *testing.T) {
	h := newHarness(t)
	const n = 200
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- h.GenerateProcessID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate pid %d", id)
		assert.GreaterOrEqual(t, id, FirstPID)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestRunStateNeverTorn(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			h.LaunchVirtualApp("com.x", 0)
			h.StopVirtualApp("com.x")
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		app, ok := h.GetVirtualApp("com.x")
		require.True(t, ok)
		if app.Running {
			assert.NotEqual(t, vapp.PIDNone, app.PID)
		} else {
			assert.Equal(t, vapp.PIDNone, app.PID)
		}
	}
}

func TestLaunchStopInterleaved(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))

	for range 100 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.LaunchVirtualApp("com.x", 0)
		}()
		go func() {
			defer wg.Done()
			h.StopVirtualApp("com.x")
		}()
		wg.Wait()

		app, ok := h.GetVirtualApp("com.x")
		require.True(t, ok)
		if app.Running {
			_, alive := h.Processes().Get(app.PID)
			require.True(t, alive, "running app pid %d has no process", app.PID)
			require.Equal(t, 1, h.Activities().Len())
		} else {
			require.Empty(t, h.Processes().ForPackage("com.x"))
			require.Equal(t, 0, h.Activities().Len())
		}
		require.True(t, h.StopVirtualApp("com.x"))
	}
	assert.Equal(t, 0, h.native.live())
}

func TestReinstallStopsStrayProcesses(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))
	require.True(t, h.InstallVirtualApp(h.path("a.pkg"), 0))
	for range 3 {
		require.True(t, h.LaunchVirtualApp("com.x", 0))
	}
	require.Len(t, h.Processes().ForPackage("com.x"), 3)

	app, _ := h.GetVirtualApp("com.x")
	require.True(t, h.Processes().KillProcess(app.PID))
	app, _ = h.GetVirtualApp("com.x")
	require.False(t, app.Running)
	require.Len(t, h.Processes().ForPackage("com.x"), 2)

	require.True(t, h.InstallVirtualApp(h.path("a_v2.pkg"), 0))
	assert.Empty(t, h.Processes().ForPackage("com.x"))
	assert.Equal(t, 0, h.native.live())
}

func TestInterceptConsumer(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.Initialize(nil))

	h.native.emit(binder.Event{Service: "phone", Policy: binder.Block, Reason: binder.ReasonFilter})
	h.native.emit(binder.Event{Service: "package", Policy: binder.Allow, Reason: binder.ReasonFilter})
	h.native.emit(binder.Event{Service: "package", Policy: binder.Allow, Reason: binder.ReasonFilter})

	assert.Eventually(t, func() bool {
		tr := h.ServiceTraffic()
		return tr["phone"] == Traffic{Blocked: 1} && tr["package"] == Traffic{Allowed: 2}
	}, time.Second, 5*time.Millisecond)

	h.Shutdown()
	h.native.emit(binder.Event{Service: "phone", Policy: binder.Block})
}

func TestInstance(t *testing.T) {
	assert.Same(t, Instance(), Instance())
	assert.Equal(t, Uninitialized, Instance().State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNINITIALIZED", Uninitialized.String())
	assert.Equal(t, "INITIALIZED_HOOKS_OFF", InitializedHooksOff.String())
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "SHUTTING_DOWN", ShuttingDown.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestEngineOverBridge(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.pkg")
	require.NoError(t, os.WriteFile(p, []byte("PK"), 0o644))

	bridge := nativehook.New()
	e := New(bridge, parser)
	require.True(t, e.Initialize(nil))
	defer e.Shutdown()

	assert.True(t, e.AreHooksInstalled())
	assert.Equal(t, binder.Block, e.BinderPolicy("phone"))

	pol, err := bridge.ProbeService("phone")
	require.NoError(t, err)
	assert.Equal(t, binder.Block, pol)
	assert.Eventually(t, func() bool {
		return e.ServiceTraffic()["phone"].Blocked == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, e.InstallVirtualApp(p, 0))
	require.True(t, e.LaunchVirtualApp("com.x", 0))
	assert.True(t, bridge.Alive(FirstPID))

	e.Shutdown()
	assert.False(t, bridge.Initialized())
	assert.False(t, bridge.BinderHooked())
	assert.False(t, e.AreHooksInstalled())
}
