// Package vapp holds the guest application model shared by the registries.
package vapp

import (
	"sync/atomic"
	"time"
)

// PIDNone marks an app without a running process.
const PIDNone = -1

// Manifest is what the archive parser extracts from a guest archive.
type Manifest struct {
	Package     string
	VersionCode int64
	VersionName string
	Label       string
	MinSDK      int
	TargetSDK   int
	Activities  []string
	Services    []string
	Permissions []string

	// ApplicationInfo is an opaque blob; the engine never looks inside.
	ApplicationInfo []byte
}

// RunState is published atomically so readers never see running=true
// without its pid.
type RunState struct {
	Running bool
	PID     int
}

var stopped = &RunState{PID: PIDNone}

// App is an installed guest application.
type App struct {
	Package         string
	VersionCode     int64
	VersionName     string
	Label           string
	Path            string
	UserID          int
	ApplicationInfo []byte
	Manifest        *Manifest
	InstalledAt     time.Time

	state atomic.Pointer[RunState]
}

// New builds an app from its manifest. An empty label falls back to the
// package name.
func New(m *Manifest, path string, userID int) *App {
	label := m.Label
	if label == "" {
		label = m.Package
	}
	a := &App{
		Package:         m.Package,
		VersionCode:     m.VersionCode,
		VersionName:     m.VersionName,
		Label:           label,
		Path:            path,
		UserID:          userID,
		ApplicationInfo: m.ApplicationInfo,
		Manifest:        m,
		InstalledAt:     time.Now(),
	}
	a.state.Store(stopped)
	return a
}

// State returns the current run state.
func (a *App) State() RunState {
	return *a.state.Load()
}

// Running reports whether the app has a live process.
func (a *App) Running() bool {
	return a.state.Load().Running
}

// PID returns the app's virtual pid or PIDNone.
func (a *App) PID() int {
	return a.state.Load().PID
}

// Publish records a launched process.
func (a *App) Publish(pid int) {
	a.state.Store(&RunState{Running: true, PID: pid})
}

// Stop clears the run state and returns the pid that was running.
func (a *App) Stop() int {
	return a.state.Swap(stopped).PID
}

// StopIf clears the run state only while pid is still the published one.
func (a *App) StopIf(pid int) bool {
	cur := a.state.Load()
	if !cur.Running || cur.PID != pid {
		return false
	}
	return a.state.CompareAndSwap(cur, stopped)
}

// Info is a plain copy of an app for callers outside the engine.
type Info struct {
	Package     string
	VersionCode int64
	VersionName string
	Label       string
	Path        string
	UserID      int
	Running     bool
	PID         int
	InstalledAt time.Time
}

// Info snapshots the app.
func (a *App) Info() Info {
	st := a.State()
	return Info{
		Package:     a.Package,
		VersionCode: a.VersionCode,
		VersionName: a.VersionName,
		Label:       a.Label,
		Path:        a.Path,
		UserID:      a.UserID,
		Running:     st.Running,
		PID:         st.PID,
		InstalledAt: a.InstalledAt,
	}
}
