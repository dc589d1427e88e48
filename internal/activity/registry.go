// Package activity launches guest apps and tracks their running activities
// by token.
package activity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/process"
	"github.com/zboralski/vspace/internal/vapp"
)

// Launcher intent values.
const (
	ActionMain       = "android.intent.action.MAIN"
	CategoryLauncher = "android.intent.category.LAUNCHER"
)

// Intent is the launch request delivered to an activity.
type Intent struct {
	Action    string
	Category  string
	Package   string
	Component string
}

// Activity is a running activity instance.
type Activity struct {
	Token     string
	Package   string
	Component string
	PID       int
	UserID    int
	Intent    Intent
	Created   time.Time
}

// ErrProcessGone is returned when the launched process was killed before
// the app could be marked running.
var ErrProcessGone = errors.New("process exited during launch")

// Processes receives processes spawned by a launch.
type Processes interface {
	Register(p *process.Process)
	Get(pid int) (*process.Process, bool)
}

// Registry launches apps and maps tokens to running activities.
type Registry struct {
	native  process.Native
	procs   Processes
	nextPID func() int

	activities sync.Map // string -> *Activity

	log *glog.Logger
}

// NewRegistry creates a registry launching through native and recording
// processes in procs.
func NewRegistry(native process.Native, procs Processes, nextPID func() int) *Registry {
	return &Registry{
		native:  native,
		procs:   procs,
		nextPID: nextPID,
		log:     glog.L.WithCategory("activity"),
	}
}

// NewToken returns a fresh activity token.
func NewToken() string {
	return uuid.NewString()
}

// LaunchApp spawns a process for app, registers it, then publishes the
// app's run state. The launcher activity is recorded under a new token.
// A failed spawn burns the allocated pid. If the process is killed before
// publication the run state is rolled back.
func (r *Registry) LaunchApp(app *vapp.App, userID int) error {
	pid := r.nextPID()
	if err := r.native.CreateVirtualProcess(pid, app.Package, userID); err != nil {
		return fmt.Errorf("launch %s: %w", app.Package, err)
	}
	r.procs.Register(process.NewProcess(pid, app.Package, userID))
	app.Publish(pid)
	if _, ok := r.procs.Get(pid); !ok {
		app.StopIf(pid)
		return fmt.Errorf("launch %s: pid %d: %w", app.Package, pid, ErrProcessGone)
	}

	component := app.Package
	if app.Manifest != nil && len(app.Manifest.Activities) > 0 {
		component = app.Manifest.Activities[0]
	}
	a := &Activity{
		Token:     NewToken(),
		Package:   app.Package,
		Component: component,
		PID:       pid,
		UserID:    userID,
		Intent: Intent{
			Action:    ActionMain,
			Category:  CategoryLauncher,
			Package:   app.Package,
			Component: component,
		},
		Created: time.Now(),
	}
	r.AddRunningActivity(a.Token, a)

	r.log.Info("app launched", glog.Pkg(app.Package), glog.PID(pid), glog.User(userID))
	return nil
}

// AddRunningActivity records a under token, replacing any previous entry.
func (r *Registry) AddRunningActivity(token string, a *Activity) {
	r.activities.Store(token, a)
}

// GetRunningActivity returns the activity registered under token.
func (r *Registry) GetRunningActivity(token string) (*Activity, bool) {
	v, ok := r.activities.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*Activity), true
}

// RemoveRunningActivity drops token.
func (r *Registry) RemoveRunningActivity(token string) bool {
	_, ok := r.activities.LoadAndDelete(token)
	return ok
}

// RemoveProcess drops every activity hosted by pid and returns the count.
func (r *Registry) RemoveProcess(pid int) int {
	n := 0
	r.activities.Range(func(k, v any) bool {
		if a := v.(*Activity); a.PID == pid && r.activities.CompareAndDelete(k, a) {
			n++
		}
		return true
	})
	return n
}

// All returns the running activities ordered by creation time.
func (r *Registry) All() []*Activity {
	var out []*Activity
	r.activities.Range(func(_, v any) bool {
		out = append(out, v.(*Activity))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Token < out[j].Token
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of running activities.
func (r *Registry) Len() int {
	n := 0
	r.activities.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown drops every activity.
func (r *Registry) Shutdown() {
	r.activities.Clear()
}
