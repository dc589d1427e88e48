// Package installer turns guest archives into installed apps.
package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/vspace/internal/apk"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/pkgreg"
	"github.com/zboralski/vspace/internal/vapp"
)

var (
	ErrArchiveNotFound  = errors.New("archive not found")
	ErrArchiveMalformed = errors.New("archive malformed")
)

// Parser reads the manifest summary of an archive.
type Parser interface {
	Parse(path string) (*vapp.Manifest, error)
}

// Catalog is the engine's table of installed apps.
type Catalog interface {
	Put(app *vapp.App)
	Delete(pkg string)
}

// Stopper stops every process of a guest.
type Stopper interface {
	StopApp(pkg string) bool
}

// Installer keeps its own app table in step with the catalog and the
// package registry.
type Installer struct {
	parser   Parser
	catalog  Catalog
	stopper  Stopper
	packages *pkgreg.Registry

	mu   sync.Mutex
	apps map[string]*vapp.App

	log *glog.Logger
}

// New creates an installer.
func New(parser Parser, catalog Catalog, stopper Stopper, packages *pkgreg.Registry) *Installer {
	return &Installer{
		parser:   parser,
		catalog:  catalog,
		stopper:  stopper,
		packages: packages,
		apps:     make(map[string]*vapp.App),
		log:      glog.L.WithCategory("installer"),
	}
}

// Install parses the archive at path and installs it for userID. An
// installed package of the same name is replaced after every process of
// it has been stopped, whatever its published run state.
func (in *Installer) Install(path string, userID int) (*vapp.App, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveMalformed, path, err)
	}

	m, err := in.parser.Parse(path)
	switch {
	case errors.Is(err, apk.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrArchiveNotFound, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrArchiveMalformed, err)
	case m == nil || m.Package == "":
		return nil, fmt.Errorf("%w: %s: no manifest summary", ErrArchiveMalformed, path)
	}

	if _, ok := in.Get(m.Package); ok {
		in.stopper.StopApp(m.Package)
	}

	app := vapp.New(m, path, userID)
	in.mu.Lock()
	_, replaced := in.apps[app.Package]
	in.apps[app.Package] = app
	in.catalog.Put(app)
	in.packages.Add(app.Package, m)
	in.mu.Unlock()

	in.log.Info("app installed",
		glog.Pkg(app.Package),
		glog.User(userID),
		zap.Int64("versionCode", app.VersionCode),
		zap.Bool("replaced", replaced),
	)
	return app, nil
}

// Uninstall stops pkg and removes it everywhere. It returns false when pkg
// is not installed.
func (in *Installer) Uninstall(pkg string, userID int) bool {
	if _, ok := in.Get(pkg); !ok {
		return false
	}
	in.stopper.StopApp(pkg)

	in.mu.Lock()
	_, ok := in.apps[pkg]
	delete(in.apps, pkg)
	in.catalog.Delete(pkg)
	in.packages.Remove(pkg)
	in.mu.Unlock()

	if ok {
		in.log.Info("app uninstalled", glog.Pkg(pkg), glog.User(userID))
	}
	return ok
}

// Get returns the installed app pkg.
func (in *Installer) Get(pkg string) (*vapp.App, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	app, ok := in.apps[pkg]
	return app, ok
}

// Packages returns the installed package names, sorted.
func (in *Installer) Packages() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	names := make([]string, 0, len(in.apps))
	for name := range in.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown forgets every app. The catalog and package registry are torn
// down by their owners.
func (in *Installer) Shutdown() {
	in.mu.Lock()
	clear(in.apps)
	in.mu.Unlock()
}
