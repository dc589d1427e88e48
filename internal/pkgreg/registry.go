// Package pkgreg answers package queries for the guests installed in the
// engine.
package pkgreg

import (
	"sort"
	"sync"

	"github.com/zboralski/vspace/internal/vapp"
)

// Registry maps package names to manifests.
type Registry struct {
	pkgs sync.Map // string -> *vapp.Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add records m under name, replacing any previous entry.
func (r *Registry) Add(name string, m *vapp.Manifest) {
	r.pkgs.Store(name, m)
}

// Get returns the manifest of name.
func (r *Registry) Get(name string) (*vapp.Manifest, bool) {
	v, ok := r.pkgs.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*vapp.Manifest), true
}

// All returns every manifest ordered by package name.
func (r *Registry) All() []*vapp.Manifest {
	var out []*vapp.Manifest
	r.pkgs.Range(func(_, v any) bool {
		out = append(out, v.(*vapp.Manifest))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// IsVirtualPackage reports whether name is installed in the engine.
func (r *Registry) IsVirtualPackage(name string) bool {
	_, ok := r.pkgs.Load(name)
	return ok
}

// Remove drops name.
func (r *Registry) Remove(name string) {
	r.pkgs.Delete(name)
}

// Len returns the number of packages.
func (r *Registry) Len() int {
	return len(r.All())
}

// Shutdown drops every package.
func (r *Registry) Shutdown() {
	r.pkgs.Clear()
}
