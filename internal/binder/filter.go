// Package binder decides which guest binder transactions reach their
// service. The filter table maps well-known service names to a policy; the
// hot path performs one point read per transaction.
package binder

import (
	"sort"
	"sync"
)

// Policy is the verdict for a service.
type Policy bool

const (
	Allow Policy = true
	Block Policy = false
)

// DefaultPolicy applies to services absent from the filter table.
const DefaultPolicy = Allow

func (p Policy) String() string {
	if p {
		return "ALLOW"
	}
	return "BLOCK"
}

// DefaultAllow and DefaultBlock seed a fresh filter table.
var (
	DefaultAllow = []string{"package", "activity", "window", "input", "power", "servicemanager"}
	DefaultBlock = []string{"telephony.registry", "isms", "phone"}
)

// Filter is the concurrent service filter table.
type Filter struct {
	m sync.Map // string -> Policy
}

// NewFilter returns an empty filter table.
func NewFilter() *Filter {
	return &Filter{}
}

// Set overwrites the policy for name.
func (f *Filter) Set(name string, p Policy) {
	f.m.Store(name, p)
}

// Remove drops name so it falls back to DefaultPolicy.
func (f *Filter) Remove(name string) {
	f.m.Delete(name)
}

// Lookup returns the policy for name and whether it was explicitly set.
func (f *Filter) Lookup(name string) (Policy, bool) {
	v, ok := f.m.Load(name)
	if !ok {
		return DefaultPolicy, false
	}
	return v.(Policy), true
}

// Allowed reports the effective policy for name.
func (f *Filter) Allowed(name string) bool {
	p, _ := f.Lookup(name)
	return p == Allow
}

// Seed applies allow then block lists on top of the current table.
func (f *Filter) Seed(allow, block []string) {
	for _, n := range allow {
		f.Set(n, Allow)
	}
	for _, n := range block {
		f.Set(n, Block)
	}
}

// Clear empties the table.
func (f *Filter) Clear() {
	f.m.Range(func(k, _ any) bool {
		f.m.Delete(k)
		return true
	})
}

// Entry is one row of a filter snapshot.
type Entry struct {
	Service string
	Policy  Policy
}

// Snapshot returns the table sorted by service name.
func (f *Filter) Snapshot() []Entry {
	var out []Entry
	f.m.Range(func(k, v any) bool {
		out = append(out, Entry{Service: k.(string), Policy: v.(Policy)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Len returns the number of explicit entries.
func (f *Filter) Len() int {
	n := 0
	f.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
