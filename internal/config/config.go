// Package config loads the host configuration handed to the engine at
// initialization.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/vspace/internal/binder"
)

// DefaultEventQueue is the capacity of the intercept event queue.
const DefaultEventQueue = 256

// DefaultSystemLibraries are loaded into every guest address space.
var DefaultSystemLibraries = []string{"libc.so", "libdl.so", "liblog.so", "libbinder.so"}

// Host is the host environment configuration.
type Host struct {
	Debug bool `yaml:"debug"`

	// SystemLibraries are loaded at initialization. Entries are built-in
	// image names or absolute paths to ARM64 shared objects.
	SystemLibraries []string `yaml:"system_libraries"`

	Binder Binder `yaml:"binder"`

	// EventQueue is the capacity of the intercept event queue.
	EventQueue int `yaml:"event_queue"`
}

// Binder configures the binder filter seeds and transaction scripts.
type Binder struct {
	Allow   []string          `yaml:"allow"`
	Block   []string          `yaml:"block"`
	Scripts map[string]string `yaml:"scripts"`
}

// Default returns the built-in host configuration.
func Default() *Host {
	return &Host{
		SystemLibraries: append([]string(nil), DefaultSystemLibraries...),
		Binder: Binder{
			Allow: append([]string(nil), binder.DefaultAllow...),
			Block: append([]string(nil), binder.DefaultBlock...),
		},
		EventQueue: DefaultEventQueue,
	}
}

// Load reads a YAML file on top of the defaults. Lists given in the file
// replace the default lists.
func Load(path string) (*Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Host, error) {
	h := Default()
	if err := yaml.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks the configuration for contradictions.
func (h *Host) Validate() error {
	if h.EventQueue < 0 {
		return fmt.Errorf("event_queue must not be negative, got %d", h.EventQueue)
	}
	if len(h.SystemLibraries) == 0 {
		return errors.New("system_libraries must not be empty")
	}
	allowed := make(map[string]bool, len(h.Binder.Allow))
	for _, s := range h.Binder.Allow {
		allowed[s] = true
	}
	for _, s := range h.Binder.Block {
		if allowed[s] {
			return fmt.Errorf("binder service %q is both allowed and blocked", s)
		}
	}
	return nil
}
