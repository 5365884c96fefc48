// Package registry holds the canonical in-memory table of all known
// extensions after merging every declared specification source.
//
// The registry is constructed once at merge time and read-only afterwards;
// per-plugin lifecycle state and installation metadata are the only mutable
// fields, guarded by the plugin's own lock and by the pipeline's
// one-task-per-identity rule.
package registry

import (
	"sync"
	"time"

	"github.com/dshills/stormpack/internal/spec"
)

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - the plugin has not been activated.
	StateUnloaded State = iota

	// StateLoading - activation is in progress.
	StateLoading

	// StateLoaded - the plugin is active. Terminal.
	StateLoaded

	// StateFailed - activation failed; no automatic retry this session.
	// Terminal.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateFailed
}

// Plugin is the merged, canonical form of one extension.
type Plugin struct {
	// Name is the unique identity.
	Name string

	// Source is the resolved remote URL or local path.
	Source string

	// Version is the resolved version constraint. Empty tracks the default
	// branch.
	Version string

	// Dependencies are identities, unioned and de-duplicated across
	// sources, in first-seen order.
	Dependencies []string

	// Trigger sets, unioned across sources.
	Events    []string
	Commands  []string
	FileTypes []string
	Keys      []string

	// Always marks the plugin for eager loading at startup.
	Always bool

	// Init runs before the plugin's code is made addressable.
	Init spec.Callback

	// Config runs after load.
	Config spec.Callback

	// declOrder is the original declaration position, used to break
	// topological-sort ties.
	declOrder int

	mu sync.Mutex

	// Lifecycle state, owned by the dispatcher.
	state State

	// loadErr records why activation failed.
	loadErr error

	// Installation metadata, owned by the pipeline.
	installPath string
	revision    string
	syncedAt    time.Time
}

// State returns the plugin's lifecycle state.
func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the lifecycle state.
func (p *Plugin) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// LoadError returns the activation failure, if any.
func (p *Plugin) LoadError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadErr
}

// SetLoadError records an activation failure.
func (p *Plugin) SetLoadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadErr = err
}

// Install returns the installation metadata: local path, last-synced
// revision, and last sync time.
func (p *Plugin) Install() (path, revision string, syncedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installPath, p.revision, p.syncedAt
}

// SetInstall records installation metadata after a successful task.
func (p *Plugin) SetInstall(path, revision string, syncedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installPath = path
	p.revision = revision
	p.syncedAt = syncedAt
}

// InstallPath returns the local path, empty if never installed.
func (p *Plugin) InstallPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installPath
}

// Revision returns the last-synced revision.
func (p *Plugin) Revision() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revision
}

// HasTriggers reports whether any lazy activation trigger is declared.
func (p *Plugin) HasTriggers() bool {
	return len(p.Events)+len(p.Commands)+len(p.FileTypes)+len(p.Keys) > 0
}

// Registry is the canonical plugin table. Read-only after Merge.
type Registry struct {
	plugins map[string]*Plugin
	order   []string // topological load order
}

// Get returns a plugin by identity.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// LoadOrder returns identities in dependency load order: every dependency
// appears strictly before its dependents.
func (r *Registry) LoadOrder() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Plugins returns all plugins in load order.
func (r *Registry) Plugins() []*Plugin {
	out := make([]*Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Len returns the number of plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}
