// Package river runs workflows durably on the River job queue: a runner
// facade starts, signals, cancels, and observes runs; workers replay
// histories and execute pending steps inside PostgreSQL transactions.
package river

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aksrustagi/talos-sub002/workflow"
)

// ErrWorkflowNotFound is returned for an unregistered workflow name.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrVersionNotFound is returned for an unregistered workflow version.
var ErrVersionNotFound = errors.New("workflow version not found")

// Registry maps workflow names to their registered definitions. Several
// versions of a name may coexist so in-flight runs pinned to an old
// version keep replaying against the definition that produced their
// history, while new starts use the latest. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	versions map[string]*workflow.WorkflowDef
	latest   string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a definition under its own name and version. The first
// version registered for a name becomes the latest; later versions do
// not take over automatically (SetLatest promotes them).
func (r *Registry) Register(def *workflow.WorkflowDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[def.Name()]
	if entry == nil {
		entry = &registryEntry{versions: make(map[string]*workflow.WorkflowDef)}
		r.entries[def.Name()] = entry
	}
	entry.versions[def.Version()] = def
	if entry.latest == "" {
		entry.latest = def.Version()
	}
}

// Get returns the latest registered version of a workflow.
func (r *Registry) Get(name string) (*workflow.WorkflowDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	def, ok := entry.versions[entry.latest]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, entry.latest)
	}
	return def, nil
}

// GetVersion returns one specific registered version of a workflow.
func (r *Registry) GetVersion(name, version string) (*workflow.WorkflowDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	def, ok := entry.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	return def, nil
}

// Resolve returns the definition a run should replay against: the pinned
// version when the run recorded one, otherwise the latest.
func (r *Registry) Resolve(name, version string) (*workflow.WorkflowDef, error) {
	if version == "" {
		return r.Get(name)
	}
	return r.GetVersion(name, version)
}

// SetLatest promotes a registered version so new runs start on it.
func (r *Registry) SetLatest(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	if _, ok := entry.versions[version]; !ok {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	entry.latest = version
	return nil
}

// LatestVersion returns the version new runs of a workflow start on.
func (r *Registry) LatestVersion(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return entry.latest, nil
}

// Versions returns the registered versions of a workflow, sorted.
func (r *Registry) Versions(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	versions := make([]string, 0, len(entry.versions))
	for v := range entry.versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a workflow name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Count returns the number of distinct registered workflow names.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
