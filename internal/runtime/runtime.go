package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"plugin-warden/internal/plugin"
)

// ErrUnsupportedKind means no execution runtime is registered for a
// plugin kind. Callers must refuse to execute, not fall through.
var ErrUnsupportedKind = errors.New("no runtime for plugin kind")

// Runtime defines how to execute one plugin kind.
type Runtime interface {
	// Kind returns the plugin kind this runtime executes.
	Kind() plugin.Kind

	// Image returns the container image reference used under
	// container isolation. Process isolation ignores it.
	Image() string

	// Command returns the argv to run the artifact. artifactPath is
	// the path as seen inside the execution environment.
	Command(artifactPath string, args []string) []string
}

// Registry maps plugin kinds to their Runtime implementations.
type Registry struct {
	runtimes map[plugin.Kind]Runtime
}

// NewRegistry creates a registry with all executable kinds. WASM is
// deliberately absent: admission accepts wasm artifacts, but without
// an engine Get fails and nothing executes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[plugin.Kind]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&BinaryRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Kind()] = rt
}

// Get returns the runtime for the given kind.
func (r *Registry) Get(kind plugin.Kind) (Runtime, error) {
	rt, ok := r.runtimes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedKind, kind, strings.Join(r.kindNames(), ", "))
	}
	return rt, nil
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []plugin.Kind {
	kinds := make([]plugin.Kind, 0, len(r.runtimes))
	for kind := range r.runtimes {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (r *Registry) kindNames() []string {
	kinds := r.Kinds()
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	return names
}
