package runtime

import (
	"fmt"
	"regexp"
	"sort"
)

// Runtime defines how to launch one kind of e2e test runner.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "cypress", "command").
	Name() string

	// DisplayName is used in user-facing error messages.
	DisplayName() string

	// Command returns the program and arguments for a run against targetID.
	// An empty targetID runs the suite without a project binding.
	Command(targetID string) []string

	// Validate checks targetID before it is placed on a command line.
	Validate(targetID string) error
}

// Registry maps runtime names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the built-in runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(NewCypressRuntime(DefaultBrowser))
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime with the given name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q (supported: %v)", name, r.Names())
	}
	return rt, nil
}

// Names returns all registered runtime names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target ids end up in a shell command line, so only a conservative
// character set is accepted.
var targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

func validateTargetID(targetID string) error {
	if targetID == "" {
		return nil
	}
	if !targetIDPattern.MatchString(targetID) {
		return fmt.Errorf("invalid target id %q", targetID)
	}
	return nil
}
