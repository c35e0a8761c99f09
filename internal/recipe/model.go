package recipe

import "time"

// Component is one named unit of a recipe: a specification to generate code
// for, the components it depends on, and the quality gates its output must
// pass before it counts as built.
type Component struct {
	// Name uniquely identifies the component within its recipe.
	Name string
	// DependsOn lists the names of components that must be built first.
	DependsOn []string
	// Spec is the free-form behavioral description handed to the generator.
	Spec string
	// Acceptance names the checkers that must all pass for the component
	// to be accepted.
	Acceptance []string
}

// Config holds the recipe-level execution settings.
type Config struct {
	// MaxParallel bounds how many components build concurrently.
	MaxParallel int
	// MaxAttempts bounds generate/repair cycles per component.
	MaxAttempts int
	// AttemptTimeout bounds a single generation call.
	AttemptTimeout time.Duration
	// ValidationTimeout bounds one full checker sequence.
	ValidationTimeout time.Duration
	// RunTimeout bounds the whole run. Zero means unlimited.
	RunTimeout time.Duration
}

// Defaults applied when the recipe block omits a setting.
const (
	DefaultMaxParallel       = 4
	DefaultMaxAttempts       = 3
	DefaultAttemptTimeout    = 5 * time.Minute
	DefaultValidationTimeout = 10 * time.Minute
)

// Recipe is the validated, in-memory form of a recipe document. Components
// keeps document order so downstream consumers can break ties
// deterministically.
type Recipe struct {
	Name       string
	Version    string
	Config     Config
	Components []*Component

	byName map[string]*Component
}

// Component returns the named component, if present.
func (r *Recipe) Component(name string) (*Component, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns all component names in document order.
func (r *Recipe) Names() []string {
	names := make([]string, len(r.Components))
	for i, c := range r.Components {
		names[i] = c.Name
	}
	return names
}

// index rebuilds the name lookup from the Components slice. It must be
// called after Components is populated or mutated.
func (r *Recipe) index() {
	r.byName = make(map[string]*Component, len(r.Components))
	for _, c := range r.Components {
		r.byName[c.Name] = c
	}
}

// New assembles a Recipe from already-validated parts. It exists for tests
// and programmatic construction; document parsing goes through Parse.
func New(name, version string, cfg Config, components []*Component) *Recipe {
	r := &Recipe{Name: name, Version: version, Config: cfg, Components: components}
	r.index()
	return r
}
