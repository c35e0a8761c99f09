// Package waves turns a recipe's dependency graph into maximal-parallelism
// build layers. Wave N holds every component whose longest dependency chain
// has length N, so all members of a wave can build concurrently once wave
// N-1 is done.
package waves

import (
	"fmt"
	"strings"

	"github.com/vk/recipeforge/internal/recipe"
)

// Wave is one layer of the build plan. Components preserves recipe document
// order so scheduling is reproducible.
type Wave struct {
	Index      int
	Components []string
}

// CycleError is returned when the graph has a cycle the parser failed to
// reject. The resolver fails closed rather than producing a partial plan.
type CycleError struct {
	Remaining []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("CYCLE_DETECTED: components unreachable by wave assignment: %s", strings.Join(e.Remaining, ", "))
}

// Resolve computes the wave plan for a recipe by Kahn layering: repeatedly
// peel off every component whose dependencies are all already assigned.
// Guarantees: every component lands in exactly one wave, each component's
// wave index is strictly greater than all of its dependencies' indexes, and
// the number of waves equals the longest dependency chain plus one.
func Resolve(r *recipe.Recipe) ([]Wave, error) {
	inDegree := make(map[string]int, len(r.Components))
	dependents := make(map[string][]string, len(r.Components))
	for _, c := range r.Components {
		inDegree[c.Name] = len(c.DependsOn)
		for _, dep := range c.DependsOn {
			dependents[dep] = append(dependents[dep], c.Name)
		}
	}

	assigned := make(map[string]bool, len(r.Components))
	var plan []Wave
	for len(assigned) < len(r.Components) {
		wave := Wave{Index: len(plan)}
		// Document order within the wave keeps runs reproducible.
		for _, c := range r.Components {
			if !assigned[c.Name] && inDegree[c.Name] == 0 {
				wave.Components = append(wave.Components, c.Name)
			}
		}
		if len(wave.Components) == 0 {
			// The parser validates acyclicity, but a hand-built recipe can
			// still smuggle a cycle in. Fail closed.
			var remaining []string
			for _, c := range r.Components {
				if !assigned[c.Name] {
					remaining = append(remaining, c.Name)
				}
			}
			return nil, &CycleError{Remaining: remaining}
		}
		for _, name := range wave.Components {
			assigned[name] = true
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
			}
		}
		plan = append(plan, wave)
	}
	return plan, nil
}

// IndexByComponent maps every component name to its wave index.
func IndexByComponent(plan []Wave) map[string]int {
	idx := make(map[string]int)
	for _, w := range plan {
		for _, name := range w.Components {
			idx[name] = w.Index
		}
	}
	return idx
}
