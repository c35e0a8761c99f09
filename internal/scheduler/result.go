package scheduler

import (
	"github.com/vk/recipeforge/internal/state"
)

// ComponentResult is the per-component summary in a RunResult: final
// status, how many attempts it took, and the diagnostics of the last
// failing attempt when the component did not succeed.
type ComponentResult struct {
	Name        string
	Status      state.ComponentStatus
	Attempts    int
	Diagnostics []string
}

// RunResult is the run-level outcome handed back to the caller.
type RunResult struct {
	RunID      string
	Status     state.RunStatus
	Components []ComponentResult
}

// ExitCode maps the run outcome to a process exit code: 0 COMPLETED,
// 1 FAILED, 3 ABORTED.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case state.RunCompleted:
		return 0
	case state.RunAborted:
		return 3
	default:
		return 1
	}
}

// resultFromSnapshot projects a persisted run snapshot into a RunResult.
func resultFromSnapshot(run *state.Run) *RunResult {
	res := &RunResult{RunID: run.ID, Status: run.Status}
	for _, name := range run.Order {
		cs := run.Components[name]
		cr := ComponentResult{Name: name, Status: cs.Status, Attempts: cs.Attempts}
		if cs.Status != state.StatusSucceeded {
			cr.Diagnostics = cs.Diagnostics
		}
		res.Components = append(res.Components, cr)
	}
	return res
}
