// Package state persists pipeline progress so an interrupted run can
// resume without redoing completed generation work. The store is the only
// shared mutable resource in a run; every mutation goes through a single
// mutex-guarded writer so concurrent component tasks never interleave a
// partial write.
package state

import (
	"errors"
	"time"
)

// ComponentStatus is a component's position in its build lifecycle.
type ComponentStatus string

const (
	StatusPending     ComponentStatus = "PENDING"
	StatusInProgress  ComponentStatus = "IN_PROGRESS"
	StatusValidating  ComponentStatus = "VALIDATING"
	StatusNeedsRepair ComponentStatus = "NEEDS_REPAIR"
	StatusSucceeded   ComponentStatus = "SUCCEEDED"
	StatusFailed      ComponentStatus = "FAILED"
	StatusSkipped     ComponentStatus = "SKIPPED_DEPENDENCY_FAILED"
)

// Terminal reports whether the status ends the component's lifecycle.
func (s ComponentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// valid reports whether s is a known status. Used when loading snapshots:
// an unknown status in the database means the state is corrupt.
func (s ComponentStatus) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusValidating, StatusNeedsRepair,
		StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// allowedTransitions encodes the component state machine. A transition not
// listed here is a scheduler bug, and the store rejects it.
var allowedTransitions = map[ComponentStatus][]ComponentStatus{
	StatusPending:     {StatusInProgress, StatusSkipped},
	StatusInProgress:  {StatusValidating, StatusNeedsRepair, StatusFailed},
	StatusValidating:  {StatusSucceeded, StatusNeedsRepair},
	StatusNeedsRepair: {StatusInProgress, StatusFailed, StatusSkipped},
}

func transitionAllowed(from, to ComponentStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AttemptOutcome is the terminal result of one generation+validation cycle.
type AttemptOutcome string

const (
	OutcomeSucceeded        AttemptOutcome = "SUCCEEDED"
	OutcomeFailedValidation AttemptOutcome = "FAILED_VALIDATION"
	OutcomeFailedStub       AttemptOutcome = "FAILED_STUB"
	OutcomeFailedTimeout    AttemptOutcome = "FAILED_TIMEOUT"
	OutcomeFailedError      AttemptOutcome = "FAILED_ERROR"
)

// RunStatus is the run-level outcome.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the run can no longer be mutated.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

func (s RunStatus) valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// Attempt records one generation+validation cycle for a component.
type Attempt struct {
	Number         int
	Artifact       string
	ArtifactHash   string
	Classification string
	Outcome        AttemptOutcome
	Diagnostics    []string
	CreatedAt      time.Time
}

// ComponentState is the persisted view of one component within a run.
// Artifact holds the text of the latest successful attempt only.
type ComponentState struct {
	Name         string
	Status       ComponentStatus
	Attempts     int
	Artifact     string
	ArtifactHash string
	LastOutcome  AttemptOutcome
	Diagnostics  []string
}

// Run is a full snapshot of a run's persisted state. Order preserves the
// recipe's component order.
type Run struct {
	ID            string
	RecipeName    string
	RecipeVersion string
	Status        RunStatus
	WaveIndex     int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Order         []string
	Components    map[string]*ComponentState
}

// Sentinel errors surfaced by the store.
var (
	// ErrNotFound means the run id has no persisted state.
	ErrNotFound = errors.New("run not found")
	// ErrCorruptState means a snapshot exists but cannot be trusted. A
	// run must refuse to resume from it rather than guess.
	ErrCorruptState = errors.New("persisted run state is corrupt")
	// ErrRunTerminal means a mutation targeted a run that already
	// reached a terminal status.
	ErrRunTerminal = errors.New("run is terminal and immutable")
	// ErrBadTransition means a component status change violates the
	// lifecycle state machine.
	ErrBadTransition = errors.New("invalid component status transition")
)
