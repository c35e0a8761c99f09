// Package scheduler is the orchestration core. It consumes the wave plan
// from the resolver and drives one build cycle per component — generate,
// classify, validate, repair — with bounded concurrency, persisting every
// transition through the state store so a run can be resumed after an
// interruption.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/recipeforge/internal/ctxlog"
	"github.com/vk/recipeforge/internal/gate"
	"github.com/vk/recipeforge/internal/generator"
	"github.com/vk/recipeforge/internal/recipe"
	"github.com/vk/recipeforge/internal/state"
	"github.com/vk/recipeforge/internal/stub"
	"github.com/vk/recipeforge/internal/waves"
)

// Classifier is the stub-detector capability the scheduler consumes.
// Satisfied by *stub.Detector.
type Classifier interface {
	Classify(ctx context.Context, artifact string, c *recipe.Component) stub.Classification
}

// Validator is the quality-gate capability. Satisfied by *gate.Runner.
type Validator interface {
	Validate(ctx context.Context, artifact string, c *recipe.Component) gate.ValidationResult
}

// Scheduler wires the generator, stub detector, gate runner, and state
// store into the per-component build cycle.
type Scheduler struct {
	gen        generator.Generator
	classifier Classifier
	gates      Validator
	store      *state.Store
}

// New builds a Scheduler.
func New(gen generator.Generator, classifier Classifier, gates Validator, store *state.Store) *Scheduler {
	return &Scheduler{gen: gen, classifier: classifier, gates: gates, store: store}
}

// Run executes the recipe. When resume is non-nil, the run continues from
// that persisted snapshot: components already SUCCEEDED are skipped without
// ever touching the generator. A COMPLETED snapshot is returned as-is;
// ABORTED and FAILED snapshots are immutable, so their finished work is
// carried into a fresh run and the rest retried. The returned RunResult
// reflects the final persisted snapshot.
func (s *Scheduler) Run(ctx context.Context, rec *recipe.Recipe, resume *state.Run) (*RunResult, error) {
	logger := ctxlog.FromContext(ctx)

	plan, err := waves.Resolve(rec)
	if err != nil {
		return nil, err
	}

	run, err := s.prepareRun(rec, resume)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		// Resuming a completed run is a read, not a re-execution.
		logger.Info("Run is already terminal, returning its snapshot.", "run_id", run.ID, "status", run.Status)
		return resultFromSnapshot(run), nil
	}
	logger = logger.With("run_id", run.ID)
	logger.Info("Run starting.", "recipe", rec.Name, "components", len(rec.Components), "waves", len(plan), "max_parallel", rec.Config.MaxParallel)

	runCtx := ctx
	if rec.Config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rec.Config.RunTimeout)
		defer cancel()
	}

	// statuses is the scheduler's working view; the store remains the
	// source of truth and is re-read for the final result.
	statuses := make(map[string]state.ComponentStatus, len(run.Components))
	attempts := make(map[string]int, len(run.Components))
	feedback := make(map[string][]string, len(run.Components))
	for name, cs := range run.Components {
		statuses[name] = cs.Status
		attempts[name] = cs.Attempts
		feedback[name] = cs.Diagnostics
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	sem := make(chan struct{}, rec.Config.MaxParallel)
	aborted := false

	for _, wave := range plan {
		if runCtx.Err() != nil {
			aborted = true
			break
		}
		if err := s.store.SetWave(run.ID, wave.Index); err != nil {
			return nil, err
		}
		waveLogger := logger.With("wave", wave.Index)
		waveLogger.Info("Wave starting.", "components", wave.Components)

		var wg sync.WaitGroup
	dispatch:
		for _, name := range wave.Components {
			comp, _ := rec.Component(name)

			mu.Lock()
			status := statuses[name]
			depFailed := firstFailedDependency(rec, comp, statuses)
			mu.Unlock()

			switch {
			case status == state.StatusSucceeded:
				// Resume idempotence: done is done.
				waveLogger.Debug("Component already succeeded, skipping.", "component", name)
				continue
			case depFailed != "":
				waveLogger.Warn("Skipping component, dependency failed.", "component", name, "dependency", depFailed)
				if err := s.store.Transition(run.ID, name, status, state.StatusSkipped); err != nil {
					setErr(err)
					continue
				}
				mu.Lock()
				statuses[name] = state.StatusSkipped
				mu.Unlock()
				continue
			}

			// Acquiring the slot here, in plan order, keeps component
			// start order deterministic within the wave.
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				// Stop dispatching new attempts; in-flight ones are
				// waited on below so shutdown stays orderly.
				aborted = true
				break dispatch
			}

			wg.Add(1)
			go func(comp *recipe.Component, from state.ComponentStatus, prior int, fb []string) {
				defer wg.Done()
				defer func() { <-sem }()

				final, diags, err := s.buildComponent(runCtx, run.ID, rec, comp, from, prior, fb)
				if err != nil {
					setErr(err)
				}
				mu.Lock()
				statuses[comp.Name] = final.status
				attempts[comp.Name] = final.attempts
				feedback[comp.Name] = diags
				mu.Unlock()
			}(comp, status, attempts[name], feedback[name])
		}
		// Barrier: the next wave must not start before this one settles.
		wg.Wait()

		if aborted || firstErr != nil {
			break
		}
	}

	if firstErr != nil {
		// A state-store failure is an infrastructure error, not a
		// component outcome. Leave the run resumable.
		return nil, fmt.Errorf("run %s: %w", run.ID, firstErr)
	}

	finalStatus := runOutcome(statuses, aborted || runCtx.Err() != nil)
	if err := s.store.FinishRun(run.ID, finalStatus); err != nil {
		return nil, err
	}

	snapshot, err := s.store.LoadRun(run.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("Run finished.", "status", finalStatus)
	return resultFromSnapshot(snapshot), nil
}

// prepareRun creates a fresh run or validates a resumed snapshot against
// the recipe. A snapshot for a different recipe identity, or one whose
// component set does not match, is refused.
func (s *Scheduler) prepareRun(rec *recipe.Recipe, resume *state.Run) (*state.Run, error) {
	if resume == nil {
		return s.store.CreateRun(rec)
	}
	if resume.RecipeName != rec.Name || resume.RecipeVersion != rec.Version {
		return nil, fmt.Errorf("%w: snapshot belongs to recipe %s@%s, not %s@%s",
			state.ErrCorruptState, resume.RecipeName, resume.RecipeVersion, rec.Name, rec.Version)
	}
	for _, c := range rec.Components {
		if _, ok := resume.Components[c.Name]; !ok {
			return nil, fmt.Errorf("%w: snapshot is missing component %q", state.ErrCorruptState, c.Name)
		}
	}
	for _, name := range resume.Order {
		if _, ok := rec.Component(name); !ok {
			return nil, fmt.Errorf("%w: snapshot has component %q the recipe does not declare", state.ErrCorruptState, name)
		}
	}
	switch {
	case resume.Status == state.RunCompleted:
		return resume, nil
	case resume.Status.Terminal():
		// Aborted and failed runs reject further writes. Carry their
		// succeeded components into a fresh run and retry the rest with a
		// full attempt budget.
		return s.store.CreateRunFrom(rec, resume)
	}

	// A crash can leave components mid-attempt. Normalize them to
	// NEEDS_REPAIR so the cycle restarts cleanly.
	for name, cs := range resume.Components {
		if cs.Status == state.StatusInProgress || cs.Status == state.StatusValidating {
			if err := s.store.Transition(resume.ID, name, cs.Status, state.StatusNeedsRepair); err != nil {
				return nil, err
			}
			cs.Status = state.StatusNeedsRepair
		}
	}
	return resume, nil
}

// firstFailedDependency returns the name of a dependency that ended FAILED
// or SKIPPED, or "" when all dependencies succeeded so far.
func firstFailedDependency(rec *recipe.Recipe, c *recipe.Component, statuses map[string]state.ComponentStatus) string {
	for _, dep := range c.DependsOn {
		switch statuses[dep] {
		case state.StatusFailed, state.StatusSkipped:
			return dep
		}
	}
	return ""
}

// runOutcome folds component statuses into the run-level status.
func runOutcome(statuses map[string]state.ComponentStatus, aborted bool) state.RunStatus {
	anyFailed := false
	allTerminal := true
	for _, st := range statuses {
		if !st.Terminal() {
			allTerminal = false
		}
		if st == state.StatusFailed || st == state.StatusSkipped {
			anyFailed = true
		}
	}
	if aborted && !allTerminal {
		return state.RunAborted
	}
	if anyFailed {
		return state.RunFailed
	}
	if allTerminal {
		return state.RunCompleted
	}
	// No failures but unfinished components: the run was cut short.
	return state.RunAborted
}
