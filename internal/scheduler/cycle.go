package scheduler

import (
	"context"
	"fmt"

	"github.com/vk/recipeforge/internal/ctxlog"
	"github.com/vk/recipeforge/internal/generator"
	"github.com/vk/recipeforge/internal/recipe"
	"github.com/vk/recipeforge/internal/state"
	"github.com/vk/recipeforge/internal/stub"
)

// cycleOutcome is what one component's build cycle settles on.
type cycleOutcome struct {
	status   state.ComponentStatus
	attempts int
}

// buildComponent runs the bounded generate → classify → validate → repair
// cycle for one component. priorAttempts and feedback carry over from a
// resumed run so attempt accounting and repair context survive
// interruption. The returned error is reserved for state-store failures;
// generation and validation failures are component outcomes, not errors.
func (s *Scheduler) buildComponent(
	ctx context.Context,
	runID string,
	rec *recipe.Recipe,
	c *recipe.Component,
	current state.ComponentStatus,
	priorAttempts int,
	feedback []string,
) (cycleOutcome, []string, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", runID, "component", c.Name)
	maxAttempts := rec.Config.MaxAttempts

	for attempt := priorAttempts + 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			// Cooperative cancellation: no new attempt is started; the
			// component stays where it is for a later resume.
			return cycleOutcome{status: current, attempts: attempt - 1}, feedback, nil
		}

		if err := s.store.Transition(runID, c.Name, current, state.StatusInProgress); err != nil {
			return cycleOutcome{status: current, attempts: attempt - 1}, feedback, err
		}
		current = state.StatusInProgress
		logger.Info("Attempt starting.", "attempt", attempt, "max_attempts", maxAttempts)

		artifact, err := s.gen.Generate(ctx, generator.Request{
			Component:  c.Name,
			Spec:       c.Spec,
			Acceptance: c.Acceptance,
			Feedback:   feedback,
			Attempt:    attempt,
		})
		if err != nil {
			outcome := state.OutcomeFailedError
			if generator.IsTimeout(err) {
				outcome = state.OutcomeFailedTimeout
			}
			logger.Warn("Generation failed.", "attempt", attempt, "outcome", outcome, "error", err)
			feedback = []string{fmt.Sprintf("generation attempt %d failed: %v", attempt, err)}
			status, serr := s.settleFailedAttempt(runID, c.Name, state.Attempt{
				Number: attempt, Outcome: outcome, Diagnostics: feedback,
			}, attempt == maxAttempts)
			if serr != nil {
				return cycleOutcome{status: current, attempts: attempt}, feedback, serr
			}
			current = status
			if status == state.StatusFailed {
				return cycleOutcome{status: status, attempts: attempt}, feedback, nil
			}
			continue
		}

		hash := stub.HashArtifact(artifact)
		classification := s.classifier.Classify(ctx, artifact, c)
		if classification == stub.Stub {
			logger.Warn("Artifact classified as stub.", "attempt", attempt)
			feedback = []string{fmt.Sprintf(
				"attempt %d produced a stub or placeholder implementation; provide a complete implementation of the specification", attempt)}
			status, serr := s.settleFailedAttempt(runID, c.Name, state.Attempt{
				Number:         attempt,
				ArtifactHash:   hash,
				Classification: classification.String(),
				Outcome:        state.OutcomeFailedStub,
				Diagnostics:    feedback,
			}, attempt == maxAttempts)
			if serr != nil {
				return cycleOutcome{status: current, attempts: attempt}, feedback, serr
			}
			current = status
			if status == state.StatusFailed {
				return cycleOutcome{status: status, attempts: attempt}, feedback, nil
			}
			continue
		}

		if err := s.store.Transition(runID, c.Name, current, state.StatusValidating); err != nil {
			return cycleOutcome{status: current, attempts: attempt}, feedback, err
		}
		current = state.StatusValidating

		validation := s.gates.Validate(ctx, artifact, c)
		if validation.Passed {
			if err := s.store.RecordAttempt(runID, c.Name, state.Attempt{
				Number:         attempt,
				Artifact:       artifact,
				ArtifactHash:   hash,
				Classification: classification.String(),
				Outcome:        state.OutcomeSucceeded,
			}); err != nil {
				return cycleOutcome{status: current, attempts: attempt}, feedback, err
			}
			if err := s.store.Transition(runID, c.Name, current, state.StatusSucceeded); err != nil {
				return cycleOutcome{status: current, attempts: attempt}, feedback, err
			}
			logger.Info("Component succeeded.", "attempts", attempt)
			return cycleOutcome{status: state.StatusSucceeded, attempts: attempt}, nil, nil
		}

		// Validator diagnostics become the next attempt's repair feedback,
		// verbatim.
		feedback = validation.Feedback()
		logger.Warn("Validation failed.", "attempt", attempt, "diagnostics", len(feedback))
		status, serr := s.settleFailedAttempt(runID, c.Name, state.Attempt{
			Number:         attempt,
			ArtifactHash:   hash,
			Classification: classification.String(),
			Outcome:        state.OutcomeFailedValidation,
			Diagnostics:    feedback,
		}, attempt == maxAttempts)
		if serr != nil {
			return cycleOutcome{status: current, attempts: attempt}, feedback, serr
		}
		current = status
		if status == state.StatusFailed {
			return cycleOutcome{status: status, attempts: attempt}, feedback, nil
		}
	}

	// priorAttempts already met the budget (resumed run out of attempts).
	if current != state.StatusFailed {
		if err := s.store.Transition(runID, c.Name, current, state.StatusFailed); err != nil {
			return cycleOutcome{status: current, attempts: priorAttempts}, feedback, err
		}
	}
	return cycleOutcome{status: state.StatusFailed, attempts: priorAttempts}, feedback, nil
}

// settleFailedAttempt records the attempt and moves the component to
// NEEDS_REPAIR, or straight to FAILED when the attempt budget is spent.
func (s *Scheduler) settleFailedAttempt(runID, name string, a state.Attempt, exhausted bool) (state.ComponentStatus, error) {
	if err := s.store.RecordAttempt(runID, name, a); err != nil {
		return "", err
	}

	// The attempt may end from IN_PROGRESS (generation or stub failure) or
	// VALIDATING (gate failure); both feed NEEDS_REPAIR first so attempt
	// accounting stays a single auditable path.
	var from state.ComponentStatus
	switch a.Outcome {
	case state.OutcomeFailedValidation:
		from = state.StatusValidating
	default:
		from = state.StatusInProgress
	}
	if err := s.store.Transition(runID, name, from, state.StatusNeedsRepair); err != nil {
		return "", err
	}
	if !exhausted {
		return state.StatusNeedsRepair, nil
	}
	if err := s.store.Transition(runID, name, state.StatusNeedsRepair, state.StatusFailed); err != nil {
		return "", err
	}
	return state.StatusFailed, nil
}
