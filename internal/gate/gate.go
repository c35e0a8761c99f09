// Package gate runs a component's acceptance checkers against a generated
// artifact and aggregates their verdicts. Checkers are opaque external
// collaborators: the runner only understands their pass/fail + diagnostics
// contract, and a checker that breaks (errors, panics, or is simply not
// registered) counts as a failure with a tooling diagnostic, never as a
// silent pass.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/recipeforge/internal/ctxlog"
	"github.com/vk/recipeforge/internal/recipe"
)

// Severity grades a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one finding from a checker.
type Diagnostic struct {
	Location string   `json:"location,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is a single checker's verdict.
type Result struct {
	Passed      bool
	Diagnostics []Diagnostic
}

// Checker is the fixed capability interface every quality gate implements.
type Checker interface {
	// Name identifies the checker in acceptance lists.
	Name() string
	// Check runs the gate against the artifact text.
	Check(ctx context.Context, artifact string) Result
}

// CheckerResult pairs a checker name with its outcome in a validation run.
type CheckerResult struct {
	Checker string
	Result
}

// ValidationResult aggregates one full acceptance run for a component.
type ValidationResult struct {
	Passed   bool
	Checkers []CheckerResult
}

// Feedback flattens the diagnostics of every failing checker into repair
// feedback lines for the next generation attempt. Nothing is discarded.
func (v ValidationResult) Feedback() []string {
	var lines []string
	for _, cr := range v.Checkers {
		if cr.Passed {
			continue
		}
		for _, d := range cr.Diagnostics {
			line := fmt.Sprintf("[%s] %s", cr.Checker, d.Message)
			if d.Location != "" {
				line = fmt.Sprintf("[%s] %s: %s", cr.Checker, d.Location, d.Message)
			}
			lines = append(lines, line)
		}
		if len(cr.Diagnostics) == 0 {
			lines = append(lines, fmt.Sprintf("[%s] failed without diagnostics", cr.Checker))
		}
	}
	return lines
}

// Runner resolves acceptance criteria names against registered checkers and
// executes them in order.
type Runner struct {
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRunner builds a Runner over the given checkers. timeout bounds one
// full validation sequence; zero means unbounded.
func NewRunner(timeout time.Duration, checkers ...Checker) *Runner {
	byName := make(map[string]Checker, len(checkers))
	for _, c := range checkers {
		byName[c.Name()] = c
	}
	return &Runner{checkers: byName, timeout: timeout}
}

// Register adds or replaces a checker.
func (r *Runner) Register(c Checker) {
	r.checkers[c.Name()] = c
}

// Validate runs the component's acceptance list against the artifact. The
// aggregate passes only if every named checker passes.
func (r *Runner) Validate(ctx context.Context, artifact string, c *recipe.Component) ValidationResult {
	logger := ctxlog.FromContext(ctx).With("component", c.Name)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out := ValidationResult{Passed: true}
	for _, name := range c.Acceptance {
		checker, ok := r.checkers[name]
		if !ok {
			out.Passed = false
			out.Checkers = append(out.Checkers, CheckerResult{
				Checker: name,
				Result: Result{Diagnostics: []Diagnostic{{
					Message:  fmt.Sprintf("checker %q is not registered", name),
					Severity: SeverityError,
				}}},
			})
			continue
		}

		res := r.runChecker(ctx, checker, artifact)
		if !res.Passed {
			out.Passed = false
		}
		logger.Debug("Checker finished.", "checker", name, "passed", res.Passed, "diagnostics", len(res.Diagnostics))
		out.Checkers = append(out.Checkers, CheckerResult{Checker: name, Result: res})
	}
	return out
}

// runChecker shields the runner from misbehaving checkers: a panic or an
// expired context becomes a failing result with a tooling diagnostic.
func (r *Runner) runChecker(ctx context.Context, checker Checker, artifact string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Diagnostics: []Diagnostic{{
				Message:  fmt.Sprintf("checker %q panicked: %v", checker.Name(), rec),
				Severity: SeverityError,
			}}}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{Diagnostics: []Diagnostic{{
			Message:  fmt.Sprintf("validation timed out before checker %q ran: %v", checker.Name(), err),
			Severity: SeverityError,
		}}}
	}
	return checker.Check(ctx, artifact)
}
