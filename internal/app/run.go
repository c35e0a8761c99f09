package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/recipeforge/internal/ctxlog"
	"github.com/vk/recipeforge/internal/gate"
	"github.com/vk/recipeforge/internal/generator"
	"github.com/vk/recipeforge/internal/recipe"
	"github.com/vk/recipeforge/internal/scheduler"
	"github.com/vk/recipeforge/internal/state"
	"github.com/vk/recipeforge/internal/stub"
)

// Run executes the configured verb and returns the process exit code:
// 0 COMPLETED, 1 FAILED, 3 ABORTED.
func (a *App) Run(ctx context.Context) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	switch a.config.Verb {
	case VerbStatus:
		return a.status(ctx)
	case VerbResume:
		return a.execute(ctx, true)
	default:
		return a.execute(ctx, false)
	}
}

// execute runs (or resumes) a recipe end to end.
func (a *App) execute(ctx context.Context, resume bool) (int, error) {
	rec, err := recipe.ParsePath(a.config.RecipePath)
	if err != nil {
		return 1, fmt.Errorf("loading recipe: %w", err)
	}
	a.logger.Info("Recipe loaded.", "recipe", rec.Name, "version", rec.Version, "components", len(rec.Components))

	gen, err := a.buildGenerator(ctx, rec)
	if err != nil {
		return 1, err
	}

	detector, err := stub.New(gen, stub.DefaultThresholds())
	if err != nil {
		return 1, fmt.Errorf("building stub detector: %w", err)
	}

	runner := gate.NewRunner(rec.Config.ValidationTimeout)
	for _, spec := range a.config.Checkers {
		runner.Register(&gate.CommandChecker{CheckName: spec.Name, Tool: spec.Tool, Args: spec.Args})
	}

	var snapshot *state.Run
	if resume {
		if a.config.RunID == "latest" {
			snapshot, err = a.store.FindLatest(rec.Name, rec.Version)
		} else {
			snapshot, err = a.store.LoadRun(a.config.RunID)
		}
		if err != nil {
			return 1, fmt.Errorf("resuming run %s: %w", a.config.RunID, err)
		}
	}

	sched := scheduler.New(gen, detector, runner, a.store)
	result, err := sched.Run(ctx, rec, snapshot)
	if err != nil {
		return 1, err
	}

	a.printResult(result)
	return result.ExitCode(), nil
}

// status prints a persisted run snapshot without executing anything.
func (a *App) status(ctx context.Context) (int, error) {
	run, err := a.store.LoadRun(a.config.RunID)
	if err != nil {
		return 1, err
	}

	fmt.Fprintf(a.outW, "run %s (%s@%s) %s, wave %d\n", run.ID, run.RecipeName, run.RecipeVersion, run.Status, run.WaveIndex)
	for _, name := range run.Order {
		cs := run.Components[name]
		fmt.Fprintf(a.outW, "  %-24s %-26s attempts=%d\n", name, cs.Status, cs.Attempts)
		if cs.Status != state.StatusSucceeded {
			for _, d := range cs.Diagnostics {
				fmt.Fprintf(a.outW, "      %s\n", d)
			}
		}
	}
	return 0, nil
}

// buildGenerator selects the generator backend from configuration. The
// per-attempt timeout comes from the recipe, so the adapter enforces it on
// every call regardless of backend.
func (a *App) buildGenerator(ctx context.Context, rec *recipe.Recipe) (generator.Generator, error) {
	switch a.config.GeneratorKind {
	case "gemini":
		return generator.NewGemini(ctx, a.config.GeminiModel, rec.Config.AttemptTimeout)
	case "http", "":
		if a.config.GeneratorURL == "" {
			return nil, fmt.Errorf("the http generator requires -generator-url")
		}
		return generator.NewHTTP(strings.TrimRight(a.config.GeneratorURL, "/"), rec.Config.AttemptTimeout), nil
	default:
		return nil, fmt.Errorf("unknown generator kind %q", a.config.GeneratorKind)
	}
}

// printResult writes the per-component report: final status, attempt
// count, and the diagnostics of the last failing attempt.
func (a *App) printResult(result *scheduler.RunResult) {
	fmt.Fprintf(a.outW, "run %s finished: %s\n", result.RunID, result.Status)
	for _, cr := range result.Components {
		fmt.Fprintf(a.outW, "  %-24s %-26s attempts=%d\n", cr.Name, cr.Status, cr.Attempts)
		for _, d := range cr.Diagnostics {
			fmt.Fprintf(a.outW, "      %s\n", d)
		}
	}
}
