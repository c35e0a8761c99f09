package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/recipeforge/internal/gate"
	"github.com/vk/recipeforge/internal/generator"
	"github.com/vk/recipeforge/internal/recipe"
	"github.com/vk/recipeforge/internal/state"
	"github.com/vk/recipeforge/internal/stub"
)

// genCall records one Generate invocation for assertions.
type genCall struct {
	Component string
	Attempt   int
	Feedback  []string
}

// scriptedGen replays canned artifacts (or errors) per component per
// attempt. The last script entry repeats once exhausted.
type scriptedGen struct {
	mu      sync.Mutex
	scripts map[string][]genResult
	calls   []genCall
	delay   time.Duration
}

type genResult struct {
	artifact string
	err      error
}

func (g *scriptedGen) Generate(ctx context.Context, req generator.Request) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{Component: req.Component, Attempt: req.Attempt, Feedback: req.Feedback})
	script := g.scripts[req.Component]
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", &generator.Error{Kind: generator.KindTimeout, Message: ctx.Err().Error()}
		}
	}

	if len(script) == 0 {
		return "package " + req.Component, nil
	}
	idx := req.Attempt - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx].artifact, script[idx].err
}

func (g *scriptedGen) Assess(ctx context.Context, spec, artifact string) (bool, error) {
	return true, nil
}

func (g *scriptedGen) callsFor(name string) []genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []genCall
	for _, c := range g.calls {
		if c.Component == name {
			out = append(out, c)
		}
	}
	return out
}

// markerClassifier calls anything containing "STUBBED" a stub.
type markerClassifier struct{}

func (markerClassifier) Classify(ctx context.Context, artifact string, c *recipe.Component) stub.Classification {
	if strings.Contains(artifact, "STUBBED") {
		return stub.Stub
	}
	return stub.Complete
}

// contentValidator fails artifacts containing "BROKEN" with a fixed
// diagnostic.
type contentValidator struct{}

func (contentValidator) Validate(ctx context.Context, artifact string, c *recipe.Component) gate.ValidationResult {
	if strings.Contains(artifact, "BROKEN") {
		return gate.ValidationResult{Checkers: []gate.CheckerResult{{
			Checker: "test",
			Result: gate.Result{Diagnostics: []gate.Diagnostic{{
				Message: "assertion failed: expected checkout total to match", Severity: gate.SeverityError,
			}}},
		}}}
	}
	return gate.ValidationResult{Passed: true, Checkers: []gate.CheckerResult{{
		Checker: "test", Result: gate.Result{Passed: true},
	}}}
}

func newScheduler(t *testing.T, gen generator.Generator) (*Scheduler, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(gen, markerClassifier{}, contentValidator{}, store), store
}

func mkRecipe(cfg recipe.Config, comps ...*recipe.Component) *recipe.Recipe {
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 2
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return recipe.New("shop", "1", cfg, comps)
}

func comp(name string, deps ...string) *recipe.Component {
	return &recipe.Component{Name: name, DependsOn: deps, Spec: "spec of " + name, Acceptance: []string{"test"}}
}

func componentResult(t *testing.T, res *RunResult, name string) ComponentResult {
	t.Helper()
	for _, cr := range res.Components {
		if cr.Name == name {
			return cr
		}
	}
	t.Fatalf("component %q missing from result", name)
	return ComponentResult{}
}

// Recipe {A; B<-A; C<-A}, parallelism 2, A stubs once then completes:
// run COMPLETED with A at 2 attempts, B and C at 1.
func TestRunStubRepairThenFanOut(t *testing.T) {
	gen := &scriptedGen{scripts: map[string][]genResult{
		"a": {{artifact: "STUBBED placeholder"}, {artifact: "package a"}},
	}}
	sched, _ := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{}, comp("a"), comp("b", "a"), comp("c", "a"))

	res, err := sched.Run(context.Background(), rec, nil)
	require.NoError(t, err)

	assert.Equal(t, state.RunCompleted, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, 2, componentResult(t, res, "a").Attempts)
	assert.Equal(t, 1, componentResult(t, res, "b").Attempts)
	assert.Equal(t, 1, componentResult(t, res, "c").Attempts)
	for _, cr := range res.Components {
		assert.Equal(t, state.StatusSucceeded, cr.Status, cr.Name)
	}

	// The stub repair attempt carried feedback, and b/c never started
	// before a's second attempt was dispatched.
	aCalls := gen.callsFor("a")
	require.Len(t, aCalls, 2)
	assert.Empty(t, aCalls[0].Feedback)
	require.NotEmpty(t, aCalls[1].Feedback)
	assert.Contains(t, aCalls[1].Feedback[0], "stub")
}

// Recipe {X} with max attempts 3, every attempt failing validation with the
// same diagnostic: X FAILED after exactly 3 attempts, run FAILED.
func TestRunAttemptsExhausted(t *testing.T) {
	gen := &scriptedGen{scripts: map[string][]genResult{
		"x": {{artifact: "package x // BROKEN"}},
	}}
	sched, _ := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{MaxAttempts: 3}, comp("x"))

	res, err := sched.Run(context.Background(), rec, nil)
	require.NoError(t, err)

	assert.Equal(t, state.RunFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	xres := componentResult(t, res, "x")
	assert.Equal(t, state.StatusFailed, xres.Status)
	assert.Equal(t, 3, xres.Attempts)
	require.NotEmpty(t, xres.Diagnostics)
	assert.Contains(t, xres.Diagnostics[0], "assertion failed")

	// Every repair attempt received the validator's diagnostics verbatim.
	calls := gen.callsFor("x")
	require.Len(t, calls, 3)
	for _, call := range calls[1:] {
		require.NotEmpty(t, call.Feedback)
		assert.Contains(t, call.Feedback[0], "assertion failed")
	}
}

func TestRunSkipsTransitiveDependentsOfFailure(t *testing.T) {
	gen := &scriptedGen{scripts: map[string][]genResult{
		"bad": {{artifact: "package bad // BROKEN"}},
	}}
	sched, _ := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{MaxAttempts: 2},
		comp("bad"),
		comp("solo"),
		comp("mid", "bad"),
		comp("leaf", "mid"),
	)

	res, err := sched.Run(context.Background(), rec, nil)
	require.NoError(t, err)

	assert.Equal(t, state.RunFailed, res.Status)
	assert.Equal(t, state.StatusFailed, componentResult(t, res, "bad").Status)
	assert.Equal(t, state.StatusSkipped, componentResult(t, res, "mid").Status)
	assert.Equal(t, state.StatusSkipped, componentResult(t, res, "leaf").Status)
	// Independent work still completes.
	assert.Equal(t, state.StatusSucceeded, componentResult(t, res, "solo").Status)

	// Skipped components were never attempted.
	assert.Empty(t, gen.callsFor("mid"))
	assert.Empty(t, gen.callsFor("leaf"))
	assert.Zero(t, componentResult(t, res, "mid").Attempts)
}

func TestResumeFailedRunRetriesWithoutRedoingWork(t *testing.T) {
	gen := &scriptedGen{scripts: map[string][]genResult{
		"b": {{artifact: "package b // BROKEN"}, {artifact: "package b"}},
	}}
	sched, store := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{MaxAttempts: 1}, comp("a"), comp("b", "a"))

	// First run: a succeeds, b exhausts its single attempt.
	first, err := sched.Run(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, first.Status)
	assert.Equal(t, state.StatusSucceeded, componentResult(t, first, "a").Status)
	aArtifactCalls := len(gen.callsFor("a"))

	// Resuming the failed run with a larger budget seeds a fresh run: a's
	// artifact is carried over, b starts from scratch and succeeds.
	rec2 := mkRecipe(recipe.Config{MaxAttempts: 3}, comp("a"), comp("b", "a"))
	snapshot, err := store.LoadRun(first.RunID)
	require.NoError(t, err)

	res, err := sched.Run(context.Background(), rec2, snapshot)
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, res.Status)
	assert.NotEqual(t, first.RunID, res.RunID, "immutable snapshot seeds a new run")
	assert.Equal(t, aArtifactCalls, len(gen.callsFor("a")), "succeeded work is never re-generated")
	assert.Equal(t, state.StatusSucceeded, componentResult(t, res, "b").Status)
	assert.Equal(t, 2, componentResult(t, res, "b").Attempts)

	// The prior run's snapshot is untouched.
	prior, err := store.LoadRun(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, prior.Status)
}

func TestResumeAbortedRunFinishesRemainingWork(t *testing.T) {
	gen := &scriptedGen{}
	sched, store := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{}, comp("a"), comp("b", "a"))

	// A run cut short by its timeout: a SUCCEEDED, b never dispatched.
	run, err := store.CreateRun(rec)
	require.NoError(t, err)
	require.NoError(t, store.Transition(run.ID, "a", state.StatusPending, state.StatusInProgress))
	require.NoError(t, store.RecordAttempt(run.ID, "a", state.Attempt{
		Number: 1, Artifact: "package a // original", ArtifactHash: "aaa", Outcome: state.OutcomeSucceeded,
	}))
	require.NoError(t, store.Transition(run.ID, "a", state.StatusInProgress, state.StatusValidating))
	require.NoError(t, store.Transition(run.ID, "a", state.StatusValidating, state.StatusSucceeded))
	require.NoError(t, store.FinishRun(run.ID, state.RunAborted))

	snapshot, err := store.LoadRun(run.ID)
	require.NoError(t, err)

	res, err := sched.Run(context.Background(), rec, snapshot)
	require.NoError(t, err)

	assert.Equal(t, state.RunCompleted, res.Status)
	assert.Empty(t, gen.callsFor("a"), "carried components never touch the generator")
	require.Len(t, gen.callsFor("b"), 1)

	// The fresh run holds a's original artifact, not a rebuild.
	final, err := store.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "package a // original", final.Components["a"].Artifact)
	assert.Equal(t, 1, final.Components["a"].Attempts)
}

func TestResumeRejectsDroppedComponent(t *testing.T) {
	gen := &scriptedGen{}
	sched, store := newScheduler(t, gen)
	two := mkRecipe(recipe.Config{}, comp("a"), comp("b"))

	run, err := store.CreateRun(two)
	require.NoError(t, err)
	snapshot, err := store.LoadRun(run.ID)
	require.NoError(t, err)

	one := mkRecipe(recipe.Config{}, comp("a"))
	_, err = sched.Run(context.Background(), one, snapshot)
	assert.ErrorIs(t, err, state.ErrCorruptState)
}

func TestResumeNonTerminalRun(t *testing.T) {
	gen := &scriptedGen{}
	sched, store := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{}, comp("a"), comp("b", "a"))

	// Simulate a prior interrupted run: a already SUCCEEDED, b untouched.
	run, err := store.CreateRun(rec)
	require.NoError(t, err)
	require.NoError(t, store.Transition(run.ID, "a", state.StatusPending, state.StatusInProgress))
	require.NoError(t, store.RecordAttempt(run.ID, "a", state.Attempt{
		Number: 1, Artifact: "package a // original", ArtifactHash: "aaa", Outcome: state.OutcomeSucceeded,
	}))
	require.NoError(t, store.Transition(run.ID, "a", state.StatusInProgress, state.StatusValidating))
	require.NoError(t, store.Transition(run.ID, "a", state.StatusValidating, state.StatusSucceeded))

	snapshot, err := store.LoadRun(run.ID)
	require.NoError(t, err)

	res, err := sched.Run(context.Background(), rec, snapshot)
	require.NoError(t, err)

	assert.Equal(t, state.RunCompleted, res.Status)
	assert.Empty(t, gen.callsFor("a"), "resume must never re-invoke the generator for succeeded components")
	require.Len(t, gen.callsFor("b"), 1)

	// The original artifact survives untouched.
	final, err := store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "package a // original", final.Components["a"].Artifact)
	assert.Equal(t, 1, final.Components["a"].Attempts)
}

func TestResumeRejectsMismatchedRecipe(t *testing.T) {
	gen := &scriptedGen{}
	sched, store := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{}, comp("a"))

	run, err := store.CreateRun(rec)
	require.NoError(t, err)
	snapshot, err := store.LoadRun(run.ID)
	require.NoError(t, err)

	other := recipe.New("other", "9", rec.Config, []*recipe.Component{comp("a")})
	_, err = sched.Run(context.Background(), other, snapshot)
	assert.ErrorIs(t, err, state.ErrCorruptState)
}

// Two independent components may finish in either order; the persisted
// outcome is identical regardless.
func TestIndependentComponentsDeterministicOutcome(t *testing.T) {
	for i := 0; i < 3; i++ {
		gen := &scriptedGen{delay: time.Duration(i) * time.Millisecond}
		sched, _ := newScheduler(t, gen)
		rec := mkRecipe(recipe.Config{}, comp("left"), comp("right"))

		res, err := sched.Run(context.Background(), rec, nil)
		require.NoError(t, err)
		assert.Equal(t, state.RunCompleted, res.Status)
		assert.Equal(t, 1, componentResult(t, res, "left").Attempts)
		assert.Equal(t, 1, componentResult(t, res, "right").Attempts)
	}
}

func TestRunTimeoutAborts(t *testing.T) {
	gen := &scriptedGen{delay: 200 * time.Millisecond}
	sched, _ := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{RunTimeout: 20 * time.Millisecond},
		comp("slow"), comp("slower", "slow"))

	res, err := sched.Run(context.Background(), rec, nil)
	require.NoError(t, err)

	assert.Equal(t, state.RunAborted, res.Status)
	assert.Equal(t, 3, res.ExitCode())
	// The dependent wave was never dispatched.
	assert.Empty(t, gen.callsFor("slower"))
}

func TestCancellationStopsDispatch(t *testing.T) {
	gen := &scriptedGen{delay: 100 * time.Millisecond}
	sched, _ := newScheduler(t, gen)
	rec := mkRecipe(recipe.Config{}, comp("a"), comp("b", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := sched.Run(ctx, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, state.RunAborted, res.Status)
	assert.Empty(t, gen.callsFor("b"))
}
