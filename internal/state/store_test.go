package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/recipeforge/internal/recipe"
)

func testRecipe() *recipe.Recipe {
	return recipe.New("shop", "1", recipe.Config{MaxAttempts: 3}, []*recipe.Component{
		{Name: "store", Spec: "storage", Acceptance: []string{"build"}},
		{Name: "api", DependsOn: []string{"store"}, Spec: "api", Acceptance: []string{"build"}},
	})
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLoadRun(t *testing.T) {
	s := openStore(t)

	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, []string{"store", "api"}, run.Order)
	for _, name := range run.Order {
		assert.Equal(t, StatusPending, run.Components[name].Status)
		assert.Zero(t, run.Components[name].Attempts)
	}

	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, "shop", loaded.RecipeName)
	assert.Equal(t, "1", loaded.RecipeVersion)
}

func TestLoadRunNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.LoadRun("no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionLifecycle(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	require.NoError(t, s.Transition(run.ID, "store", StatusPending, StatusInProgress))
	require.NoError(t, s.Transition(run.ID, "store", StatusInProgress, StatusValidating))
	require.NoError(t, s.Transition(run.ID, "store", StatusValidating, StatusSucceeded))

	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, loaded.Components["store"].Status)
}

func TestTransitionRejectsInvalid(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	// Wrong expected current status.
	err = s.Transition(run.ID, "store", StatusInProgress, StatusValidating)
	assert.ErrorIs(t, err, ErrBadTransition)

	// Disallowed edge: PENDING cannot jump straight to SUCCEEDED.
	err = s.Transition(run.ID, "store", StatusPending, StatusSucceeded)
	assert.ErrorIs(t, err, ErrBadTransition)

	// Terminal component statuses accept no further transitions.
	require.NoError(t, s.Transition(run.ID, "store", StatusPending, StatusInProgress))
	require.NoError(t, s.Transition(run.ID, "store", StatusInProgress, StatusFailed))
	err = s.Transition(run.ID, "store", StatusFailed, StatusInProgress)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestRecordAttempt(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	require.NoError(t, s.RecordAttempt(run.ID, "store", Attempt{
		Number:       1,
		ArtifactHash: "aaa",
		Outcome:      OutcomeFailedValidation,
		Diagnostics:  []string{"[lint] unused variable"},
	}))
	require.NoError(t, s.RecordAttempt(run.ID, "store", Attempt{
		Number:         2,
		Artifact:       "package store",
		ArtifactHash:   "bbb",
		Classification: "COMPLETE",
		Outcome:        OutcomeSucceeded,
	}))

	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	cs := loaded.Components["store"]
	assert.Equal(t, 2, cs.Attempts)
	assert.Equal(t, OutcomeSucceeded, cs.LastOutcome)
	assert.Equal(t, "package store", cs.Artifact, "artifact persisted on success")
	assert.Equal(t, "bbb", cs.ArtifactHash)
}

func TestFailedAttemptKeepsPriorArtifact(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	require.NoError(t, s.RecordAttempt(run.ID, "store", Attempt{
		Number: 1, Artifact: "good", ArtifactHash: "aaa", Outcome: OutcomeSucceeded,
	}))
	require.NoError(t, s.RecordAttempt(run.ID, "store", Attempt{
		Number: 2, ArtifactHash: "bbb", Outcome: OutcomeFailedError, Diagnostics: []string{"boom"},
	}))

	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "good", loaded.Components["store"].Artifact)
}

func TestTerminalRunIsImmutable(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	require.NoError(t, s.FinishRun(run.ID, RunCompleted))

	assert.ErrorIs(t, s.Transition(run.ID, "store", StatusPending, StatusInProgress), ErrRunTerminal)
	assert.ErrorIs(t, s.RecordAttempt(run.ID, "store", Attempt{Number: 1}), ErrRunTerminal)
	assert.ErrorIs(t, s.SetWave(run.ID, 1), ErrRunTerminal)
	assert.ErrorIs(t, s.FinishRun(run.ID, RunFailed), ErrRunTerminal)

	// The snapshot remains readable.
	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, loaded.Status)
}

func TestFinishRunRequiresTerminalStatus(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	err = s.FinishRun(run.ID, RunRunning)
	require.Error(t, err)
}

func TestFindLatest(t *testing.T) {
	s := openStore(t)

	_, err := s.FindLatest("shop", "1")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.CreateRun(testRecipe())
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(first.ID, RunFailed))

	latest, err := s.FindLatest("shop", "1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	// The newest run wins even when several land within the clock's
	// granularity.
	var lastID string
	for i := 0; i < 5; i++ {
		run, err := s.CreateRun(testRecipe())
		require.NoError(t, err)
		lastID = run.ID
	}
	latest, err = s.FindLatest("shop", "1")
	require.NoError(t, err)
	assert.Equal(t, lastID, latest.ID)
}

func TestCreateRunFromCarriesSucceededComponents(t *testing.T) {
	s := openStore(t)
	rec := testRecipe()
	prior, err := s.CreateRun(rec)
	require.NoError(t, err)

	require.NoError(t, s.Transition(prior.ID, "store", StatusPending, StatusInProgress))
	require.NoError(t, s.RecordAttempt(prior.ID, "store", Attempt{
		Number: 2, Artifact: "package store", ArtifactHash: "aaa", Outcome: OutcomeSucceeded,
	}))
	require.NoError(t, s.Transition(prior.ID, "store", StatusInProgress, StatusValidating))
	require.NoError(t, s.Transition(prior.ID, "store", StatusValidating, StatusSucceeded))
	require.NoError(t, s.RecordAttempt(prior.ID, "api", Attempt{
		Number: 3, ArtifactHash: "bbb", Outcome: OutcomeFailedValidation, Diagnostics: []string{"nope"},
	}))
	require.NoError(t, s.FinishRun(prior.ID, RunFailed))

	snapshot, err := s.LoadRun(prior.ID)
	require.NoError(t, err)
	fresh, err := s.CreateRunFrom(rec, snapshot)
	require.NoError(t, err)

	require.NotEqual(t, prior.ID, fresh.ID)
	assert.Equal(t, RunRunning, fresh.Status)

	carried := fresh.Components["store"]
	assert.Equal(t, StatusSucceeded, carried.Status)
	assert.Equal(t, 2, carried.Attempts)
	assert.Equal(t, "package store", carried.Artifact)
	assert.Equal(t, "aaa", carried.ArtifactHash)

	// Anything short of SUCCEEDED starts over with a clean slate.
	reset := fresh.Components["api"]
	assert.Equal(t, StatusPending, reset.Status)
	assert.Zero(t, reset.Attempts)
	assert.Empty(t, reset.Artifact)

	// The prior run is untouched and still terminal.
	old, err := s.LoadRun(prior.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, old.Status)
}

func TestSchemaVersionMismatchIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE meta SET value = '999' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestCorruptComponentStatusRefusesLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	run, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE components SET status = 'GARBAGE' WHERE run_id = ? AND name = 'api'`, run.ID)
	require.NoError(t, err)

	_, err = s.LoadRun(run.ID)
	assert.ErrorIs(t, err, ErrCorruptState)
	require.NoError(t, s.Close())

	// A garbage file is also refused, not silently recreated.
	garbage := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a database"), 0o644))
	_, err = Open(garbage)
	require.Error(t, err)
}
