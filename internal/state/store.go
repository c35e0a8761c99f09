package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/recipeforge/internal/recipe"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	recipe_name    TEXT NOT NULL,
	recipe_version TEXT NOT NULL,
	status         TEXT NOT NULL,
	wave_index     INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS components (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	name          TEXT NOT NULL,
	position      INTEGER NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	artifact      TEXT NOT NULL DEFAULT '',
	artifact_hash TEXT NOT NULL DEFAULT '',
	last_outcome  TEXT NOT NULL DEFAULT '',
	diagnostics   TEXT NOT NULL DEFAULT '[]',
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS attempts (
	run_id        TEXT NOT NULL,
	component     TEXT NOT NULL,
	number        INTEGER NOT NULL,
	artifact_hash TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	diagnostics   TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	PRIMARY KEY (run_id, component, number)
);
`

// Store is the SQLite-backed run-state store. All writes funnel through a
// single mutex so concurrent component tasks serialize their transitions.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the store at path and verifies its schema. A
// database whose schema version does not match this binary is reported as
// corrupt rather than silently migrated or recreated.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// The store serializes writes itself; a second connection would only
	// invite SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}

	var version string
	err = db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("writing schema version: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("%w: reading schema version: %v", ErrCorruptState, err)
	case version != schemaVersion:
		db.Close()
		return nil, fmt.Errorf("%w: schema version %q, expected %q", ErrCorruptState, version, schemaVersion)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun persists a fresh run for the recipe with every component
// PENDING and returns its snapshot.
func (s *Store) CreateRun(r *recipe.Recipe) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, recipe_name, recipe_version, status, wave_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, r.Name, r.Version, RunRunning, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	for i, c := range r.Components {
		if _, err := tx.Exec(
			`INSERT INTO components (run_id, name, position, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id, c.Name, i, StatusPending, now.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("inserting component %q: %w", c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.loadLocked(id)
}

// CreateRunFrom persists a fresh run seeded with the SUCCEEDED components
// of a prior run, so resuming an aborted or failed run never rebuilds work
// that already passed validation. Every other component starts PENDING
// with a full attempt budget.
func (s *Store) CreateRunFrom(r *recipe.Recipe, prior *Run) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, recipe_name, recipe_version, status, wave_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, r.Name, r.Version, RunRunning, now, now,
	); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	for i, c := range r.Components {
		pc := prior.Components[c.Name]
		if pc == nil || pc.Status != StatusSucceeded {
			if _, err := tx.Exec(
				`INSERT INTO components (run_id, name, position, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
				id, c.Name, i, StatusPending, now,
			); err != nil {
				return nil, fmt.Errorf("inserting component %q: %w", c.Name, err)
			}
			continue
		}
		diags, err := json.Marshal(pc.Diagnostics)
		if err != nil {
			return nil, fmt.Errorf("encoding diagnostics: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO components (run_id, name, position, status, attempts, artifact, artifact_hash, last_outcome, diagnostics, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.Name, i, StatusSucceeded, pc.Attempts, pc.Artifact, pc.ArtifactHash, pc.LastOutcome, string(diags), now,
		); err != nil {
			return nil, fmt.Errorf("carrying component %q: %w", c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.loadLocked(id)
}

// LoadRun returns a full snapshot of the run, or ErrNotFound /
// ErrCorruptState.
func (s *Store) LoadRun(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Run, error) {
	run := &Run{ID: id, Components: make(map[string]*ComponentState)}
	var created, updated string
	err := s.db.QueryRow(
		`SELECT recipe_name, recipe_version, status, wave_index, created_at, updated_at FROM runs WHERE id = ?`, id,
	).Scan(&run.RecipeName, &run.RecipeVersion, &run.Status, &run.WaveIndex, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading run row: %v", ErrCorruptState, err)
	}
	if !run.Status.valid() {
		return nil, fmt.Errorf("%w: run %s has unknown status %q", ErrCorruptState, id, run.Status)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("%w: unparseable created_at: %v", ErrCorruptState, err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("%w: unparseable updated_at: %v", ErrCorruptState, err)
	}

	rows, err := s.db.Query(
		`SELECT name, status, attempts, artifact, artifact_hash, last_outcome, diagnostics
		 FROM components WHERE run_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading components: %v", ErrCorruptState, err)
	}
	defer rows.Close()

	for rows.Next() {
		cs := &ComponentState{}
		var diagsJSON string
		if err := rows.Scan(&cs.Name, &cs.Status, &cs.Attempts, &cs.Artifact, &cs.ArtifactHash, &cs.LastOutcome, &diagsJSON); err != nil {
			return nil, fmt.Errorf("%w: reading component row: %v", ErrCorruptState, err)
		}
		if !cs.Status.valid() {
			return nil, fmt.Errorf("%w: component %q has unknown status %q", ErrCorruptState, cs.Name, cs.Status)
		}
		if err := json.Unmarshal([]byte(diagsJSON), &cs.Diagnostics); err != nil {
			return nil, fmt.Errorf("%w: component %q has unreadable diagnostics: %v", ErrCorruptState, cs.Name, err)
		}
		run.Order = append(run.Order, cs.Name)
		run.Components[cs.Name] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading components: %v", ErrCorruptState, err)
	}
	if len(run.Order) == 0 {
		return nil, fmt.Errorf("%w: run %s has no components", ErrCorruptState, id)
	}
	return run, nil
}

// FindLatest returns the most recent run for a recipe identity, or
// ErrNotFound. Used for resume-by-recipe lookups. Recency is insertion
// order: text timestamps are not totally ordered once trailing fractional
// zeros are trimmed.
func (s *Store) FindLatest(recipeName, recipeVersion string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(
		`SELECT id FROM runs WHERE recipe_name = ? AND recipe_version = ? ORDER BY rowid DESC LIMIT 1`,
		recipeName, recipeVersion,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no run for recipe %s@%s", ErrNotFound, recipeName, recipeVersion)
	}
	if err != nil {
		return nil, err
	}
	return s.loadLocked(id)
}

// Transition atomically moves one component from one status to another,
// validating both the expected current status and the lifecycle state
// machine. This is the single serialization point the scheduler's tasks
// submit their state changes through.
func (s *Store) Transition(runID, component string, from, to ComponentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMutable(runID); err != nil {
		return err
	}

	var current ComponentStatus
	err := s.db.QueryRow(`SELECT status FROM components WHERE run_id = ? AND name = ?`, runID, component).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: component %q in run %s", ErrNotFound, component, runID)
	}
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("%w: component %q is %s, expected %s", ErrBadTransition, component, current, from)
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: component %q cannot move %s -> %s", ErrBadTransition, component, from, to)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(
		`UPDATE components SET status = ?, updated_at = ? WHERE run_id = ? AND name = ?`,
		to, now, runID, component,
	); err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET updated_at = ? WHERE id = ?`, now, runID)
	return err
}

// RecordAttempt appends an attempt record and folds its result into the
// component row in one transaction. The artifact text is kept on the
// component only for successful attempts.
func (s *Store) RecordAttempt(runID, component string, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMutable(runID); err != nil {
		return err
	}

	diags, err := json.Marshal(a.Diagnostics)
	if err != nil {
		return fmt.Errorf("encoding diagnostics: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO attempts (run_id, component, number, artifact_hash, classification, outcome, diagnostics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, component, a.Number, a.ArtifactHash, a.Classification, a.Outcome, string(diags), a.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}

	artifact := ""
	if a.Outcome == OutcomeSucceeded {
		artifact = a.Artifact
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.Exec(
		`UPDATE components
		 SET attempts = ?, last_outcome = ?, diagnostics = ?, artifact_hash = ?,
		     artifact = CASE WHEN ? != '' THEN ? ELSE artifact END,
		     updated_at = ?
		 WHERE run_id = ? AND name = ?`,
		a.Number, a.Outcome, string(diags), a.ArtifactHash, artifact, artifact, now, runID, component,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: component %q in run %s", ErrNotFound, component, runID)
	}
	return tx.Commit()
}

// SetWave records the wave index the run has advanced to.
func (s *Store) SetWave(runID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMutable(runID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE runs SET wave_index = ?, updated_at = ? WHERE id = ?`, index, now, runID)
	return err
}

// FinishRun moves the run to a terminal status. Once terminal, every
// further mutation is rejected.
func (s *Store) FinishRun(runID string, status RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishRun requires a terminal status, got %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMutable(runID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, runID)
	return err
}

// requireMutable verifies the run exists and has not reached a terminal
// status. Callers must hold the mutex.
func (s *Store) requireMutable(runID string) error {
	var status RunStatus
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, status)
	}
	return nil
}
