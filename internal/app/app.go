package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/recipeforge/internal/state"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle. It owns the state store and an isolated logger instance.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	store  *state.Store
}

// New constructs the application: logger first, then the state store. A
// store that exists but cannot be trusted (corrupt, wrong schema version)
// fails construction instead of being silently recreated.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening run state at %s: %w", cfg.StatePath, err)
	}
	logger.Debug("State store opened.", "path", cfg.StatePath)

	return &App{outW: outW, logger: logger, config: cfg, store: store}, nil
}

// Close releases the state store.
func (a *App) Close() error {
	return a.store.Close()
}

// Store returns the application's run-state store. This is primarily for
// testing.
func (a *App) Store() *state.Store {
	return a.store
}
