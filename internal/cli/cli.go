// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates CLI flags into the application's internal configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/recipeforge/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// checkerFlags collects repeated -checker flags of the form
// "name:tool arg arg {file}".
type checkerFlags []app.CheckerSpec

func (c *checkerFlags) String() string {
	names := make([]string, len(*c))
	for i, spec := range *c {
		names[i] = spec.Name
	}
	return strings.Join(names, ",")
}

func (c *checkerFlags) Set(raw string) error {
	name, command, found := strings.Cut(raw, ":")
	if !found || strings.TrimSpace(name) == "" {
		return fmt.Errorf("checker %q must have the form name:command", raw)
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("checker %q has an empty command", raw)
	}
	*c = append(*c, app.CheckerSpec{Name: strings.TrimSpace(name), Tool: fields[0], Args: fields[1:]})
	return nil
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("recipeforge", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
recipeforge - recipe-driven code generation with validation and repair.

Usage:
  recipeforge [options] [RECIPE_PATH]

Arguments:
  RECIPE_PATH
    Path to a recipe .hcl file, or a directory of .hcl files to merge.
    Required to start or resume a run.

Options:
`)
		flagSet.PrintDefaults()
	}

	recipeFlag := flagSet.String("recipe", "", "Path to the recipe file or directory.")
	resumeFlag := flagSet.String("resume", "", "Run ID to resume, or 'latest' for the recipe's most recent run. Requires the recipe as well.")
	statusFlag := flagSet.String("status", "", "Run ID to print a snapshot for, then exit.")
	stateFlag := flagSet.String("state", ".recipeforge/state.db", "Path to the run-state database.")
	generatorFlag := flagSet.String("generator", "http", "Generator backend. Options: 'http' or 'gemini'.")
	generatorURLFlag := flagSet.String("generator-url", "", "Base URL of the http generation service.")
	geminiModelFlag := flagSet.String("gemini-model", "gemini-2.5-flash", "Model name for the gemini backend.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	var checkers checkerFlags
	flagSet.Var(&checkers, "checker", "Quality gate as name:command, e.g. 'vet:go vet {file}'. Repeatable.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	recipePath := *recipeFlag
	if recipePath == "" && flagSet.NArg() > 0 {
		recipePath = flagSet.Arg(0)
	}

	cfg := &app.Config{
		Verb:          app.VerbStart,
		RecipePath:    recipePath,
		StatePath:     *stateFlag,
		GeneratorKind: strings.ToLower(*generatorFlag),
		GeneratorURL:  *generatorURLFlag,
		GeminiModel:   *geminiModelFlag,
		Checkers:      checkers,
		LogFormat:     strings.ToLower(*logFormatFlag),
		LogLevel:      strings.ToLower(*logLevelFlag),
	}

	switch {
	case *statusFlag != "":
		cfg.Verb = app.VerbStatus
		cfg.RunID = *statusFlag
		return cfg, false, nil
	case *resumeFlag != "":
		cfg.Verb = app.VerbResume
		cfg.RunID = *resumeFlag
	}

	if cfg.RecipePath == "" {
		flagSet.Usage()
		return nil, true, nil
	}
	return cfg, false, nil
}
