package gate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandChecker runs an external tool against the artifact. The artifact
// is written to a temp file whose path replaces the "{file}" placeholder in
// the argument list (or is appended when no placeholder is present). Exit
// code zero passes; anything else fails with the tool's output as
// diagnostics. A tool that cannot run at all is a failure too.
type CommandChecker struct {
	// CheckName is the name acceptance lists refer to.
	CheckName string
	// Tool is the executable to invoke.
	Tool string
	// Args are the tool's arguments, with optional "{file}" placeholder.
	Args []string
	// FileSuffix is appended to the temp file name, e.g. ".go", so tools
	// that sniff extensions behave.
	FileSuffix string
}

// Name implements Checker.
func (c *CommandChecker) Name() string { return c.CheckName }

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context, artifact string) Result {
	file, err := os.CreateTemp("", "recipeforge-*"+c.FileSuffix)
	if err != nil {
		return toolingFailure(fmt.Sprintf("creating artifact temp file: %v", err))
	}
	path := file.Name()
	defer os.Remove(path)

	if _, err := file.WriteString(artifact); err != nil {
		file.Close()
		return toolingFailure(fmt.Sprintf("writing artifact temp file: %v", err))
	}
	if err := file.Close(); err != nil {
		return toolingFailure(fmt.Sprintf("closing artifact temp file: %v", err))
	}

	args := make([]string, 0, len(c.Args)+1)
	replaced := false
	for _, a := range c.Args {
		if strings.Contains(a, "{file}") {
			a = strings.ReplaceAll(a, "{file}", path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, c.Tool, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return Result{Passed: true}
	}

	if _, isExit := err.(*exec.ExitError); !isExit {
		return toolingFailure(fmt.Sprintf("running %s: %v", c.Tool, err))
	}

	var diags []Diagnostic
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, path, filepath.Base(path)))
		if line == "" {
			continue
		}
		diags = append(diags, Diagnostic{Message: line, Severity: SeverityError})
	}
	if len(diags) == 0 {
		diags = append(diags, Diagnostic{
			Message:  fmt.Sprintf("%s exited non-zero without output", c.Tool),
			Severity: SeverityError,
		})
	}
	return Result{Diagnostics: diags}
}

func toolingFailure(msg string) Result {
	return Result{Diagnostics: []Diagnostic{{Message: msg, Severity: SeverityError}}}
}
