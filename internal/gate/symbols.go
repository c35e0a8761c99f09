package gate

import (
	"context"
	"fmt"
	"strings"
)

// SymbolsChecker verifies the artifact declares a fixed set of symbols.
// It is a cheap structural gate for acceptance-relevant identifiers the
// spec promises, without interpreting the artifact's language.
type SymbolsChecker struct {
	CheckName string
	Symbols   []string
}

// Name implements Checker.
func (s *SymbolsChecker) Name() string { return s.CheckName }

// Check implements Checker.
func (s *SymbolsChecker) Check(_ context.Context, artifact string) Result {
	var diags []Diagnostic
	for _, sym := range s.Symbols {
		if !strings.Contains(artifact, sym) {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("required symbol %q not found in artifact", sym),
				Severity: SeverityError,
			})
		}
	}
	return Result{Passed: len(diags) == 0, Diagnostics: diags}
}
