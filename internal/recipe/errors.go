package recipe

import (
	"fmt"
	"strings"
)

// ErrorKind classifies why a recipe document was rejected.
type ErrorKind int

const (
	// KindMalformed covers structural problems: HCL syntax errors, a
	// missing recipe block, duplicate component names, bad durations.
	KindMalformed ErrorKind = iota
	// KindUnknownDependency is a depends_on reference to a component that
	// does not exist in the document.
	KindUnknownDependency
	// KindCycle means the dependency relation is not acyclic.
	KindCycle
	// KindEmptySpec is a component with no specification text or no
	// acceptance criteria.
	KindEmptySpec
)

// String returns the stable name of the kind, matching what error messages
// and logs use.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "MALFORMED_INPUT"
	case KindUnknownDependency:
		return "UNKNOWN_DEPENDENCY"
	case KindCycle:
		return "CYCLE_DETECTED"
	case KindEmptySpec:
		return "EMPTY_SPEC"
	default:
		return "UNKNOWN"
	}
}

// ParseError is the single error type returned by Parse. Cycle is populated
// only for KindCycle and lists the offending components in order, with the
// first name repeated at the end to close the loop.
type ParseError struct {
	Kind    ErrorKind
	Message string
	Cycle   []string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Kind == KindCycle && len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func malformed(format string, args ...any) *ParseError {
	return &ParseError{Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}
