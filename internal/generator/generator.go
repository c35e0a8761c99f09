// Package generator is the boundary to the external code-generation
// service. A Generator turns a component spec (plus repair feedback from
// prior failed attempts) into source text, and answers the semantic
// "is this a genuine implementation?" query the stub detector escalates to.
//
// Two backends exist: an HTTP JSON service and the Gemini API. Both enforce
// the per-attempt timeout themselves so callers never block indefinitely.
package generator

import (
	"context"
	"errors"
	"fmt"
)

// Request carries everything one generation attempt needs.
type Request struct {
	// Component is the name of the unit being generated, for logging and
	// service-side tracing.
	Component string
	// Spec is the behavioral description to implement.
	Spec string
	// Acceptance names the quality gates the output must pass.
	Acceptance []string
	// Feedback holds diagnostics from the previous failed attempt. When
	// non-empty it must reach the service so repairs are informed, not
	// blind retries.
	Feedback []string
	// Attempt is the 1-based attempt number.
	Attempt int
}

// Generator is the adapter interface the scheduler and stub detector
// consume.
type Generator interface {
	// Generate produces the artifact text for one attempt. It must respect
	// ctx and its own configured per-attempt timeout.
	Generate(ctx context.Context, req Request) (string, error)
	// Assess answers whether artifact is a genuine implementation of spec.
	// Used only for stub-detector escalation.
	Assess(ctx context.Context, spec, artifact string) (bool, error)
}

// Kind classifies a generation failure.
type Kind int

const (
	// KindService is an error propagated from the generation service.
	KindService Kind = iota
	// KindTimeout means the per-attempt timeout elapsed.
	KindTimeout
	// KindEmpty means the service answered successfully with no artifact.
	KindEmpty
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindService:
		return "GENERATION_SERVICE_ERROR"
	case KindTimeout:
		return "GENERATION_TIMEOUT"
	case KindEmpty:
		return "EMPTY_OUTPUT"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed failure returned by both backends.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsTimeout reports whether err is a generation timeout.
func IsTimeout(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == KindTimeout
}
