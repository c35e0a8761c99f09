// Package stub classifies generated artifacts as complete, suspect, or
// stub. The boundary between "intentionally minimal" and "actually
// incomplete" is fuzzy, so classification is layered: cheap structural
// heuristics short-circuit the obvious cases, size/shape heuristics flag
// suspects, and only suspects pay for a semantic check against the
// generator. Ambiguity always resolves toward STUB so an incomplete
// component is never silently accepted.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vk/recipeforge/internal/ctxlog"
	"github.com/vk/recipeforge/internal/recipe"
)

// Classification is the three-valued verdict on an artifact.
type Classification int

const (
	// Complete passed every heuristic or the semantic check.
	Complete Classification = iota
	// Suspect is an intermediate verdict only; Classify never returns it.
	// It marks artifacts whose size or shape does not match their spec and
	// which therefore escalate to the semantic check.
	Suspect
	// Stub is a placeholder or incomplete implementation requiring repair.
	Stub
)

// String returns the stable name of the classification.
func (c Classification) String() string {
	switch c {
	case Complete:
		return "COMPLETE"
	case Suspect:
		return "SUSPECT"
	case Stub:
		return "STUB"
	default:
		return "UNKNOWN"
	}
}

// Assessor answers the escalated semantic query. Satisfied by
// generator.Generator.
type Assessor interface {
	Assess(ctx context.Context, spec, artifact string) (bool, error)
}

// Thresholds tunes the heuristics. Complexity expectations are inherently
// domain-specific, so none of these are hard-coded in the detector.
type Thresholds struct {
	// Markers are lowercase substrings whose presence means STUB outright.
	Markers []string
	// MinArtifactBytes is the floor below which any artifact is suspect.
	MinArtifactBytes int
	// SpecSizeRatio flags artifacts shorter than ratio * len(spec).
	SpecSizeRatio float64
	// CheckSpecSymbols enables the missing-symbol shape heuristic:
	// backtick-quoted identifiers in the spec are expected to appear in
	// the artifact.
	CheckSpecSymbols bool
	// VerdictCacheSize bounds the escalation verdict cache.
	VerdictCacheSize int
}

// DefaultThresholds returns the tuning used when the caller has no
// domain-specific overrides.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Markers: []string{
			"not implemented",
			"notimplementederror",
			"unimplemented",
			"todo: implement",
			"implement me",
			"implementation goes here",
			"placeholder",
			"coming soon",
		},
		MinArtifactBytes: 64,
		SpecSizeRatio:    0.5,
		CheckSpecSymbols: true,
		VerdictCacheSize: 256,
	}
}

var (
	// funcRe matches function declarations across the languages artifacts
	// tend to be written in.
	funcRe = regexp.MustCompile(`(?m)\b(func|def|function|fn)\b`)
	// trivialBodyRe matches function bodies that do nothing: empty, a bare
	// return, or a returned zero value. The opening brace must follow a
	// parameter list's closing parenthesis (plus an optional plain return
	// type) so empty composite literals like struct{}{} or chan struct{}
	// never count as bodies.
	trivialBodyRe = regexp.MustCompile(`\)[^{\n;,()]*\{\s*(return\s*(nil|null|none|0|""|'')?\s*;?\s*)?\}`)
	// specSymbolRe pulls backtick-quoted identifiers out of spec text.
	specSymbolRe = regexp.MustCompile("`([A-Za-z_][A-Za-z0-9_.]*)`")
)

// Detector applies the layered classification policy.
type Detector struct {
	assessor Assessor
	th       Thresholds
	verdicts *lru.Cache[string, bool]
}

// New builds a Detector. The verdict cache bounds semantic calls: an
// identical artifact never escalates twice.
func New(assessor Assessor, th Thresholds) (*Detector, error) {
	size := th.VerdictCacheSize
	if size <= 0 {
		size = DefaultThresholds().VerdictCacheSize
	}
	verdicts, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	return &Detector{assessor: assessor, th: th, verdicts: verdicts}, nil
}

// Classify returns Complete or Stub for an artifact. Layer (a) structural
// heuristics short-circuit to Stub; layer (b) size/shape heuristics mark
// the artifact Suspect and escalate it through the Assessor, failing closed
// to Stub when escalation itself fails.
func (d *Detector) Classify(ctx context.Context, artifact string, c *recipe.Component) Classification {
	logger := ctxlog.FromContext(ctx).With("component", c.Name)

	if reason := d.structuralStub(artifact); reason != "" {
		logger.Debug("Artifact classified as stub by structural heuristic.", "reason", reason)
		return Stub
	}

	reason := d.shapeSuspect(artifact, c)
	if reason == "" {
		return Complete
	}
	logger.Debug("Artifact is suspect, escalating to semantic check.", "reason", reason)

	key := HashArtifact(artifact)
	if genuine, ok := d.verdicts.Get(key); ok {
		logger.Debug("Escalation verdict served from cache.", "genuine", genuine)
		return verdictToClassification(genuine)
	}

	genuine, err := d.assessor.Assess(ctx, c.Spec, artifact)
	if err != nil {
		// Zero tolerance: an unanswerable escalation forces a repair
		// rather than risking a false-complete acceptance.
		logger.Warn("Semantic check failed, failing closed to stub.", "error", err)
		return Stub
	}
	d.verdicts.Add(key, genuine)
	return verdictToClassification(genuine)
}

func verdictToClassification(genuine bool) Classification {
	if genuine {
		return Complete
	}
	return Stub
}

// structuralStub is layer (a): explicit markers and all-trivial function
// bodies. Returns the reason for the hit, or "" for no hit.
func (d *Detector) structuralStub(artifact string) string {
	lowered := strings.ToLower(artifact)
	for _, marker := range d.th.Markers {
		if strings.Contains(lowered, marker) {
			return "marker " + marker
		}
	}

	funcs := len(funcRe.FindAllString(artifact, -1))
	if funcs > 0 {
		trivial := len(trivialBodyRe.FindAllString(artifact, -1))
		if trivial >= funcs {
			return "every function body is a no-op"
		}
	}
	return ""
}

// shapeSuspect is layer (b): size against spec complexity plus expected
// symbol presence. Returns the reason, or "" when the shape looks right.
func (d *Detector) shapeSuspect(artifact string, c *recipe.Component) string {
	if len(artifact) < d.th.MinArtifactBytes {
		return "artifact below minimum size"
	}
	if d.th.SpecSizeRatio > 0 && float64(len(artifact)) < d.th.SpecSizeRatio*float64(len(c.Spec)) {
		return "artifact far shorter than spec complexity predicts"
	}
	if d.th.CheckSpecSymbols {
		for _, match := range specSymbolRe.FindAllStringSubmatch(c.Spec, -1) {
			if !strings.Contains(artifact, match[1]) {
				return "expected symbol " + match[1] + " missing"
			}
		}
	}
	return ""
}

// HashArtifact returns the canonical SHA-256 identity of an artifact.
func HashArtifact(artifact string) string {
	sum := sha256.Sum256([]byte(artifact))
	return hex.EncodeToString(sum[:])
}
