package app

// Verb selects what a recipeforge invocation does.
type Verb string

const (
	// VerbStart begins a new run of the recipe.
	VerbStart Verb = "start"
	// VerbResume continues a persisted run.
	VerbResume Verb = "resume"
	// VerbStatus prints a run snapshot without executing anything.
	VerbStatus Verb = "status"
)

// CheckerSpec is one -checker flag: a named external tool invocation.
type CheckerSpec struct {
	Name string
	Tool string
	Args []string
}

// Config holds everything an App instance needs to run, as assembled by
// the CLI layer.
type Config struct {
	Verb       Verb
	RecipePath string
	RunID      string

	StatePath string

	GeneratorKind string // "http" or "gemini"
	GeneratorURL  string
	GeminiModel   string

	Checkers []CheckerSpec

	LogFormat string
	LogLevel  string
}
