package recipe

// HCL document schema. The raw blocks are decoded into these structs first
// and then validated and translated into the exported model, so the rest of
// the codebase never sees hcl types.

type recipeBlock struct {
	Name              string `hcl:"name,label"`
	Version           string `hcl:"version,optional"`
	MaxParallel       *int   `hcl:"max_parallel,optional"`
	MaxAttempts       *int   `hcl:"max_attempts,optional"`
	AttemptTimeout    string `hcl:"attempt_timeout,optional"`
	ValidationTimeout string `hcl:"validation_timeout,optional"`
	RunTimeout        string `hcl:"run_timeout,optional"`
}

type componentBlock struct {
	Name       string   `hcl:"name,label"`
	DependsOn  []string `hcl:"depends_on,optional"`
	Spec       string   `hcl:"spec"`
	Acceptance []string `hcl:"acceptance"`
}

type document struct {
	Recipe     *recipeBlock      `hcl:"recipe,block"`
	Components []*componentBlock `hcl:"component,block"`
}
