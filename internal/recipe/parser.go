// Package recipe defines the recipe model and parses recipe documents.
//
// A recipe is an HCL document with one `recipe` block of run settings and
// one `component` block per unit to generate. Parse is a pure
// transformation: it either returns a fully validated Recipe whose
// dependency relation is a DAG, or a ParseError describing exactly why the
// document was rejected.
package recipe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// ParsePath loads a recipe from path. A regular file is parsed as a single
// document. A directory is walked recursively and every .hcl file found
// contributes to one merged document, so large recipes can be split across
// files; exactly one of them must carry the recipe block.
func ParsePath(path string) (*Recipe, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, malformed("reading recipe path: %v", err)
	}
	if !info.IsDir() {
		return ParseFile(path)
	}

	files, err := findRecipeFiles(path)
	if err != nil {
		return nil, malformed("scanning recipe directory: %v", err)
	}
	if len(files) == 0 {
		return nil, malformed("no .hcl recipe files under %s", path)
	}

	merged := &document{}
	recipeFile := ""
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, malformed("reading recipe file: %v", err)
		}
		doc, err := decode(src, file)
		if err != nil {
			return nil, err
		}
		if doc.Recipe != nil {
			if merged.Recipe != nil {
				return nil, malformed("recipe block declared in both %s and %s", recipeFile, file)
			}
			merged.Recipe = doc.Recipe
			recipeFile = file
		}
		merged.Components = append(merged.Components, doc.Components...)
	}
	return build(merged)
}

// ParseFile reads and parses the recipe document at path.
func ParseFile(path string) (*Recipe, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, malformed("reading recipe file: %v", err)
	}
	return Parse(src, path)
}

// Parse turns a recipe document into a validated Recipe. The filename is
// used only in error messages.
func Parse(src []byte, filename string) (*Recipe, error) {
	doc, err := decode(src, filename)
	if err != nil {
		return nil, err
	}
	return build(doc)
}

// findRecipeFiles recursively collects the .hcl files under root. WalkDir
// visits entries in lexical order, so the merge order is stable.
func findRecipeFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".hcl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// decode parses raw HCL into the document schema without validating it.
func decode(src []byte, filename string) (*document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, malformed("invalid recipe document: %s", diags.Error())
	}

	var doc document
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, malformed("invalid recipe document: %s", diags.Error())
	}
	return &doc, nil
}

// build validates a decoded document and assembles the Recipe.
func build(doc *document) (*Recipe, error) {
	if doc.Recipe == nil {
		return nil, malformed("missing recipe block")
	}
	if len(doc.Components) == 0 {
		return nil, malformed("recipe %q declares no components", doc.Recipe.Name)
	}

	cfg, err := translateConfig(doc.Recipe)
	if err != nil {
		return nil, err
	}

	components := make([]*Component, 0, len(doc.Components))
	byName := make(map[string]*Component, len(doc.Components))
	for _, block := range doc.Components {
		if _, dup := byName[block.Name]; dup {
			return nil, malformed("duplicate component %q", block.Name)
		}
		c := &Component{
			Name:       block.Name,
			DependsOn:  block.DependsOn,
			Spec:       block.Spec,
			Acceptance: block.Acceptance,
		}
		components = append(components, c)
		byName[c.Name] = c
	}

	for _, c := range components {
		if strings.TrimSpace(c.Spec) == "" {
			return nil, &ParseError{Kind: KindEmptySpec, Message: fmt.Sprintf("component %q has an empty spec", c.Name)}
		}
		if len(c.Acceptance) == 0 {
			return nil, &ParseError{Kind: KindEmptySpec, Message: fmt.Sprintf("component %q declares no acceptance criteria", c.Name)}
		}
		for _, dep := range c.DependsOn {
			if dep == c.Name {
				return nil, &ParseError{Kind: KindCycle, Message: fmt.Sprintf("component %q depends on itself", c.Name), Cycle: []string{c.Name, c.Name}}
			}
			if _, ok := byName[dep]; !ok {
				return nil, &ParseError{
					Kind:    KindUnknownDependency,
					Message: fmt.Sprintf("component %q depends on unknown component %q", c.Name, dep),
				}
			}
		}
	}

	if cycle := findCycle(components, byName); cycle != nil {
		return nil, &ParseError{Kind: KindCycle, Message: "recipe dependencies form a cycle", Cycle: cycle}
	}

	r := &Recipe{
		Name:       doc.Recipe.Name,
		Version:    doc.Recipe.Version,
		Config:     cfg,
		Components: components,
		byName:     byName,
	}
	return r, nil
}

// translateConfig applies defaults and parses duration strings from the
// recipe block.
func translateConfig(block *recipeBlock) (Config, error) {
	cfg := Config{
		MaxParallel:       DefaultMaxParallel,
		MaxAttempts:       DefaultMaxAttempts,
		AttemptTimeout:    DefaultAttemptTimeout,
		ValidationTimeout: DefaultValidationTimeout,
	}
	if block.MaxParallel != nil {
		if *block.MaxParallel < 1 {
			return cfg, malformed("max_parallel must be at least 1, got %d", *block.MaxParallel)
		}
		cfg.MaxParallel = *block.MaxParallel
	}
	if block.MaxAttempts != nil {
		if *block.MaxAttempts < 1 {
			return cfg, malformed("max_attempts must be at least 1, got %d", *block.MaxAttempts)
		}
		cfg.MaxAttempts = *block.MaxAttempts
	}
	var err error
	if cfg.AttemptTimeout, err = parseDuration(block.AttemptTimeout, "attempt_timeout", cfg.AttemptTimeout); err != nil {
		return cfg, err
	}
	if cfg.ValidationTimeout, err = parseDuration(block.ValidationTimeout, "validation_timeout", cfg.ValidationTimeout); err != nil {
		return cfg, err
	}
	if cfg.RunTimeout, err = parseDuration(block.RunTimeout, "run_timeout", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(raw, field string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, malformed("invalid %s %q: %v", field, raw, err)
	}
	if d < 0 {
		return 0, malformed("%s must not be negative, got %s", field, d)
	}
	return d, nil
}

// findCycle runs a depth-first search over the dependency edges and returns
// the first cycle found as a closed path (first name repeated at the end),
// or nil if the graph is acyclic. Dependencies must already be resolvable.
func findCycle(components []*Component, byName map[string]*Component) []string {
	const (
		unvisited = iota
		inStack
		done
	)
	color := make(map[string]int, len(components))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = inStack
		stack = append(stack, name)
		for _, dep := range byName[name].DependsOn {
			switch color[dep] {
			case inStack:
				// Close the loop from the first occurrence of dep on the stack.
				for i, n := range stack {
					if n == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = done
		return nil
	}

	for _, c := range components {
		if color[c.Name] == unvisited {
			if cycle := visit(c.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
