package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	genai "google.golang.org/genai"
)

// Gemini drives generation through the Gemini API. The API key is picked up
// from the environment by the genai client (GEMINI_API_KEY).
type Gemini struct {
	cli     *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini builds a Gemini-backed generator for the given model name.
func NewGemini(ctx context.Context, model string, timeout time.Duration) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, &Error{Kind: KindService, Message: fmt.Sprintf("creating gemini client: %v", err)}
	}
	return &Gemini{cli: cli, model: model, timeout: timeout}, nil
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the component %q.\n\n[SPECIFICATION]\n%s\n", req.Component, req.Spec)
	if len(req.Acceptance) > 0 {
		fmt.Fprintf(&b, "\n[ACCEPTANCE CRITERIA]\nThe output must pass: %s\n", strings.Join(req.Acceptance, ", "))
	}
	if len(req.Feedback) > 0 {
		fmt.Fprintf(&b, "\n[FEEDBACK FROM PREVIOUS ATTEMPT]\n%s\n", strings.Join(req.Feedback, "\n"))
	}
	b.WriteString("\nRespond with the complete source text only, no commentary.")

	text, err := g.call(ctx, b.String())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: KindEmpty, Message: "model returned no artifact"}
	}
	return text, nil
}

// Assess implements Generator. The model is asked for a bare yes/no verdict;
// anything else is a service error so the caller can fail closed.
func (g *Gemini) Assess(ctx context.Context, spec, artifact string) (bool, error) {
	prompt := fmt.Sprintf(
		"Is the following a genuine, working implementation of this specification, "+
			"as opposed to a stub or placeholder? Answer with exactly one word: yes or no.\n\n"+
			"[SPECIFICATION]\n%s\n\n[IMPLEMENTATION]\n%s\n", spec, artifact)

	text, err := g.call(ctx, prompt)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, &Error{Kind: KindService, Message: fmt.Sprintf("unparseable verdict %q", truncate(text, 80))}
}

// call sends one prompt bounded by the per-attempt timeout.
func (g *Gemini) call(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.cli.Models.GenerateContent(callCtx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		nil,
	)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", &Error{Kind: KindTimeout, Message: fmt.Sprintf("model call exceeded %s", g.timeout)}
		}
		return "", &Error{Kind: KindService, Message: err.Error()}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &Error{Kind: KindEmpty, Message: "model returned no candidates"}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
