package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vk/recipeforge/internal/ctxlog"
)

// HTTP talks to a generation service over JSON. POST /generate produces an
// artifact, POST /assess answers the semantic stub query.
type HTTP struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTP builds an HTTP generator. timeout bounds each call; the client
// itself carries no timeout so cancellation stays under context control.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		timeout: timeout,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type generateRequest struct {
	Component  string   `json:"component"`
	Spec       string   `json:"spec"`
	Acceptance []string `json:"acceptance"`
	Feedback   []string `json:"feedback,omitempty"`
	Attempt    int      `json:"attempt"`
}

type generateResponse struct {
	Artifact string `json:"artifact"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

type assessRequest struct {
	Spec     string `json:"spec"`
	Artifact string `json:"artifact"`
}

type assessResponse struct {
	Genuine bool   `json:"genuine"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Generate implements Generator.
func (h *HTTP) Generate(ctx context.Context, req Request) (string, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Dispatching generation request.", "component", req.Component, "attempt", req.Attempt, "feedback_lines", len(req.Feedback))

	var resp generateResponse
	if err := h.post(ctx, "/generate", generateRequest{
		Component:  req.Component,
		Spec:       req.Spec,
		Acceptance: req.Acceptance,
		Feedback:   req.Feedback,
		Attempt:    req.Attempt,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &Error{Kind: KindService, Message: fmt.Sprintf("%s: %s", resp.Error, resp.Message)}
	}
	if resp.Artifact == "" {
		return "", &Error{Kind: KindEmpty, Message: "service returned no artifact"}
	}
	return resp.Artifact, nil
}

// Assess implements Generator.
func (h *HTTP) Assess(ctx context.Context, spec, artifact string) (bool, error) {
	var resp assessResponse
	if err := h.post(ctx, "/assess", assessRequest{Spec: spec, Artifact: artifact}, &resp); err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, &Error{Kind: KindService, Message: fmt.Sprintf("%s: %s", resp.Error, resp.Message)}
	}
	return resp.Genuine, nil
}

// post sends one JSON request bounded by the per-attempt timeout and decodes
// the response into out.
func (h *HTTP) post(ctx context.Context, path string, payload, out any) error {
	callCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindService, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindService, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return &Error{Kind: KindTimeout, Message: fmt.Sprintf("call to %s exceeded %s", path, h.timeout)}
		}
		return &Error{Kind: KindService, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Error{Kind: KindService, Message: fmt.Sprintf("reading response: %v", err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &Error{Kind: KindService, Message: fmt.Sprintf("%s returned status %d: %s", path, httpResp.StatusCode, truncate(string(raw), 200))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindService, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
