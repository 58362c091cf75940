package supervisor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dshills/stategraph-go/capability"
)

// Step is one sub-task in a decomposed request, tagged with the worker
// capability that should execute it.
type Step struct {
	Description string `json:"description"`
	Capability  string `json:"capability"`
}

// Decomposer breaks a complex request into an ordered list of steps. Fewer
// than two usable steps makes the supervisor fall back to single-worker
// execution, so a Decomposer need not force a split.
type Decomposer interface {
	Decompose(ctx context.Context, query string) ([]Step, error)
}

// ChatDecomposer decomposes with an LLM that returns a JSON step list.
type ChatDecomposer struct {
	model capability.ChatModel

	// MaxSteps caps the plan length. Zero means the default of 6.
	MaxSteps int
}

// NewChatDecomposer creates a decomposer backed by the given chat model.
func NewChatDecomposer(model capability.ChatModel) *ChatDecomposer {
	return &ChatDecomposer{model: model}
}

const decomposePrompt = `Break the user request into an ordered list of sub-tasks. Respond with only a JSON array:
[{"description": "...", "capability": one of ["web-search","research","analysis","writing","general"]}]
Use as few steps as the request genuinely needs. A request that one worker can handle in one step should produce a single step.`

// Decompose implements Decomposer.
func (d *ChatDecomposer) Decompose(ctx context.Context, query string) ([]Step, error) {
	out, err := d.model.Chat(ctx, []capability.Message{
		{Role: capability.RoleSystem, Content: decomposePrompt},
		{Role: capability.RoleUser, Content: query},
	}, nil)
	if err != nil {
		return nil, err
	}

	steps := parseSteps(out.Text)

	max := d.MaxSteps
	if max <= 0 {
		max = 6
	}
	if len(steps) > max {
		steps = steps[:max]
	}
	return steps, nil
}

// parseSteps extracts the JSON step array from the model's answer,
// tolerating surrounding prose. Steps without a description are dropped;
// steps without a capability get "general".
func parseSteps(text string) []Step {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return nil
	}

	var raw []Step
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}

	steps := make([]Step, 0, len(raw))
	for _, step := range raw {
		if strings.TrimSpace(step.Description) == "" {
			continue
		}
		if step.Capability == "" {
			step.Capability = GeneralCapability
		}
		steps = append(steps, step)
	}
	return steps
}
