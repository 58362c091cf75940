// Package supervisor is the top-level routing policy: it classifies an
// incoming request, short-circuits trivial ones through a fast path, drives
// complex ones through a workflow graph or a sequential decomposition of
// worker sub-tasks, and guarantees the caller always receives a response.
package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/dshills/stategraph-go/capability"
)

// Intent is the closed set of request classes the supervisor dispatches on.
type Intent int

const (
	// IntentUnknown routes to the full path with the generic worker.
	IntentUnknown Intent = iota

	// IntentTrivial takes the fast path.
	IntentTrivial

	// IntentComplex takes the full path.
	IntentComplex
)

// String returns the intent label.
func (i Intent) String() string {
	switch i {
	case IntentTrivial:
		return "trivial"
	case IntentComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Classification is the outcome of intent classification. SubLabel is an
// opaque tag used for worker and graph selection; Confidence is in [0,1].
type Classification struct {
	Intent     Intent
	SubLabel   string
	Confidence float64
}

// Classifier resolves a query to a Classification. Implementations may call
// external capabilities; the supervisor treats any error as "use the
// emergency heuristic instead".
type Classifier interface {
	Classify(ctx context.Context, query string) (Classification, error)
}

// HeuristicClassifier is a cheap, local classifier used both as the
// supervisor's emergency path and as a standalone classifier for
// deployments without an LLM.
//
// Short queries without task keywords classify as trivial; queries carrying
// research or multi-step vocabulary classify as complex with a matching
// sub-label.
type HeuristicClassifier struct{}

// complexKeywords maps task vocabulary to the sub-label it suggests.
// First match wins, checked in the order listed.
var complexKeywords = []struct {
	keyword  string
	subLabel string
}{
	{"research", "research"},
	{"investigate", "research"},
	{"deep dive", "research"},
	{"compare", "analysis"},
	{"analyze", "analysis"},
	{"analyse", "analysis"},
	{"evaluate", "analysis"},
	{"plan", "planning"},
	{"roadmap", "planning"},
	{"step by step", "planning"},
	{"search", "web-search"},
	{"find out", "web-search"},
	{"look up", "web-search"},
	{"summarize", "writing"},
	{"write", "writing"},
	{"draft", "writing"},
	{"report", "writing"},
}

// Classify implements Classifier. It never returns an error.
func (HeuristicClassifier) Classify(_ context.Context, query string) (Classification, error) {
	normalized := strings.ToLower(strings.TrimSpace(query))

	for _, entry := range complexKeywords {
		if strings.Contains(normalized, entry.keyword) {
			return Classification{Intent: IntentComplex, SubLabel: entry.subLabel, Confidence: 0.6}, nil
		}
	}

	if wordCount(normalized) <= 8 {
		return Classification{Intent: IntentTrivial, SubLabel: "chat", Confidence: 0.5}, nil
	}
	return Classification{Intent: IntentUnknown, SubLabel: "general", Confidence: 0.3}, nil
}

func wordCount(s string) int {
	return len(strings.FieldsFunc(s, unicode.IsSpace))
}

// ChatClassifier classifies with an LLM, falling back to the heuristic when
// the model's answer cannot be parsed.
type ChatClassifier struct {
	model    capability.ChatModel
	fallback HeuristicClassifier
}

// NewChatClassifier creates a classifier backed by the given chat model.
func NewChatClassifier(model capability.ChatModel) *ChatClassifier {
	return &ChatClassifier{model: model}
}

const classifyPrompt = `Classify the user request. Respond with only a JSON object:
{"intent": "trivial" or "complex", "sub_label": one of ["chat","research","analysis","planning","web-search","writing","general"], "confidence": 0.0-1.0}
A request is trivial when it can be answered in one short reply with no external work.`

// Classify implements Classifier.
func (c *ChatClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	out, err := c.model.Chat(ctx, []capability.Message{
		{Role: capability.RoleSystem, Content: classifyPrompt},
		{Role: capability.RoleUser, Content: query},
	}, nil)
	if err != nil {
		return Classification{}, err
	}

	if cls, ok := parseClassification(out.Text); ok {
		return cls, nil
	}
	return c.fallback.Classify(ctx, query)
}

func parseClassification(text string) (Classification, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return Classification{}, false
	}

	var raw struct {
		Intent     string  `json:"intent"`
		SubLabel   string  `json:"sub_label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Classification{}, false
	}

	cls := Classification{SubLabel: raw.SubLabel, Confidence: raw.Confidence}
	switch strings.ToLower(raw.Intent) {
	case "trivial":
		cls.Intent = IntentTrivial
	case "complex":
		cls.Intent = IntentComplex
	default:
		cls.Intent = IntentUnknown
	}
	if cls.SubLabel == "" {
		cls.SubLabel = "general"
	}
	return cls, true
}
