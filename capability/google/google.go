// Package google provides a ChatModel adapter for Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stategraph-go/capability"
)

const defaultModel = "gemini-2.5-flash"

// ChatModel implements capability.ChatModel for Gemini.
//
// Gemini can refuse content through safety filters; those refusals surface
// as *SafetyFilterError so callers can route around them rather than treat
// them as provider outages.
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, nil)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	modelName string
	client    contentClient
}

// contentClient is the slice of the SDK the adapter needs, kept as an
// interface so tests can substitute a fake.
type contentClient interface {
	generateContent(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error)
}

// NewChatModel creates a Gemini-backed ChatModel. An empty modelName uses
// the package default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements capability.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error) {
	if ctx.Err() != nil {
		return capability.ChatOut{}, ctx.Err()
	}
	return m.client.generateContent(ctx, messages, tools)
}

// sdkClient wraps the official generative-ai-go client.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) generateContent(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error) {
	if c.apiKey == "" {
		return capability.ChatOut{}, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return capability.ChatOut{}, fmt.Errorf("failed to create google client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(c.modelName)
	if len(tools) > 0 {
		model.Tools = convertTools(tools)
	}

	resp, err := model.GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return capability.ChatOut{}, fmt.Errorf("google API error: %w", err)
	}
	return convertResponse(resp)
}

// convertMessages flattens the conversation into Gemini content parts.
// Gemini sets system instructions on the model rather than in the message
// stream, so system messages travel as leading text parts here.
func convertMessages(messages []capability.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []capability.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON Schema map to genai.Schema. Only the
// top-level object shape is converted; nested objects pass through as
// untyped properties.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		properties := make(map[string]*genai.Schema)
		for key, val := range props {
			propMap, ok := val.(map[string]interface{})
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = convertType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			properties[key] = prop
		}
		result.Properties = properties
	}

	if required, ok := schema["required"].([]string); ok {
		result.Required = required
	} else if raw, ok := schema["required"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}

	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) (capability.ChatOut, error) {
	var out capability.ChatOut

	if len(resp.Candidates) == 0 {
		return out, nil
	}
	candidate := resp.Candidates[0]

	if candidate.FinishReason == genai.FinishReasonSafety {
		category := "unspecified"
		for _, rating := range candidate.SafetyRatings {
			if rating.Blocked {
				category = rating.Category.String()
				break
			}
		}
		return out, &SafetyFilterError{reason: candidate.FinishReason.String(), category: category}
	}

	if candidate.Content == nil {
		return out, nil
	}
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, capability.ToolCall{
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	return out, nil
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
// Check for it with errors.As.
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns the finish reason reported by the API.
func (e *SafetyFilterError) Reason() string { return e.reason }
