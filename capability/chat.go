package capability

import (
	"context"
	"errors"
)

// ChatModel is the common surface for LLM chat providers.
//
// It abstracts OpenAI, Anthropic, and Google behind one call: convert the
// standard Message slice to the provider's wire format, send it, and parse
// the response back into ChatOut. Implementations handle authentication,
// respect context cancellation, and translate provider errors.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o")
//	out, err := m.Chat(ctx, []capability.Message{
//	    {Role: capability.RoleUser, Content: "Summarize today's findings."},
//	}, nil)
type ChatModel interface {
	// Chat sends the conversation to the provider. tools may be nil. The
	// response carries text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in an LLM conversation, in the chat format
// shared by the major providers.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text. May be empty for turns that only carry
	// tool calls.
	Content string
}

// Standard conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM may call. Schema follows JSON Schema
// and describes the expected input parameters; it may be nil for tools
// without parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a provider response: generated text, requested tool calls, or
// both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the LLM to invoke a tool. Input matches the
// tool's declared schema and may be nil.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// ChatCapability adapts a ChatModel to the Capability interface so graph
// nodes and the supervisor can invoke providers through a registry.
//
// Invoke input:
//   - "messages" ([]Message): full conversation, or
//   - "prompt" (string): single user turn, optionally with "system" (string)
//
// Invoke output:
//   - "text" (string)
//   - "tool_calls" ([]ToolCall), present only when the model requested tools
type ChatCapability struct {
	name  string
	model ChatModel
}

// NewChatCapability wraps a ChatModel under the given capability name.
func NewChatCapability(name string, model ChatModel) *ChatCapability {
	return &ChatCapability{name: name, model: model}
}

// Name implements Capability.
func (c *ChatCapability) Name() string { return c.name }

// Invoke implements Capability.
func (c *ChatCapability) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	messages, err := chatMessages(input)
	if err != nil {
		return nil, &Error{Capability: c.name, Message: err.Error()}
	}

	out, err := c.model.Chat(ctx, messages, chatTools(input))
	if err != nil {
		return nil, &Error{Capability: c.name, Message: "chat failed", Cause: err}
	}

	result := map[string]interface{}{"text": out.Text}
	if len(out.ToolCalls) > 0 {
		result["tool_calls"] = out.ToolCalls
	}
	return result, nil
}

func chatMessages(input map[string]interface{}) ([]Message, error) {
	if raw, ok := input["messages"]; ok {
		msgs, ok := raw.([]Message)
		if !ok {
			return nil, errors.New(`"messages" must be []Message`)
		}
		return msgs, nil
	}

	prompt, ok := input["prompt"].(string)
	if !ok || prompt == "" {
		return nil, errors.New(`input requires "messages" or a non-empty "prompt"`)
	}

	var messages []Message
	if system, ok := input["system"].(string); ok && system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	return append(messages, Message{Role: RoleUser, Content: prompt}), nil
}

func chatTools(input map[string]interface{}) []ToolSpec {
	tools, _ := input["tools"].([]ToolSpec)
	return tools
}
