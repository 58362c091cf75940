// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/stategraph-go/capability"
)

const defaultModel = "claude-sonnet-4-20250514"

// ChatModel implements capability.ChatModel for Claude.
//
// Anthropic takes the system prompt as a separate request parameter rather
// than a message, so Chat extracts system messages before sending. Tool
// declarations and tool_use response blocks are converted to the common
// format.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, nil)
type ChatModel struct {
	modelName string
	client    messageClient
}

// messageClient is the slice of the SDK the adapter needs, kept as an
// interface so tests can substitute a fake.
type messageClient interface {
	createMessage(ctx context.Context, system string, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error)
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName uses
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

	system, conversation := splitSystemPrompt(messages)
	return m.client.createMessage(ctx, system, conversation, tools)
}

// splitSystemPrompt separates system messages from the conversation.
// Multiple system messages concatenate with a blank line between them.
func splitSystemPrompt(messages []capability.Message) (string, []capability.Message) {
	var system string
	var conversation []capability.Message
	for _, msg := range messages {
		if msg.Role == capability.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

// sdkClient wraps the official anthropic-sdk-go client.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createMessage(ctx context.Context, system string, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error) {
	if c.apiKey == "" {
		return capability.ChatOut{}, errors.New("anthropic API key is required")
	}

	client := sdk.NewClient(option.WithAPIKey(c.apiKey))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelName),
		MaxTokens: 4096,
		Messages:  convertMessages(messages),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return capability.ChatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}
	return convertResponse(message), nil
}

func convertMessages(messages []capability.Message) []sdk.MessageParam {
	params := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == capability.RoleAssistant {
			params = append(params, sdk.NewAssistantMessage(block))
		} else {
			params = append(params, sdk.NewUserMessage(block))
		}
	}
	return params
}

func convertTools(tools []capability.ToolSpec) []sdk.ToolUnionParam {
	params := make([]sdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		t := sdk.ToolParam{
			Name:        tool.Name,
			InputSchema: convertSchema(tool.Schema),
		}
		if tool.Description != "" {
			t.Description = sdk.String(tool.Description)
		}
		params[i] = sdk.ToolUnionParam{OfTool: &t}
	}
	return params
}

func convertSchema(schema map[string]interface{}) sdk.ToolInputSchemaParam {
	out := sdk.ToolInputSchemaParam{}
	if schema == nil {
		return out
	}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if raw, ok := schema["required"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func convertResponse(message *sdk.Message) capability.ChatOut {
	var out capability.ChatOut
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			out.ToolCalls = append(out.ToolCalls, capability.ToolCall{
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return out
}
