// Package openai provides a ChatModel adapter for OpenAI's chat API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/dshills/stategraph-go/capability"
)

const defaultModel = "gpt-4o"

// ChatModel implements capability.ChatModel for OpenAI.
//
// Transient failures (network errors, 5xx, rate limits) are retried with a
// linear backoff that stretches for rate limits; authentication and invalid
// request errors return immediately.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, messages, nil)
type ChatModel struct {
	modelName  string
	client     completionClient
	maxRetries int
	retryDelay time.Duration
}

// completionClient is the slice of the SDK the adapter needs, kept as an
// interface so tests can substitute a fake.
type completionClient interface {
	createChatCompletion(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error)
}

// NewChatModel creates an OpenAI-backed ChatModel with 3 retries and a one
// second base delay. An empty modelName uses the package default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		modelName:  modelName,
		client:     &sdkClient{apiKey: apiKey, modelName: modelName},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements capability.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error) {
	if ctx.Err() != nil {
		return capability.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) {
			return capability.ChatOut{}, err
		}
		if attempt >= m.maxRetries {
			break
		}

		delay := m.retryDelay
		if isRateLimitError(err) {
			delay = m.retryDelay * time.Duration(attempt+1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return capability.ChatOut{}, ctx.Err()
		}
	}

	return capability.ChatOut{}, fmt.Errorf("openai API failed after %d retries: %w", m.maxRetries, lastErr)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimitError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}

// sdkClient wraps the official openai-go client.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createChatCompletion(ctx context.Context, messages []capability.Message, tools []capability.ToolSpec) (capability.ChatOut, error) {
	if c.apiKey == "" {
		return capability.ChatOut{}, errors.New("openai API key is required")
	}

	client := sdk.NewClient(option.WithAPIKey(c.apiKey))

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return capability.ChatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return capability.ChatOut{}, errors.New("openai API returned no choices")
	}
	return convertResponse(completion.Choices[0].Message), nil
}

func convertMessages(messages []capability.Message) []sdk.ChatCompletionMessageParamUnion {
	params := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case capability.RoleSystem:
			params = append(params, sdk.SystemMessage(msg.Content))
		case capability.RoleAssistant:
			params = append(params, sdk.AssistantMessage(msg.Content))
		default:
			params = append(params, sdk.UserMessage(msg.Content))
		}
	}
	return params
}

func convertTools(tools []capability.ToolSpec) []sdk.ChatCompletionToolUnionParam {
	params := make([]sdk.ChatCompletionToolUnionParam, len(tools))
	for i, tool := range tools {
		def := shared.FunctionDefinitionParam{Name: tool.Name}
		if tool.Description != "" {
			def.Description = sdk.String(tool.Description)
		}
		if tool.Schema != nil {
			def.Parameters = shared.FunctionParameters(tool.Schema)
		}
		params[i] = sdk.ChatCompletionFunctionTool(def)
	}
	return params
}

func convertResponse(message sdk.ChatCompletionMessage) capability.ChatOut {
	out := capability.ChatOut{Text: message.Content}
	for _, call := range message.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		out.ToolCalls = append(out.ToolCalls, capability.ToolCall{
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}
