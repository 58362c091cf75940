package capability

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil); err == nil {
		t.Error("expected error registering nil capability")
	}
	if err := r.Register(NewChatCapability("", &MockChatModel{})); err == nil {
		t.Error("expected error registering empty name")
	}

	cap1 := NewChatCapability("chat", &MockChatModel{Responses: []ChatOut{{Text: "one"}}})
	if err := r.Register(cap1); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := r.Get("chat"); !ok {
		t.Error("registered capability not found")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "chat" {
		t.Errorf("names = %v", names)
	}

	// Re-registering the same name replaces.
	cap2 := NewChatCapability("chat", &MockChatModel{Responses: []ChatOut{{Text: "two"}}})
	if err := r.Register(cap2); err != nil {
		t.Fatal(err)
	}
	out, err := r.Invoke(context.Background(), "chat", map[string]interface{}{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out["text"] != "two" {
		t.Errorf("text = %v, want replacement's response", out["text"])
	}
}

func TestRegistry_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("missing capability is a typed error", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Invoke(ctx, "absent", nil)
		var capErr *Error
		if !errors.As(err, &capErr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if capErr.CapabilityName() != "absent" {
			t.Errorf("capability = %q, want %q", capErr.CapabilityName(), "absent")
		}
	})

	t.Run("failure already typed passes through", func(t *testing.T) {
		r := NewRegistry()
		cause := errors.New("provider down")
		model := &MockChatModel{Err: cause}
		if err := r.Register(NewChatCapability("chat", model)); err != nil {
			t.Fatal(err)
		}

		_, err := r.Invoke(ctx, "chat", map[string]interface{}{"prompt": "hi"})
		var capErr *Error
		if !errors.As(err, &capErr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if capErr.CapabilityName() != "chat" {
			t.Errorf("capability = %q", capErr.CapabilityName())
		}
		if !errors.Is(err, cause) {
			t.Error("cause not preserved in chain")
		}
	})
}

func TestChatCapability_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("prompt with system builds conversation", func(t *testing.T) {
		model := &MockChatModel{Responses: []ChatOut{{Text: "answer"}}}
		c := NewChatCapability("chat", model)

		out, err := c.Invoke(ctx, map[string]interface{}{
			"prompt": "what is a graph?",
			"system": "be brief",
		})
		if err != nil {
			t.Fatalf("invoke failed: %v", err)
		}
		if out["text"] != "answer" {
			t.Errorf("text = %v", out["text"])
		}
		if _, ok := out["tool_calls"]; ok {
			t.Error("tool_calls present without tool use")
		}

		msgs := model.Calls[0].Messages
		if len(msgs) != 2 || msgs[0].Role != RoleSystem || msgs[1].Role != RoleUser {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("messages passed through verbatim", func(t *testing.T) {
		model := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
		c := NewChatCapability("chat", model)

		conversation := []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleUser, Content: "continue"},
		}
		if _, err := c.Invoke(ctx, map[string]interface{}{"messages": conversation}); err != nil {
			t.Fatal(err)
		}
		if got := len(model.Calls[0].Messages); got != 3 {
			t.Errorf("len(messages) = %d, want 3", got)
		}
	})

	t.Run("tool calls surface in output", func(t *testing.T) {
		model := &MockChatModel{Responses: []ChatOut{{
			ToolCalls: []ToolCall{{Name: "search", Input: map[string]interface{}{"q": "go"}}},
		}}}
		c := NewChatCapability("chat", model)

		out, err := c.Invoke(ctx, map[string]interface{}{
			"prompt": "find it",
			"tools":  []ToolSpec{{Name: "search", Description: "web search"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		calls, ok := out["tool_calls"].([]ToolCall)
		if !ok || len(calls) != 1 || calls[0].Name != "search" {
			t.Errorf("tool_calls = %v", out["tool_calls"])
		}
		if len(model.Calls[0].Tools) != 1 {
			t.Error("tools not forwarded to model")
		}
	})

	t.Run("bad input shapes rejected", func(t *testing.T) {
		c := NewChatCapability("chat", &MockChatModel{})
		for name, input := range map[string]map[string]interface{}{
			"empty":          {},
			"empty prompt":   {"prompt": ""},
			"wrong messages": {"messages": "not a slice"},
		} {
			if _, err := c.Invoke(ctx, input); err == nil {
				t.Errorf("%s: expected error", name)
			}
		}
	})

	t.Run("model failure wrapped with capability name", func(t *testing.T) {
		c := NewChatCapability("anthropic-chat", &MockChatModel{Err: errors.New("429")})
		_, err := c.Invoke(ctx, map[string]interface{}{"prompt": "hi"})
		var capErr *Error
		if !errors.As(err, &capErr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if capErr.CapabilityName() != "anthropic-chat" {
			t.Errorf("capability = %q", capErr.CapabilityName())
		}
	})
}

func TestMockChatModel_Sequencing(t *testing.T) {
	model := &MockChatModel{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		out, err := model.Chat(ctx, []Message{{Role: RoleUser, Content: "x"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if out.Text != want {
			t.Errorf("text = %q, want %q", out.Text, want)
		}
	}
	if model.CallCount() != 3 {
		t.Errorf("call count = %d, want 3", model.CallCount())
	}

	model.Reset()
	out, _ := model.Chat(ctx, nil, nil)
	if out.Text != "first" {
		t.Errorf("after reset text = %q, want %q", out.Text, "first")
	}
}
