// Package model provides LLM integration adapters.
package model

import (
	"context"
	"fmt"
	"strings"
)

// ChatModel defines the interface for LLM chat providers.
//
// This interface abstracts the differences between providers (OpenAI,
// Anthropic, Google, local OpenAI-compatible servers) behind a single call.
//
// Implementations should:
//   - Convert the standard Message format to the provider's format
//   - Parse provider responses back into ChatOut
//   - Respect context cancellation and timeouts
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}, nil)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response.
	//
	// tools may be nil. Providers that do not support tool calling ignore it.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
//
// Messages are stored verbatim in the conversation state, so they carry
// JSON tags and are persisted with every checkpoint.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string `json:"role"`

	// Content contains the message text.
	Content string `json:"content"`
}

// Standard role constants for LLM conversations.
const (
	// RoleSystem indicates a system message that sets context or instructions.
	RoleSystem = "system"

	// RoleUser indicates a message from the human user.
	RoleUser = "user"

	// RoleAssistant indicates a response from the LLM.
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool that an LLM can call.
//
// Schema follows JSON Schema and describes the expected input parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the LLM's generated response.
	// May be empty if the LLM only wants to call tools.
	Text string

	// ToolCalls contains tools the LLM wants to invoke.
	ToolCalls []ToolCall
}

// ToolCall represents a request from the LLM to invoke a specific tool.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// Error is returned by Invoke and Complete when the underlying provider
// fails or produces no text. It carries the provider name for logs and
// diagnostics.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model %s: %v", e.Provider, e.Err)
}

// Unwrap returns the provider error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Provider is implemented by models that can name their backend.
type Provider interface {
	Provider() string
}

// ProviderName returns m's provider name, falling back to its type.
func ProviderName(m ChatModel) string {
	if p, ok := m.(Provider); ok {
		return p.Provider()
	}
	return fmt.Sprintf("%T", m)
}

// Complete sends messages to m and returns the trimmed response text.
//
// Provider failures and empty responses are returned as *Error. Context
// errors are returned unwrapped so callers can tell cancellation from a
// failing provider.
func Complete(ctx context.Context, m ChatModel, messages []Message) (string, error) {
	if m == nil {
		return "", &Error{Provider: "none", Err: fmt.Errorf("no model configured")}
	}

	out, err := m.Chat(ctx, messages, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Provider: ProviderName(m), Err: err}
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", &Error{Provider: ProviderName(m), Err: fmt.Errorf("empty response")}
	}
	return text, nil
}

// Invoke is the single-prompt form of Complete. An empty system prompt is
// omitted.
func Invoke(ctx context.Context, m ChatModel, system, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})
	return Complete(ctx, m, messages)
}
