// Package openai provides the ChatModel adapter for OpenAI and
// OpenAI-compatible chat completion APIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/archon-go/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Provides access to OpenAI models, and to any server speaking the same
// protocol through WithBaseURL, with:
//   - Automatic retry logic for transient errors
//   - Rate limit handling
//   - Tool/function calling support
//   - Context cancellation
//
// Example usage:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}, nil)
type ChatModel struct {
	modelName  string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient defines the interface for OpenAI API operations.
// This allows for easy mocking in tests.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// Option configures a ChatModel.
type Option func(*settings)

type settings struct {
	baseURL    string
	maxRetries int
	retryDelay time.Duration
}

// WithBaseURL points the client at an OpenAI-compatible endpoint such as a
// local inference server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithRetry overrides the transient-error retry budget and base delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *settings) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// NewChatModel creates a new OpenAI ChatModel.
//
// Parameters:
//   - apiKey: OpenAI API key
//   - modelName: Model to use (e.g., "gpt-4o"). Empty string uses DefaultModel.
//
// Returns a ChatModel configured with 3 retry attempts for transient errors
// and a 1 second base delay, growing linearly for rate limits.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}

	s := settings{maxRetries: 3, retryDelay: time.Second}
	for _, opt := range opts {
		opt(&s)
	}

	return &ChatModel{
		modelName:  modelName,
		client:     newSDKClient(apiKey, modelName, s.baseURL),
		maxRetries: s.maxRetries,
		retryDelay: s.retryDelay,
	}
}

// Provider implements model.Provider.
func (m *ChatModel) Provider() string { return "openai" }

// Chat implements the model.ChatModel interface.
//
// Sends messages to OpenAI's API and returns the response.
// Automatically retries on transient errors (network issues, rate limits).
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages, tools)
		if err == nil {
			return out, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return model.ChatOut{}, ctx.Err()
		}

		if !isTransientError(err) {
			return model.ChatOut{}, err
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
			return model.ChatOut{}, ctx.Err()
		}
	}

	return model.ChatOut{}, fmt.Errorf("OpenAI API failed after %d retries: %w", m.maxRetries, lastErr)
}

// isTransientError determines if an error should trigger a retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if isRateLimitError(err) {
		return true
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500
	}

	msgLower := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"network",
		"connection",
		"temporary",
		"503",
		"502",
		"500",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}

	return false
}

// isRateLimitError checks if error is a rate limit error.
func isRateLimitError(err error) bool {
	var rateLimitErr *rateLimitError
	return errors.As(err, &rateLimitErr)
}

// rateLimitError is returned for HTTP 429 responses.
type rateLimitError struct {
	message string
}

func (e *rateLimitError) Error() string {
	return "rate limit exceeded: " + e.message
}

// statusError carries the HTTP status of any other API failure.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.code, e.message)
}

// sdkClient wraps the official openai-go client.
type sdkClient struct {
	client    openai.Client
	modelName string
	hasKey    bool
}

func newSDKClient(apiKey, modelName, baseURL string) *sdkClient {
	// Retries are handled by ChatModel.Chat.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{
		client:    openai.NewClient(opts...),
		modelName: modelName,
		hasKey:    apiKey != "" || baseURL != "",
	}
}

func (c *sdkClient) createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if !c.hasKey {
		return model.ChatOut{}, errors.New("OpenAI API key is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("OpenAI returned no choices")
	}

	msg := completion.Choices[0].Message
	out := model.ChatOut{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return model.ChatOut{}, fmt.Errorf("invalid arguments for tool %s: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out, nil
}

// translateError maps SDK API errors onto the retry classification.
func translateError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == 429 {
		return &rateLimitError{message: apiErr.Message}
	}
	return &statusError{code: apiErr.StatusCode, message: apiErr.Message}
}

// convertMessages converts our Message format to OpenAI's format.
// Unknown roles are sent as user messages.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// convertTools converts our ToolSpec format to OpenAI function tools.
func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
		}
		if tool.Schema != nil {
			fn.Parameters = shared.FunctionParameters(tool.Schema)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
