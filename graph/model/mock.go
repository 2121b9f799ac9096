package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Use MockChatModel to exercise workflows without making LLM API calls. It
// provides configurable responses, call history tracking, error injection
// and thread-safe operation.
//
// Example usage:
//
//	mock := &MockChatModel{
//	    Responses: []ChatOut{
//	        {Text: "First response"},
//	        {Text: "Second response"},
//	    },
//	}
//	out, err := mock.Chat(ctx, messages, nil)
//	// Returns "First response", then "Second response" on subsequent calls
//
// Example with error injection:
//
//	mock := &MockChatModel{Errs: []error{errors.New("API error"), nil}}
//	// The first call fails, the second returns a response
type MockChatModel struct {
	// Responses contains the sequence of responses to return.
	// Each call to Chat() returns the next response in order.
	// If all responses are consumed, the last response repeats.
	Responses []ChatOut

	// Err, if set, is returned by every call.
	Err error

	// Errs is consumed one entry per call before Responses is consulted.
	// A nil entry lets that call succeed.
	Errs []error

	// Respond, if set, computes the response from the messages instead of
	// using Responses.
	Respond func(messages []Message) ChatOut

	// Calls tracks the history of all Chat() invocations.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
	errIndex  int
}

// MockChatCall records a single invocation of Chat().
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// NewEchoModel returns a mock that answers with the last user message. It
// backs the "mock" provider used for local runs without API keys.
func NewEchoModel() *MockChatModel {
	return &MockChatModel{Respond: func(messages []Message) ChatOut {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == RoleUser {
				return ChatOut{Text: "echo: " + messages[i].Content}
			}
		}
		return ChatOut{Text: "echo"}
	}}
}

// Provider implements Provider.
func (m *MockChatModel) Provider() string { return "mock" }

// Chat implements the ChatModel interface. Every call is recorded in Calls
// regardless of outcome.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    tools,
	})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}

	if m.errIndex < len(m.Errs) {
		err := m.Errs[m.errIndex]
		m.errIndex++
		if err != nil {
			return ChatOut{}, err
		}
	}

	if m.Respond != nil {
		return m.Respond(messages), nil
	}

	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds responses and errors.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
	m.errIndex = 0
}

// CallCount returns the number of times Chat() has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// LastCall returns the most recent invocation, or false if there was none.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
