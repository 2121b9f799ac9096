// Package agent implements the conversational workflow: the shared
// conversation state, the steps that operate on it, the graph wiring them
// together and the per-session orchestrators that drive it.
package agent

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dshills/archon-go/graph/model"
)

// State is the conversation record threaded through every step.
//
// Steps never replace it. Each step returns a partial State that Reduce
// merges into the accumulated one. Messages and ErrorLog only ever grow, and
// ErrorRetries keeps one counter per step for the lifetime of the session.
type State struct {
	LatestUserMessage  string          `json:"latest_user_message"`
	Messages           []model.Message `json:"messages"`
	Scope              string          `json:"scope"`
	ErrorLog           []string        `json:"error_log"`
	ErrorRetries       map[string]int  `json:"error_retries"`
	GeneratedCode      string          `json:"generated_code,omitempty"`
	ToolCreationStatus string          `json:"tool_creation_status,omitempty"`
	DiagnosticFeedback string          `json:"diagnostic_feedback,omitempty"`
}

// NewState returns the initial state for a conversation opened with msg.
func NewState(msg string) State {
	return State{
		LatestUserMessage: msg,
		Messages:          []model.Message{},
		ErrorLog:          []string{},
		ErrorRetries:      map[string]int{},
	}
}

// Reduce merges delta into prev.
//
// Non-empty scalar fields of delta overwrite prev. Messages and ErrorLog are
// appended. ErrorRetries is merged key by key. The result never shares
// backing arrays or maps with prev, so states already handed to the store
// stay as they were.
func Reduce(prev, delta State) State {
	if delta.LatestUserMessage != "" {
		prev.LatestUserMessage = delta.LatestUserMessage
	}
	if delta.Scope != "" {
		prev.Scope = delta.Scope
	}
	if delta.GeneratedCode != "" {
		prev.GeneratedCode = delta.GeneratedCode
	}
	if delta.ToolCreationStatus != "" {
		prev.ToolCreationStatus = delta.ToolCreationStatus
	}
	if delta.DiagnosticFeedback != "" {
		prev.DiagnosticFeedback = delta.DiagnosticFeedback
	}

	if len(delta.Messages) > 0 {
		prev.Messages = append(slices.Clip(prev.Messages), delta.Messages...)
	}
	if len(delta.ErrorLog) > 0 {
		prev.ErrorLog = append(slices.Clip(prev.ErrorLog), delta.ErrorLog...)
	}
	if len(delta.ErrorRetries) > 0 {
		merged := maps.Clone(prev.ErrorRetries)
		if merged == nil {
			merged = make(map[string]int, len(delta.ErrorRetries))
		}
		maps.Copy(merged, delta.ErrorRetries)
		prev.ErrorRetries = merged
	}
	return prev
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Messages = slices.Clone(s.Messages)
	s.ErrorLog = slices.Clone(s.ErrorLog)
	s.ErrorRetries = maps.Clone(s.ErrorRetries)
	return s
}

// ledger records step failures in the conversation state.
type ledger struct{}

func (ledger) Attempts(s State, nodeID string) int {
	return s.ErrorRetries[nodeID]
}

func (ledger) Failed(s State, nodeID string, err error, attempt int) State {
	return Reduce(s, State{
		ErrorLog:     []string{FormatError(nodeID, err)},
		ErrorRetries: map[string]int{nodeID: attempt},
	})
}

func (ledger) Succeeded(s State, nodeID string) State {
	return Reduce(s, State{ErrorRetries: map[string]int{nodeID: 0}})
}

// FormatError renders an error log entry. The traceback lists the wrapped
// error chain from the outermost error inwards.
func FormatError(nodeID string, err error) string {
	return fmt.Sprintf("Error in node '%s': %v\nTraceback:\n%s", nodeID, err, errorTrace(err))
}

func errorTrace(err error) string {
	var sb strings.Builder
	depth := 0
	for e := err; e != nil; depth++ {
		fmt.Fprintf(&sb, "%s%T: %v\n", strings.Repeat("  ", depth), e, e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			// Joined errors: render every branch at the next depth.
			for _, inner := range u.Unwrap() {
				fmt.Fprintf(&sb, "%s%T: %v\n", strings.Repeat("  ", depth+1), inner, inner)
			}
			e = nil
		default:
			e = errors.Unwrap(e)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
