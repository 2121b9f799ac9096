package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/archon-go/graph"
	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/plugin"
)

// Node identifiers. Each doubles as the step's retry-counter key.
const (
	NodeDefineScope  = "define_scope_with_reasoner"
	NodeCoder        = "coder_agent"
	NodeAwaitInput   = "get_next_user_message"
	NodeRoute        = "route_user_message"
	NodeFinish       = "finish_conversation"
	NodeDiagnose     = "diagnose_errors"
	NodeGenerateTool = "generate_tool_code"
	NodeFinalizeTool = "finalize_new_tool"
)

// Router labels produced by the route step.
const (
	LabelCoder      = "coder_agent"
	LabelFinish     = "finish_conversation"
	LabelCreateTool = "create_tool"
)

// Status and feedback texts written into State.
const (
	StatusNoCode   = "No code generated."
	NoErrorsText   = "No errors to diagnose."
	diagnoseWindow = 3
)

// Step is one named unit of work in the workflow.
type Step interface {
	graph.Node[State]

	// Name is the graph node ID and retry-counter key.
	Name() string

	// MaxRetries is the total number of attempts before escalation.
	MaxRetries() int
}

// Reloader rescans a plugin directory. *plugin.Registry implements it.
type Reloader interface {
	Reload(dir string) error
}

// DefineScope asks the reasoner for a scope document.
type DefineScope struct {
	Model  model.ChatModel
	Logger *zap.Logger
}

func (*DefineScope) Name() string    { return NodeDefineScope }
func (*DefineScope) MaxRetries() int { return 2 }

func (d *DefineScope) Run(ctx context.Context, s State) graph.NodeResult[State] {
	scope, err := model.Invoke(ctx, d.Model, reasonerSystemPrompt, fmt.Sprintf(scopePromptFormat, s.LatestUserMessage))
	if err != nil {
		return graph.Fail[State](err)
	}
	logger(d.Logger).Debug("Scope defined", zap.String("node", NodeDefineScope), zap.Int("length", len(scope)))
	return graph.NodeResult[State]{Delta: State{Scope: scope}}
}

// Code runs the primary coding model over the scope and conversation.
type Code struct {
	Model  model.ChatModel
	Logger *zap.Logger
}

func (*Code) Name() string    { return NodeCoder }
func (*Code) MaxRetries() int { return 2 }

func (c *Code) Run(ctx context.Context, s State) graph.NodeResult[State] {
	messages := make([]model.Message, 0, len(s.Messages)+3)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: coderSystemPrompt})
	if s.Scope != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: fmt.Sprintf(scopeContextFormat, s.Scope)})
	}
	messages = append(messages, s.Messages...)
	user := model.Message{Role: model.RoleUser, Content: s.LatestUserMessage}
	messages = append(messages, user)

	reply, err := model.Complete(ctx, c.Model, messages)
	if err != nil {
		return graph.Fail[State](err)
	}
	logger(c.Logger).Debug("Coder replied", zap.String("node", NodeCoder), zap.Int("history", len(s.Messages)))
	return graph.NodeResult[State]{Delta: State{Messages: []model.Message{
		user,
		{Role: model.RoleAssistant, Content: reply},
	}}}
}

// Route classifies the latest user message. It calls no model.
type Route struct{}

func (Route) Name() string    { return NodeRoute }
func (Route) MaxRetries() int { return 1 }

func (Route) Run(_ context.Context, s State) graph.NodeResult[State] {
	return graph.NodeResult[State]{Route: graph.Choose(Classify(s.LatestUserMessage))}
}

// Classify maps a user message to a router label, case-insensitively:
// anything mentioning "finish" ends the conversation, "create tool" or
// "new plugin" starts tool generation, and everything else goes back to the
// coder.
func Classify(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "finish"):
		return LabelFinish
	case strings.Contains(lower, "create tool"), strings.Contains(lower, "new plugin"):
		return LabelCreateTool
	default:
		return LabelCoder
	}
}

// FinishConversation says goodbye.
type FinishConversation struct {
	Model  model.ChatModel
	Logger *zap.Logger
}

func (*FinishConversation) Name() string    { return NodeFinish }
func (*FinishConversation) MaxRetries() int { return 1 }

func (f *FinishConversation) Run(ctx context.Context, s State) graph.NodeResult[State] {
	goodbye, err := model.Invoke(ctx, f.Model, finishSystemPrompt, fmt.Sprintf(finishPromptFormat, s.LatestUserMessage))
	if err != nil {
		return graph.Fail[State](err)
	}
	return graph.NodeResult[State]{Delta: State{Messages: []model.Message{{Role: model.RoleAssistant, Content: goodbye}}}}
}

// DiagnoseErrors summarises the most recent errors. It is the workflow's
// fallback and reports its own failures as feedback text instead of
// failing.
type DiagnoseErrors struct {
	Model  model.ChatModel
	Logger *zap.Logger
}

func (*DiagnoseErrors) Name() string    { return NodeDiagnose }
func (*DiagnoseErrors) MaxRetries() int { return 1 }

func (d *DiagnoseErrors) Run(ctx context.Context, s State) graph.NodeResult[State] {
	if len(s.ErrorLog) == 0 {
		return graph.NodeResult[State]{Delta: State{DiagnosticFeedback: NoErrorsText}}
	}

	recent := s.ErrorLog[max(0, len(s.ErrorLog)-diagnoseWindow):]
	feedback, err := model.Invoke(ctx, d.Model, diagnosticSystemPrompt, fmt.Sprintf(diagnosticPromptFormat, strings.Join(recent, "\n\n")))
	if err != nil {
		if ctx.Err() != nil {
			return graph.Fail[State](ctx.Err())
		}
		logger(d.Logger).Warn("Diagnostic model failed", zap.String("node", NodeDiagnose), zap.Error(err))
		feedback = fmt.Sprintf("Diagnostic Agent failed: %v\nTraceback:\n%s", err, errorTrace(err))
	}
	return graph.NodeResult[State]{Delta: State{DiagnosticFeedback: feedback}}
}

// GenerateToolCode asks the tool generator for a plugin manifest.
type GenerateToolCode struct {
	Model  model.ChatModel
	Logger *zap.Logger
}

func (*GenerateToolCode) Name() string    { return NodeGenerateTool }
func (*GenerateToolCode) MaxRetries() int { return 2 }

func (g *GenerateToolCode) Run(ctx context.Context, s State) graph.NodeResult[State] {
	code, err := model.Invoke(ctx, g.Model, toolGeneratorSystemPrompt, fmt.Sprintf(toolPromptFormat, s.LatestUserMessage))
	if err != nil {
		return graph.Fail[State](err)
	}
	return graph.NodeResult[State]{Delta: State{GeneratedCode: stripCodeFences(code)}}
}

// stripCodeFences removes a surrounding Markdown code fence, if any.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// FinalizeNewTool installs the generated manifest and reloads the plugin
// registry.
//
// Empty or whitespace-only code short-circuits with StatusNoCode and
// touches neither the directory nor the registry. If the reload rejects the
// new manifest, the file is removed again and the step fails.
type FinalizeNewTool struct {
	Plugins Reloader
	Dir     string
	Logger  *zap.Logger
}

func (*FinalizeNewTool) Name() string    { return NodeFinalizeTool }
func (*FinalizeNewTool) MaxRetries() int { return 1 }

func (f *FinalizeNewTool) Run(ctx context.Context, s State) graph.NodeResult[State] {
	if strings.TrimSpace(s.GeneratedCode) == "" {
		return graph.NodeResult[State]{Delta: State{ToolCreationStatus: StatusNoCode}}
	}
	if err := ctx.Err(); err != nil {
		return graph.Fail[State](err)
	}
	if f.Plugins == nil {
		return graph.Fail[State](errors.New("no plugin registry configured"))
	}

	path, err := plugin.WriteManifest(f.Dir, plugin.GeneratedFileName, []byte(s.GeneratedCode+"\n"))
	if err != nil {
		return graph.Fail[State](err)
	}
	if err := f.Plugins.Reload(f.Dir); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			logger(f.Logger).Warn("Failed to remove rejected plugin", zap.String("path", path), zap.Error(rmErr))
		}
		return graph.Fail[State](fmt.Errorf("plugin rejected: %w", err))
	}

	logger(f.Logger).Info("Plugin created",
		zap.String("node", NodeFinalizeTool),
		zap.String("path", path))
	return graph.NodeResult[State]{Delta: State{ToolCreationStatus: "Plugin created: " + filepath.Base(path)}}
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
