package agent

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/archon-go/graph"
	"github.com/dshills/archon-go/graph/emit"
	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/graph/store"
)

// Models holds the chat model used for each role. Roles left nil fall back
// to Primary.
type Models struct {
	Reasoner   model.ChatModel
	Primary    model.ChatModel
	Diagnostic model.ChatModel
	ToolGen    model.ChatModel
}

func (m Models) withDefaults() Models {
	if m.Reasoner == nil {
		m.Reasoner = m.Primary
	}
	if m.Diagnostic == nil {
		m.Diagnostic = m.Primary
	}
	if m.ToolGen == nil {
		m.ToolGen = m.Primary
	}
	return m
}

// Deps configures the workflow graph.
type Deps struct {
	Models Models

	// Plugins is reloaded after a generated tool is written to PluginDir.
	Plugins   Reloader
	PluginDir string

	// Store persists steps and suspension checkpoints. Defaults to an
	// in-memory store.
	Store store.Store[State]

	Emitter emit.Emitter
	Metrics *graph.PrometheusMetrics
	Logger  *zap.Logger

	// MaxSteps bounds a single run. Zero uses the engine default.
	MaxSteps int

	// RetryDelay is the base backoff between attempts of a failing step.
	// Zero retries immediately.
	RetryDelay time.Duration

	// StepTimeout bounds each attempt of a step. An attempt that overruns
	// it counts as a failure. Zero means no bound.
	StepTimeout time.Duration
}

// Steps returns every step of the workflow with its dependencies bound.
func Steps(deps Deps) []Step {
	models := deps.Models.withDefaults()
	return []Step{
		&DefineScope{Model: models.Reasoner, Logger: deps.Logger},
		&Code{Model: models.Primary, Logger: deps.Logger},
		Route{},
		&FinishConversation{Model: models.Primary, Logger: deps.Logger},
		&DiagnoseErrors{Model: models.Diagnostic, Logger: deps.Logger},
		&GenerateToolCode{Model: models.ToolGen, Logger: deps.Logger},
		&FinalizeNewTool{Plugins: deps.Plugins, Dir: deps.PluginDir, Logger: deps.Logger},
	}
}

// NewWorkflow builds and validates the conversation graph:
//
//	START -> define_scope_with_reasoner -> coder_agent -> get_next_user_message (suspend)
//	get_next_user_message -> route_user_message
//	route_user_message => coder_agent | finish_conversation | generate_tool_code
//	finish_conversation -> END
//	generate_tool_code -> finalize_new_tool -> END
//	diagnose_errors -> END
//
// Any step that exhausts its retries is rerouted to diagnose_errors. The
// returned engine is not modified afterwards and may be shared by every
// session.
func NewWorkflow(deps Deps) (*graph.Engine[State], error) {
	if deps.Models.Primary == nil {
		return nil, errors.New("agent: primary model is required")
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemStore[State]()
	}

	opts := []graph.Option{
		graph.WithLedger[State](ledger{}),
		graph.WithFallback(NodeDiagnose),
		graph.WithMetrics(deps.Metrics),
	}
	if deps.MaxSteps > 0 {
		opts = append(opts, graph.WithMaxSteps(deps.MaxSteps))
	}

	engine, err := graph.New(Reduce, st, deps.Emitter, opts...)
	if err != nil {
		return nil, err
	}

	for _, step := range Steps(deps) {
		policy := graph.NodePolicy{
			Retry: graph.RetryPolicy{
				MaxAttempts: step.MaxRetries(),
				BaseDelay:   deps.RetryDelay,
				MaxDelay:    10 * deps.RetryDelay,
			},
			Timeout: deps.StepTimeout,
		}
		if err := engine.Add(step.Name(), step, policy); err != nil {
			return nil, fmt.Errorf("add %s: %w", step.Name(), err)
		}
	}
	if err := engine.Interrupt(NodeAwaitInput); err != nil {
		return nil, err
	}

	edges := [][2]string{
		{graph.START, NodeDefineScope},
		{NodeDefineScope, NodeCoder},
		{NodeCoder, NodeAwaitInput},
		{NodeAwaitInput, NodeRoute},
		{NodeFinish, graph.END},
		{NodeGenerateTool, NodeFinalizeTool},
		{NodeFinalizeTool, graph.END},
		{NodeDiagnose, graph.END},
	}
	for _, e := range edges {
		if err := engine.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := engine.Branch(NodeRoute, map[string]string{
		LabelCoder:      NodeCoder,
		LabelFinish:     NodeFinish,
		LabelCreateTool: NodeGenerateTool,
	}); err != nil {
		return nil, err
	}

	if err := engine.Validate(); err != nil {
		return nil, err
	}
	return engine, nil
}
