package agent

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/archon-go/graph"
	"github.com/dshills/archon-go/graph/emit"
	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/graph/store"
)

var errBoom = errors.New("boom")

// fakeReloader records Reload calls.
type fakeReloader struct {
	mu    sync.Mutex
	dirs  []string
	err   error
	calls int
}

func (f *fakeReloader) Reload(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.dirs = append(f.dirs, dir)
	return f.err
}

func (f *fakeReloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	engine  *graph.Engine[State]
	store   *store.MemStore[State]
	events  *emit.BufferedEmitter
	reloads *fakeReloader
}

// newHarness builds the workflow over an in-memory store. Roles not set in
// models use an echo model.
func newHarness(t *testing.T, models Models, mutate ...func(*Deps)) *harness {
	t.Helper()
	if models.Primary == nil {
		models.Primary = model.NewEchoModel()
	}

	h := &harness{
		store:   store.NewMemStore[State](),
		events:  emit.NewBufferedEmitter(),
		reloads: &fakeReloader{},
	}
	deps := Deps{
		Models:    models,
		Plugins:   h.reloads,
		PluginDir: t.TempDir(),
		Store:     h.store,
		Emitter:   h.events,
	}
	for _, m := range mutate {
		m(&deps)
	}

	engine, err := NewWorkflow(deps)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func reply(text string) *model.MockChatModel {
	return &model.MockChatModel{Responses: []model.ChatOut{{Text: text}}}
}

func failing(err error) *model.MockChatModel {
	return &model.MockChatModel{Err: err}
}
