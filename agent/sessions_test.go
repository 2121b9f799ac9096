package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/archon-go/graph/model"
)

func TestSessionsGet(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine)

	a := s.Get("a")
	assert.Same(t, a, s.Get("a"))
	assert.Equal(t, "a", a.SessionID())

	def := s.Get("")
	assert.Equal(t, DefaultSessionID, def.SessionID())
	assert.Same(t, def, s.Get(DefaultSessionID))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"a", DefaultSessionID}, s.IDs())

	_, ok := s.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len(), "Lookup never creates a session")
}

func TestSessionsDefaultID(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine, WithDefaultID("lobby"))

	assert.Equal(t, "lobby", s.Get("").SessionID())
	assert.Equal(t, []string{"lobby"}, s.IDs())

	s = NewSessions(h.engine, WithDefaultID(""))
	assert.Equal(t, DefaultSessionID, s.Get("").SessionID())
}

func TestSessionsReset(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine)

	o := s.Get("a")
	_, err := o.StartFlow(context.Background(), "hello")
	require.NoError(t, err)
	runs := h.events.Runs()
	require.Len(t, runs, 1)

	existed, err := s.Reset(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, s.Len())

	_, err = h.store.LoadCheckpoint(context.Background(), runs[0])
	assert.Error(t, err)

	fresh := s.Get("a")
	assert.NotSame(t, o, fresh)
	_, err = fresh.ResumeFlow(context.Background(), "continue")
	assert.ErrorIs(t, err, ErrSessionNotSuspended)

	existed, err = s.Reset(context.Background(), "never-created")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSessionIsolation(t *testing.T) {
	reasoner := &model.MockChatModel{Respond: func(messages []model.Message) model.ChatOut {
		last := messages[len(messages)-1].Content
		return model.ChatOut{Text: "scope for " + last}
	}}
	h := newHarness(t, Models{Reasoner: reasoner})
	s := NewSessions(h.engine)

	const n = 8
	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("session-%d", i)
		g.Go(func() error {
			o := s.Get(id)
			if _, err := o.StartFlow(context.Background(), "hello from "+id); err != nil {
				return err
			}
			for j := 0; j < 3; j++ {
				if _, err := o.ResumeFlow(context.Background(), fmt.Sprintf("step %d for %s", j, id)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, n, s.Len())

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("session-%d", i)
		state := s.Get(id).State()

		assert.Len(t, state.Messages, 8, id)
		for _, m := range state.Messages {
			assert.True(t, strings.HasSuffix(m.Content, id), "%s saw %q", id, m.Content)
		}
		assert.Contains(t, state.Scope, id)
		assert.Empty(t, state.ErrorLog)
		assert.Equal(t, fmt.Sprintf("step 2 for %s", id), state.LatestUserMessage)
	}
}

func TestSessionIsolationOfErrors(t *testing.T) {
	flaky := &model.MockChatModel{Respond: func(messages []model.Message) model.ChatOut {
		last := messages[len(messages)-1].Content
		if strings.Contains(last, "bad") {
			return model.ChatOut{} // empty text fails the step
		}
		return model.ChatOut{Text: "ok"}
	}}
	h := newHarness(t, Models{Reasoner: flaky})
	s := NewSessions(h.engine)

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.Get("bad").StartFlow(context.Background(), "bad request")
		return err
	})
	g.Go(func() error {
		_, err := s.Get("good").StartFlow(context.Background(), "good request")
		return err
	})
	require.NoError(t, g.Wait())

	bad := s.Get("bad").State()
	good := s.Get("good").State()

	assert.Len(t, bad.ErrorLog, 2)
	assert.Equal(t, 2, bad.ErrorRetries[NodeDefineScope])
	assert.Empty(t, good.ErrorLog)
	assert.Equal(t, 0, good.ErrorRetries[NodeDefineScope])
}

func TestJanitor(t *testing.T) {
	t.Run("disabled without ttl", func(t *testing.T) {
		h := newHarness(t, Models{})
		s := NewSessions(h.engine)
		assert.NoError(t, s.Janitor(context.Background()))
	})

	t.Run("stops on cancel", func(t *testing.T) {
		h := newHarness(t, Models{})
		s := NewSessions(h.engine, WithIdleTTL(time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Janitor(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("janitor did not stop")
		}
	})

	t.Run("evicts idle sessions", func(t *testing.T) {
		h := newHarness(t, Models{})
		s := NewSessions(h.engine, WithIdleTTL(time.Minute))

		idle := s.Get("idle")
		_, err := idle.StartFlow(context.Background(), "hello")
		require.NoError(t, err)
		busy := s.Get("busy")
		s.Get("fresh")

		busy.mu.Lock()
		defer busy.mu.Unlock()

		// Everything is idle an hour from now, but busy is mid-traversal.
		n := s.evictIdle(context.Background(), time.Now().Add(time.Hour))
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"busy"}, s.IDs())
		assert.False(t, idle.Suspended())

		n = s.evictIdle(context.Background(), time.Now())
		assert.Zero(t, n, "recently used sessions stay")
	})
}

func TestSessionsFetchedSessionSurvivesEviction(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine, WithIdleTTL(time.Minute))
	ctx := context.Background()

	o := s.Get("a")
	_, err := o.StartFlow(ctx, "hello")
	require.NoError(t, err)
	o.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	// Fetching marks the session used before the map lock is released.
	fetched, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Zero(t, s.evictIdle(ctx, time.Now()))

	res, err := fetched.ResumeFlow(ctx, "continue")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	assert.Equal(t, []string{"a"}, s.IDs())
}

func TestSessionsEvictedOrchestratorRefusesFlows(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine, WithIdleTTL(time.Minute))
	ctx := context.Background()

	stale := s.Get("a")
	_, err := stale.StartFlow(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, s.evictIdle(ctx, time.Now().Add(time.Hour)))

	_, err = stale.StartFlow(ctx, "again")
	assert.ErrorIs(t, err, ErrSessionEvicted)
	_, err = stale.ResumeFlow(ctx, "continue")
	assert.ErrorIs(t, err, ErrSessionEvicted)
	assert.Zero(t, s.Len(), "a stale orchestrator never reinserts itself")

	_, _, err = s.ResumeFlow(ctx, "a", "continue")
	assert.ErrorIs(t, err, ErrSessionNotSuspended)

	id, res, err := s.StartFlow(ctx, "a", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	assert.Equal(t, StatusSuspended, res.Status)
	assert.NotSame(t, stale, s.Get("a"))
}

func TestSessionsFlowHelpers(t *testing.T) {
	h := newHarness(t, Models{})
	s := NewSessions(h.engine)
	ctx := context.Background()

	_, _, err := s.ResumeFlow(ctx, "", "continue")
	assert.ErrorIs(t, err, ErrSessionNotSuspended)
	assert.Zero(t, s.Len(), "resume never creates a session")

	id, res, err := s.StartFlow(ctx, "", "hello")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionID, id)
	assert.Equal(t, StatusSuspended, res.Status)

	id, res, err = s.ResumeFlow(ctx, "", "continue")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionID, id)
	assert.Equal(t, StatusSuspended, res.Status)
}
