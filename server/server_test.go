package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/archon-go/agent"
	"github.com/dshills/archon-go/graph"
	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/plugin"
)

type fixture struct {
	srv       *httptest.Server
	sessions  *agent.Sessions
	registry  *prometheus.Registry
	pluginDir string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)

	engine, err := agent.NewWorkflow(agent.Deps{
		Models:    agent.Models{Primary: model.NewEchoModel()},
		Plugins:   plugin.NewRegistry(nil),
		PluginDir: t.TempDir(),
		Metrics:   metrics,
	})
	require.NoError(t, err)

	sessions := agent.NewSessions(engine, agent.WithSessionMetrics(metrics))
	pluginDir := t.TempDir()
	opts = append([]Option{
		WithPlugins(plugin.NewRegistry(nil), pluginDir),
		WithGatherer(registry),
		WithRequestTimeout(10 * time.Second),
	}, opts...)
	s := New(sessions, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &fixture{srv: srv, sessions: sessions, registry: registry, pluginDir: pluginDir}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	resp, err := http.Post(f.srv.URL+path, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestStartResumeFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/start_flow", FlowRequest{UserMessage: "hello", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	start := decode[FlowResponse](t, body)
	assert.Equal(t, agent.StatusSuspended, start.Status)
	assert.Equal(t, "s1", start.SessionID)
	assert.Equal(t, "hello", start.State.LatestUserMessage)

	raw := decode[map[string]interface{}](t, body)
	assert.Equal(t, "suspended", raw["result"])
	assert.Contains(t, raw, "state")

	resp, body = f.post(t, "/resume_flow", FlowRequest{UserMessage: "finish", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	done := decode[FlowResponse](t, body)
	assert.Equal(t, agent.StatusCompleted, done.Status)
	assert.Equal(t, "finish", done.State.LatestUserMessage)

	resp, _ = f.post(t, "/resume_flow", FlowRequest{UserMessage: "again", SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDefaultSession(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/start_flow", FlowRequest{UserMessage: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.DefaultSessionID, decode[FlowResponse](t, body).SessionID)

	resp, body = f.post(t, "/resume_flow", FlowRequest{UserMessage: "more"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.StatusSuspended, decode[FlowResponse](t, body).Status)
}

func TestFlowErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"resume unknown session", "/resume_flow", FlowRequest{UserMessage: "hi", SessionID: "nobody"}, http.StatusConflict},
		{"empty message", "/start_flow", FlowRequest{UserMessage: " "}, http.StatusBadRequest},
		{"malformed json", "/start_flow", "{not json", http.StatusBadRequest},
		{"malformed reset", "/reset_session", "[", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[ErrorResponse](t, body).Error)
		})
	}

	assert.Zero(t, f.sessions.Len(), "failed requests create no sessions")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/start_flow")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResetSession(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/start_flow", FlowRequest{UserMessage: "hello", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, "/reset_session", FlowRequest{SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ResetResponse{Status: "session reset", SessionID: "s1"}, decode[ResetResponse](t, body))
	assert.Zero(t, f.sessions.Len())

	resp, _ = f.post(t, "/resume_flow", FlowRequest{UserMessage: "hi", SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.post(t, "/reset_session", FlowRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.DefaultSessionID, decode[ResetResponse](t, body).SessionID)
}

func TestPluginsHealthMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/plugins")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[PluginsResponse](t, body)
	require.Len(t, listing.Tools, 1)
	assert.Equal(t, "echo_tool", listing.Tools[0].Name)

	f.post(t, "/start_flow", FlowRequest{UserMessage: "hello"})

	resp, body = f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]interface{}](t, body)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["sessions"])

	resp, body = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "archon_suspensions_total 1")
	assert.Contains(t, string(body), "archon_active_sessions 1")
}

func TestReloadPlugins(t *testing.T) {
	f := newFixture(t)

	manifest := "name: greet\ndescription: Greets\nkind: template\ntemplate: \"Hi {{.name}}\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.pluginDir, "greet.yaml"), []byte(manifest), 0o600))

	resp, body := f.post(t, "/plugins/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	listing := decode[PluginsResponse](t, body)
	require.Len(t, listing.Tools, 2)
	assert.Equal(t, "greet", listing.Tools[1].Name)

	require.NoError(t, os.WriteFile(filepath.Join(f.pluginDir, "broken.yaml"), []byte("kind: [\n"), 0o600))
	resp, body = f.post(t, "/plugins/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, body).Error, "broken.yaml")

	_, body = f.get(t, "/plugins")
	assert.Contains(t, string(body), "greet", "a failed reload keeps the previous tools")
}

func TestRunTool(t *testing.T) {
	f := newFixture(t)

	manifest := "name: greet\ndescription: Greets\nkind: template\ntemplate: \"Hi {{.name}}\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.pluginDir, "greet.yaml"), []byte(manifest), 0o600))
	resp, body := f.post(t, "/plugins/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	t.Run("loaded plugin", func(t *testing.T) {
		resp, body := f.post(t, "/plugins/greet/run", RunToolRequest{Input: map[string]interface{}{"name": "Ada"}})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		out := decode[RunToolResponse](t, body)
		assert.Equal(t, "greet", out.Tool)
		assert.Equal(t, "Hi Ada", out.Output["output"])
	})

	t.Run("built-in tool", func(t *testing.T) {
		resp, body := f.post(t, "/plugins/echo_tool/run", `{"input":{"text":"hi"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.Equal(t, "Echo: hi", decode[RunToolResponse](t, body).Output["output"])
	})

	t.Run("unknown tool", func(t *testing.T) {
		resp, body := f.post(t, "/plugins/missing/run", `{"input":{}}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, decode[ErrorResponse](t, body).Error, "missing")
	})

	t.Run("tool failure", func(t *testing.T) {
		resp, body := f.post(t, "/plugins/echo_tool/run", `{}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, decode[ErrorResponse](t, body).Error, "echo_tool")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, _ := f.post(t, "/plugins/greet/run", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestOptionalRoutes(t *testing.T) {
	engine, err := agent.NewWorkflow(agent.Deps{Models: agent.Models{Primary: model.NewEchoModel()}})
	require.NoError(t, err)
	h := New(agent.NewSessions(engine)).Handler(context.Background())

	for _, path := range []string{"/plugins", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		resp, _ := f.get(t, "/health")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too many requests", decode[ErrorResponse](t, body).Error)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}), Recovery(zap.New(core)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kaboom", logs.All()[0].ContextMap()["error"])
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestLogger(zap.New(core)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/start_flow", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/start_flow", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.NotFoundHandler(), mark("a"), mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", errMalformedRequest), http.StatusBadRequest},
		{agent.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("resume: %w", agent.ErrSessionNotSuspended), http.StatusConflict},
		{fmt.Errorf("tool x: %w", plugin.ErrUnknownTool), http.StatusNotFound},
		{fmt.Errorf("%w: %w", errToolFailed, errors.New("exit 1")), http.StatusBadGateway},
		{fmt.Errorf("traversal: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{&graph.EngineError{Code: "NO_ROUTE", Message: "no route"}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	engine, err := agent.NewWorkflow(agent.Deps{Models: agent.Models{Primary: model.NewEchoModel()}})
	require.NoError(t, err)
	s := New(agent.NewSessions(engine))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx, HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
