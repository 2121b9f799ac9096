package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/archon-go/agent"
	"github.com/dshills/archon-go/plugin"
)

// Actions accepted by the flow endpoints and WebSocket frames.
const (
	ActionStart  = "start"
	ActionResume = "resume"
	ActionReset  = "reset"
)

// ResetStatus is the status text of a successful reset.
const ResetStatus = "session reset"

// FlowRequest is the body of /start_flow, /resume_flow and /reset_session.
type FlowRequest struct {
	UserMessage string `json:"user_message"`
	SessionID   string `json:"session_id,omitempty"`
}

// FlowResponse answers a start or resume.
type FlowResponse struct {
	agent.RunResult
	SessionID string `json:"session_id"`
}

// ResetResponse answers a reset.
type ResetResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// PluginsResponse lists registered tools.
type PluginsResponse struct {
	Tools []plugin.Info `json:"tools"`
}

// RunToolRequest is the body of POST /plugins/{name}/run.
type RunToolRequest struct {
	Input map[string]interface{} `json:"input"`
}

// RunToolResponse carries a tool's output.
type RunToolResponse struct {
	Tool       string                 `json:"tool"`
	Output     map[string]interface{} `json:"output"`
	DurationMS int64                  `json:"duration_ms"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

var (
	errMalformedRequest = errors.New("malformed request")
	errToolFailed       = errors.New("tool failed")
)

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	s.serveFlow(w, r, ActionStart)
}

func (s *Server) handleResumeFlow(w http.ResponseWriter, r *http.Request) {
	s.serveFlow(w, r, ActionResume)
}

func (s *Server) serveFlow(w http.ResponseWriter, r *http.Request, action string) {
	var req FlowRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.flow(r.Context(), action, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	var req FlowRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.reset(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// flow starts or resumes a session. The traversal outlives a client
// disconnect; only the request timeout stops it.
func (s *Server) flow(ctx context.Context, action string, req FlowRequest) (FlowResponse, error) {
	ctx = context.WithoutCancel(ctx)
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	if strings.TrimSpace(req.UserMessage) == "" {
		return FlowResponse{}, agent.ErrEmptyMessage
	}

	var (
		id  string
		res agent.RunResult
		err error
	)
	switch action {
	case ActionStart:
		id, res, err = s.sessions.StartFlow(ctx, req.SessionID, req.UserMessage)
	case ActionResume:
		id, res, err = s.sessions.ResumeFlow(ctx, req.SessionID, req.UserMessage)
	default:
		return FlowResponse{}, fmt.Errorf("%w: unknown action %q", errMalformedRequest, action)
	}
	if err != nil {
		return FlowResponse{}, err
	}
	return FlowResponse{RunResult: res, SessionID: id}, nil
}

func (s *Server) reset(ctx context.Context, id string) (ResetResponse, error) {
	if id == "" {
		id = s.sessions.DefaultID()
	}
	if _, err := s.sessions.Reset(ctx, id); err != nil {
		return ResetResponse{}, err
	}
	return ResetResponse{Status: ResetStatus, SessionID: id}, nil
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PluginsResponse{Tools: s.plugins.List()})
}

// handleReloadPlugins answers 422 when the directory does not load; the
// previous tools stay registered.
func (s *Server) handleReloadPlugins(w http.ResponseWriter, _ *http.Request) {
	if err := s.plugins.Reload(s.pluginDir); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	s.handlePlugins(w, nil)
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req RunToolRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.runTool(r.Context(), r.PathValue("name"), req.Input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runTool calls a registered tool under the request timeout. Unlike a flow
// it stops when the client goes away.
func (s *Server) runTool(ctx context.Context, name string, input map[string]interface{}) (RunToolResponse, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := s.plugins.Run(ctx, name, input)
	switch {
	case err == nil:
	case errors.Is(err, plugin.ErrUnknownTool), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RunToolResponse{}, err
	default:
		return RunToolResponse{}, fmt.Errorf("%w: %w", errToolFailed, err)
	}
	return RunToolResponse{Tool: name, Output: out, DurationMS: time.Since(start).Milliseconds()}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Len(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	return nil
}

// statusFor maps a request error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformedRequest), errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, plugin.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrSessionNotSuspended):
		return http.StatusConflict
	case errors.Is(err, errToolFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
