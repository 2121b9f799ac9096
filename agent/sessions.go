package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/archon-go/graph"
)

// DefaultSessionID is used when a caller does not name a session.
const DefaultSessionID = "default"

// Sessions maps session IDs to orchestrators, creating them on first use.
//
// The map lock is held only to insert, look up or remove. Traversals run
// under each orchestrator's own lock, so sessions never wait on each other.
type Sessions struct {
	engine  *graph.Engine[State]
	logger  *zap.Logger
	metrics *graph.PrometheusMetrics
	idleTTL time.Duration
	defID   string

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithIdleTTL evicts sessions idle for longer than ttl once Janitor is
// running. Zero keeps sessions until they are reset.
func WithIdleTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) { s.idleTTL = ttl }
}

// WithDefaultID replaces DefaultSessionID as the session used when a caller
// names none.
func WithDefaultID(id string) SessionOption {
	return func(s *Sessions) {
		if id != "" {
			s.defID = id
		}
	}
}

// WithSessionMetrics reports the number of live sessions.
func WithSessionMetrics(m *graph.PrometheusMetrics) SessionOption {
	return func(s *Sessions) { s.metrics = m }
}

// WithSessionLogger sets the logger handed to every orchestrator.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Sessions) { s.logger = l }
}

// NewSessions creates an empty session map over engine.
func NewSessions(engine *graph.Engine[State], opts ...SessionOption) *Sessions {
	s := &Sessions{
		engine:   engine,
		logger:   zap.NewNop(),
		defID:    DefaultSessionID,
		sessions: make(map[string]*Orchestrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sessions) normalizeID(id string) string {
	if id == "" {
		return s.defID
	}
	return id
}

// DefaultID returns the session used when a caller names none.
func (s *Sessions) DefaultID() string { return s.defID }

// Get returns the orchestrator for id, creating it if needed, and marks it
// used. An empty id means the default session.
func (s *Sessions) Get(id string) *Orchestrator {
	id = s.normalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.sessions[id]
	if !ok {
		o = NewOrchestrator(id, s.engine, s.logger)
		s.sessions[id] = o
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	o.touch()
	return o
}

// Lookup returns the orchestrator for id without creating one. A found
// session is marked used.
func (s *Sessions) Lookup(id string) (*Orchestrator, bool) {
	id = s.normalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.sessions[id]
	if ok {
		o.touch()
	}
	return o, ok
}

// StartFlow starts a new conversation in session id. It returns the ID the
// session was normalised to.
func (s *Sessions) StartFlow(ctx context.Context, id, msg string) (string, RunResult, error) {
	for {
		o := s.Get(id)
		res, err := o.StartFlow(ctx, msg)
		if errors.Is(err, ErrSessionEvicted) {
			continue
		}
		return o.SessionID(), res, err
	}
}

// ResumeFlow resumes session id. An unknown session, or one evicted while
// the call waited for it, is not suspended.
func (s *Sessions) ResumeFlow(ctx context.Context, id, msg string) (string, RunResult, error) {
	o, ok := s.Lookup(id)
	if !ok {
		return s.normalizeID(id), RunResult{}, ErrSessionNotSuspended
	}
	res, err := o.ResumeFlow(ctx, msg)
	if errors.Is(err, ErrSessionEvicted) {
		err = ErrSessionNotSuspended
	}
	return o.SessionID(), res, err
}

// Reset forgets session id and everything persisted for it. It reports
// whether the session existed; resetting an unknown session is not an
// error.
func (s *Sessions) Reset(ctx context.Context, id string) (bool, error) {
	id = s.normalizeID(id)

	s.mu.Lock()
	o, ok := s.sessions[id]
	delete(s.sessions, id)
	s.metrics.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, o.Close(ctx)
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns the live session IDs in sorted order.
func (s *Sessions) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Janitor evicts idle sessions until ctx is cancelled. It returns at once
// when no idle TTL is configured.
func (s *Sessions) Janitor(ctx context.Context) error {
	if s.idleTTL <= 0 {
		return nil
	}

	interval := max(s.idleTTL/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := s.evictIdle(ctx, now); n > 0 {
				s.logger.Info("Evicted idle sessions", zap.Int("count", n), zap.Int("remaining", s.Len()))
			}
		}
	}
}

// evictIdle removes sessions idle since before now-idleTTL. Sessions with a
// traversal in progress are skipped. An evicted orchestrator refuses further
// flows, so a caller still holding one cannot run on a session the map has
// forgotten.
func (s *Sessions) evictIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	var idle []*Orchestrator
	for id, o := range s.sessions {
		if !o.idleSince().Before(cutoff) || !o.mu.TryLock() {
			continue
		}
		delete(s.sessions, id)
		idle = append(idle, o)
	}
	s.metrics.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	for _, o := range idle {
		if err := o.closeLocked(ctx); err != nil {
			s.logger.Warn("Failed to discard evicted session", zap.String("session_id", o.sessionID), zap.Error(err))
		}
		o.evicted = true
		o.mu.Unlock()
	}
	return len(idle)
}
