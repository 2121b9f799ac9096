package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapEmitter_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{RunID: "r", Step: 1, NodeID: "coder_agent", Msg: NodeStart})
	emitter.Emit(Event{RunID: "r", Step: 1, NodeID: "coder_agent", Msg: NodeError, Meta: map[string]interface{}{"error": "boom", "attempt": 1}})
	emitter.Emit(Event{RunID: "r", Step: 1, NodeID: "coder_agent", Msg: NodeReroute, Meta: map[string]interface{}{"target": "diagnose_errors"}})
	emitter.Emit(Event{RunID: "r", Step: 2, NodeID: "route_user_message", Msg: RoutingError})
	emitter.Emit(Event{RunID: "r", Step: 2, Msg: RunCompleted})

	entries := logs.All()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.InfoLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entry %d (%s): level = %v, want %v", i, entries[i].Message, entries[i].Level, want)
		}
	}

	fields := entries[1].ContextMap()
	if fields["run_id"] != "r" || fields["node_id"] != "coder_agent" || fields["error"] != "boom" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, ok := entries[4].ContextMap()["node_id"]; ok {
		t.Error("run-level events should not carry node_id")
	}
}

func TestZapEmitter_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{RunID: "r", Msg: NodeStart})
	emitter.Emit(Event{RunID: "r", Msg: NodeEnd})
	emitter.Emit(Event{RunID: "r", Msg: RunSuspended})

	if logs.Len() != 1 {
		t.Errorf("expected only run_suspended at info level, got %d entries", logs.Len())
	}
}

func TestZapEmitter_NilLogger(t *testing.T) {
	NewZapEmitter(nil).Emit(Event{RunID: "r", Msg: NodeStart})
}

func TestMulti(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := Multi(a, nil, b)

	m.Emit(Event{RunID: "r", Msg: NodeStart})

	if len(a.GetHistory("r")) != 1 || len(b.GetHistory("r")) != 1 {
		t.Error("Multi should forward to every emitter")
	}
}

func TestEvent_IsError(t *testing.T) {
	tests := []struct {
		event Event
		want  bool
	}{
		{Event{Msg: NodeStart}, false},
		{Event{Msg: NodeError}, true},
		{Event{Msg: RoutingError}, true},
		{Event{Msg: "custom", Meta: map[string]interface{}{"error": "x"}}, true},
	}
	for _, tt := range tests {
		if got := tt.event.IsError(); got != tt.want {
			t.Errorf("%s: IsError = %v, want %v", tt.event.Msg, got, tt.want)
		}
	}
}
