package emit

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter implements Emitter by writing structured log entries through zap.
//
// Levels:
//   - node_start, node_end: Debug
//   - node_retry, node_reroute, run_*: Info
//   - node_error: Warn (the executor may still recover)
//   - routing_error: Error
//
// Example output (production JSON encoder):
//
//	{"level":"info","msg":"node_reroute","run_id":"default:6f1c...","step":3,"node_id":"coder_agent","target":"diagnose_errors"}
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger discards all events.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs the event at a level derived from its name.
func (z *ZapEmitter) Emit(event Event) {
	level := levelFor(event.Msg)
	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID), zap.Int("step", event.Step))
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Meta[k]))
	}

	ce.Write(fields...)
}

func levelFor(msg string) zapcore.Level {
	switch msg {
	case NodeStart, NodeEnd:
		return zapcore.DebugLevel
	case NodeError:
		return zapcore.WarnLevel
	case RoutingError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
