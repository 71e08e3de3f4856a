package status

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rdsping/pkg/transport"
)

// LogSink renders events as line-oriented zap entries.
type LogSink struct {
	L *zap.Logger
}

// NewLogSink uses the global logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.L()
	}
	return &LogSink{L: l.Named("status")}
}

func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("role", e.Role.String()),
		zap.Stringer("transport", e.Transport),
	}
	if e.HasStream {
		fields = append(fields, zap.Uint32("stream", uint32(e.Stream)))
	}
	if e.Local.IsValid() {
		fields = append(fields, zap.Stringer("local", e.Local))
	}
	if e.Peer.IsValid() {
		fields = append(fields, zap.Stringer("peer", e.Peer))
	}
	if e.Payload != "" {
		fields = append(fields, zap.String("payload", e.Payload))
	}
	if e.RTT > 0 {
		fields = append(fields, zap.Duration("rtt", e.RTT))
	}
	if e.Note != "" {
		fields = append(fields, zap.String("note", e.Note))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err), zap.Stringer("class", transport.Classify(e.Err)))
	}
	if ce := s.L.Check(levelOf(e.Kind), string(e.Kind)); ce != nil {
		ce.Write(fields...)
	}
}

func levelOf(k Kind) zapcore.Level {
	switch k {
	case KindError:
		return zapcore.ErrorLevel
	case KindTimeout, KindDegraded, KindMalformed:
		return zapcore.WarnLevel
	case KindDiscarded:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
