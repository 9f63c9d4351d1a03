package observe

import (
	"github.com/sirupsen/logrus"
)

// LogSink 把事件写成结构化日志
// 成功记 Debug，失败和限流记 Info，避免批量运行时刷屏
type LogSink struct {
	entry *logrus.Entry
}

// NewLogSink 创建日志接收器
func NewLogSink(entry *logrus.Entry) *LogSink {
	return &LogSink{entry: entry}
}

// Emit 实现 Sink
func (s *LogSink) Emit(e Event) {
	fields := logrus.Fields{
		"request_id":  e.RequestID,
		"provider":    e.Provider,
		"kind":        string(e.Kind),
		"duration_ms": e.DurationMs,
		"outcome":     string(e.Outcome),
	}
	if e.Outcome != OutcomeSuccess {
		fields["error_kind"] = e.ErrorKind.String()
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}

	entry := s.entry.WithFields(fields)
	switch e.Outcome {
	case OutcomeSuccess, OutcomeSkipped:
		entry.Debug("provider attempt")
	default:
		entry.Info("provider attempt")
	}
}
