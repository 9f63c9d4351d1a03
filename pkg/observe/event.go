// Package observe 定义选择器每次尝试产生的结构化事件，以及把事件送往日志、InfluxDB、Prometheus 的接收器
package observe

import (
	"sync"
	"time"

	"stockrelay/pkg/provider/core"
)

// Outcome 一次尝试的结果
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeQuotaDenied Outcome = "quota_denied" // 限流器拒绝，未调用提供商
	OutcomeSkipped     Outcome = "skipped"      // 冷却或停用中，不计为尝试
)

// Event 单次尝试事件
type Event struct {
	Time       time.Time      `json:"time"`
	RequestID  string         `json:"request_id"`
	Provider   string         `json:"provider"`
	Kind       core.Kind      `json:"kind"`
	DurationMs int64          `json:"duration_ms"`
	Outcome    Outcome        `json:"outcome"`
	ErrorKind  core.ErrorKind `json:"error_kind"`
	Error      string         `json:"error,omitempty"`
}

// Sink 事件接收器
// Emit 在选择器的调用路径上同步执行，实现不能阻塞
type Sink interface {
	Emit(Event)
}

// SinkFunc 函数适配器
type SinkFunc func(Event)

// Emit 实现 Sink
func (f SinkFunc) Emit(e Event) { f(e) }

// NoopSink 丢弃所有事件
type NoopSink struct{}

// Emit 实现 Sink
func (NoopSink) Emit(Event) {}

// MultiSink 把事件分发给多个接收器
type MultiSink []Sink

// Emit 实现 Sink
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder 在内存中保留事件，供 API 展示最近的尝试以及测试断言
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder 创建事件记录器，limit<=0 表示不限
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit 实现 Sink
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events 返回事件副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
