package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink 把尝试事件汇总为计数器和耗时直方图
type PrometheusSink struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink 创建并注册指标
// reg 为 nil 时使用默认注册表
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockrelay",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome and error kind.",
		}, []string{"provider", "kind", "outcome", "error_kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockrelay",
			Name:      "provider_attempt_duration_seconds",
			Help:      "Latency of provider fetches.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "kind"}),
	}

	if err := reg.Register(s.attempts); err != nil {
		return nil, err
	}
	if err := reg.Register(s.duration); err != nil {
		return nil, err
	}
	return s, nil
}

// Emit 实现 Sink
func (s *PrometheusSink) Emit(e Event) {
	s.attempts.WithLabelValues(e.Provider, string(e.Kind), string(e.Outcome), e.ErrorKind.String()).Inc()

	// 只有真正调用了提供商的尝试才有耗时
	if e.Outcome == OutcomeSuccess || e.Outcome == OutcomeFailure {
		s.duration.WithLabelValues(e.Provider, string(e.Kind)).Observe(float64(e.DurationMs) / 1000)
	}
}
