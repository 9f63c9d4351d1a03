package limiter

import (
	"sync"
	"time"
)

// Limit 单个提供商的窗口配额
type Limit struct {
	MaxCalls int           `mapstructure:"max_calls" yaml:"max_calls"` // 窗口内最大调用次数，<=0 表示不限
	Window   time.Duration `mapstructure:"window" yaml:"window"`       // 窗口长度
}

// Unlimited 是否不限流
func (l Limit) Unlimited() bool {
	return l.MaxCalls <= 0 || l.Window <= 0
}

// WindowLimiter 固定窗口限流器
// 窗口按墙上时钟对齐（窗口序号 = floor(now / window)），跨入新窗口时计数清零。
// 拒绝是立即返回的，不排队也不等待，是否跳过该提供商由调用方决定。
type WindowLimiter struct {
	mu     sync.Mutex
	limits map[string]Limit
	states map[string]*windowState
	now    func() time.Time
}

type windowState struct {
	index int64
	count int
}

// Option 限流器选项
type Option func(*WindowLimiter)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) { l.now = now }
}

// NewWindowLimiter 创建固定窗口限流器
func NewWindowLimiter(opts ...Option) *WindowLimiter {
	l := &WindowLimiter{
		limits: make(map[string]Limit),
		states: make(map[string]*windowState),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimit 设置提供商的配额，会清空该提供商当前窗口计数
func (l *WindowLimiter) SetLimit(providerID string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[providerID] = limit
	delete(l.states, providerID)
}

// Acquire 尝试占用一次调用额度
// 当前窗口未满时计数加一并返回 true，否则返回 false
func (l *WindowLimiter) Acquire(providerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[providerID]
	if !ok || limit.Unlimited() {
		return true
	}

	st := l.currentLocked(providerID, limit)
	if st.count >= limit.MaxCalls {
		return false
	}
	st.count++
	return true
}

// Remaining 当前窗口剩余额度，不限流时返回 -1
func (l *WindowLimiter) Remaining(providerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[providerID]
	if !ok || limit.Unlimited() {
		return -1
	}

	st := l.currentLocked(providerID, limit)
	return limit.MaxCalls - st.count
}

// WindowEnd 返回当前窗口的结束时间，不限流时返回零值
func (l *WindowLimiter) WindowEnd(providerID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[providerID]
	if !ok || limit.Unlimited() {
		return time.Time{}
	}

	index := windowIndex(l.now(), limit.Window)
	return time.Unix(0, (index+1)*int64(limit.Window))
}

// Reset 清空提供商的计数
func (l *WindowLimiter) Reset(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.states, providerID)
}

// currentLocked 返回当前窗口的状态，必要时滚动到新窗口；调用方需持有锁
func (l *WindowLimiter) currentLocked(providerID string, limit Limit) *windowState {
	index := windowIndex(l.now(), limit.Window)

	st, ok := l.states[providerID]
	if !ok {
		st = &windowState{index: index}
		l.states[providerID] = st
	}
	if st.index != index {
		st.index = index
		st.count = 0
	}
	return st
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}
