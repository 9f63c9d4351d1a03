package health

import (
	"sort"
	"sync"
	"time"

	"stockrelay/pkg/provider/core"
)

// Config 冷却策略
type Config struct {
	// FailureThreshold 连续临时错误达到该次数后进入冷却
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// BaseCooldown 首次冷却时长，之后每多一次连续失败翻倍
	BaseCooldown time.Duration `mapstructure:"base_cooldown" yaml:"base_cooldown"`
	// MaxCooldown 冷却时长上限
	MaxCooldown time.Duration `mapstructure:"max_cooldown" yaml:"max_cooldown"`
}

// DefaultConfig 默认冷却策略：连续3次失败冷却30秒，最长10分钟
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// State 单个提供商的健康状态快照
type State struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	QuotaExhaustedUntil time.Time `json:"quota_exhausted_until,omitempty"`
	Disabled            bool      `json:"disabled"`
	Available           bool      `json:"available"`
}

// Tracker 跟踪每个提供商的连续失败、冷却与额度耗尽
// 所有读改写都在同一把锁内完成，调用量很低，不需要更细的锁
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	consecutiveFailures int
	lastFailure         time.Time
	lastSuccess         time.Time
	cooldownUntil       time.Time
	quotaUntil          time.Time
	disabled            bool
}

// Option 健康跟踪器选项
type Option func(*Tracker)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker 创建健康跟踪器，零值字段使用默认策略
func NewTracker(cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}

	t := &Tracker{
		cfg:       cfg,
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsAvailable 提供商当前是否可以被选中
func (t *Tracker) IsAvailable(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.providers[providerID]
	if !ok {
		return true
	}
	return ph.availableAt(t.now())
}

// Blocked 返回提供商当前不可用的原因，可用时返回 core.ErrorNone
// 停用对应 ErrorAuth，额度耗尽对应 ErrorQuota，冷却对应 ErrorTransient
func (t *Tracker) Blocked(providerID string) core.ErrorKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.providers[providerID]
	if !ok {
		return core.ErrorNone
	}
	now := t.now()
	switch {
	case ph.disabled:
		return core.ErrorAuth
	case now.Before(ph.quotaUntil):
		return core.ErrorQuota
	case now.Before(ph.cooldownUntil):
		return core.ErrorTransient
	default:
		return core.ErrorNone
	}
}

// IsDisabled 提供商是否因凭证错误被永久停用
func (t *Tracker) IsDisabled(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.providers[providerID]
	return ok && ph.disabled
}

// RecordSuccess 成功后清空失败计数、冷却和额度耗尽标记
func (t *Tracker) RecordSuccess(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph := t.getOrCreate(providerID)
	ph.consecutiveFailures = 0
	ph.cooldownUntil = time.Time{}
	ph.quotaUntil = time.Time{}
	ph.lastSuccess = t.now()
}

// RecordFailure 记录一次失败
// ErrorAuth 永久停用；ErrorTransient 累加连续失败并在达到阈值后按指数冷却；
// 其他分类不影响健康状态
func (t *Tracker) RecordFailure(providerID string, kind core.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ph := t.getOrCreate(providerID)

	switch kind {
	case core.ErrorAuth:
		ph.disabled = true
		ph.lastFailure = now
	case core.ErrorTransient:
		ph.consecutiveFailures++
		ph.lastFailure = now
		if ph.consecutiveFailures >= t.cfg.FailureThreshold {
			ph.cooldownUntil = now.Add(t.cooldownFor(ph.consecutiveFailures))
		}
	}
}

// RecordQuotaExhausted 标记额度耗尽，until 之前跳过该提供商
func (t *Tracker) RecordQuotaExhausted(providerID string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph := t.getOrCreate(providerID)
	if until.After(ph.quotaUntil) {
		ph.quotaUntil = until
	}
}

// Reset 清空提供商的全部健康状态（配置重载时使用）
func (t *Tracker) Reset(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.providers, providerID)
}

// ResetAll 清空所有提供商的健康状态
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.providers = make(map[string]*providerHealth)
}

// Snapshot 返回指定提供商的状态快照，不传参数时返回所有已记录的提供商
func (t *Tracker) Snapshot(providerIDs ...string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(providerIDs) == 0 {
		for id := range t.providers {
			providerIDs = append(providerIDs, id)
		}
		sort.Strings(providerIDs)
	}

	now := t.now()
	states := make([]State, 0, len(providerIDs))
	for _, id := range providerIDs {
		st := State{Provider: id, Available: true}
		if ph, ok := t.providers[id]; ok {
			st.ConsecutiveFailures = ph.consecutiveFailures
			st.LastFailure = ph.lastFailure
			st.LastSuccess = ph.lastSuccess
			st.CooldownUntil = ph.cooldownUntil
			st.QuotaExhaustedUntil = ph.quotaUntil
			st.Disabled = ph.disabled
			st.Available = ph.availableAt(now)
		}
		states = append(states, st)
	}
	return states
}

// cooldownFor 计算冷却时长：阈值处为 BaseCooldown，之后每次翻倍，封顶 MaxCooldown
func (t *Tracker) cooldownFor(failures int) time.Duration {
	d := t.cfg.BaseCooldown
	for i := t.cfg.FailureThreshold; i < failures; i++ {
		d *= 2
		if d >= t.cfg.MaxCooldown {
			return t.cfg.MaxCooldown
		}
	}
	return d
}

func (t *Tracker) getOrCreate(providerID string) *providerHealth {
	ph, ok := t.providers[providerID]
	if !ok {
		ph = &providerHealth{}
		t.providers[providerID] = ph
	}
	return ph
}

func (ph *providerHealth) availableAt(now time.Time) bool {
	if ph.disabled {
		return false
	}
	if now.Before(ph.cooldownUntil) {
		return false
	}
	if now.Before(ph.quotaUntil) {
		return false
	}
	return true
}
