package selector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stockrelay/pkg/limiter"
	"stockrelay/pkg/provider/core"
)

var (
	// ErrNoProviderSelected 手动模式下指定的提供商不存在、未启用或类别不符；自动模式下没有可用候选
	ErrNoProviderSelected = errors.New("no provider selected")

	// ErrAllProvidersExhausted 所有候选都失败或被跳过
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// Mode 选择模式
type Mode string

const (
	// ModeAuto 按优先级依次尝试所有启用的提供商
	ModeAuto Mode = "auto"
	// ModeManual 只使用指定的提供商
	ModeManual Mode = "manual"
)

// ParseMode 解析选择模式，空字符串视为 auto
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", s)
	}
}

// Selection 某一类别的选择方式
type Selection struct {
	Mode     Mode   `mapstructure:"mode" yaml:"mode" json:"mode"`
	Provider string `mapstructure:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
}

// Auto 自动选择
func Auto() Selection {
	return Selection{Mode: ModeAuto}
}

// Manual 手动指定提供商
func Manual(provider string) Selection {
	return Selection{Mode: ModeManual, Provider: provider}
}

// Provider 选择器视角下的提供商：配置中的静态属性加上适配器实例
type Provider struct {
	Name      string
	Kind      core.Kind
	Priority  int
	Enabled   bool
	Timeout   time.Duration
	RateLimit limiter.Limit
	Client    core.Client
}

// Attempt 一次尝试（或跳过）的记录
type Attempt struct {
	Provider string         `json:"provider"`
	Kind     core.ErrorKind `json:"error_kind"`
	Err      error          `json:"-"`
	Duration time.Duration  `json:"duration"`
	// Skipped 为 true 表示因冷却或停用没有调用提供商
	Skipped bool `json:"skipped,omitempty"`
}

// Message 错误信息
func (a Attempt) Message() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

func (a Attempt) String() string {
	if a.Skipped {
		return a.Provider + "=skipped"
	}
	return a.Provider + "=" + a.Kind.String()
}

// Result 成功结果
type Result struct {
	Response  core.Response
	Provider  string
	RequestID string
	// Attempts 成功之前的失败尝试和限流拒绝，按尝试顺序
	Attempts []Attempt
	// Skipped 因冷却或停用被跳过的提供商，仅用于诊断
	Skipped []Attempt
}

// ResolveError Resolve 的整体失败
// Err 是 ErrNoProviderSelected、ErrAllProvidersExhausted 或上下文错误
type ResolveError struct {
	Kind      core.Kind
	Mode      Mode
	RequestID string
	Attempts  []Attempt
	Skipped   []Attempt
	Err       error
}

func (e *ResolveError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s)", e.Err, e.Kind, e.Mode)

	all := make([]string, 0, len(e.Attempts)+len(e.Skipped))
	for _, a := range e.Attempts {
		all = append(all, a.String())
	}
	for _, a := range e.Skipped {
		all = append(all, a.String())
	}
	if len(all) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(all, ", "))
	}
	return b.String()
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// DataOnly 所有实际调用都以数据错误结束
// 说明提供商都可达，只是没有该股票的数据
func (e *ResolveError) DataOnly() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if a.Kind != core.ErrorData {
			return false
		}
	}
	return true
}
