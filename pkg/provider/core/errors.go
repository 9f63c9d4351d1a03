package core

import (
	"errors"
	"fmt"
	"time"
)

// 请求层面的错误
var (
	// ErrEmptySymbol 股票代码为空
	ErrEmptySymbol = errors.New("symbol is empty")

	// ErrInvalidSymbol 无效的股票代码
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrEmptyPrompt 对话内容为空
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrUnsupportedKind 不支持的请求类别
	ErrUnsupportedKind = errors.New("unsupported request kind")
)

// ErrorKind 提供商失败的分类，决定选择器的回退与冷却策略
type ErrorKind int

const (
	// ErrorNone 没有错误
	ErrorNone ErrorKind = iota
	// ErrorAuth 凭证无效或过期，配置重载前不再使用该提供商
	ErrorAuth
	// ErrorQuota 频率或额度超限，与限流器拒绝同等对待
	ErrorQuota
	// ErrorTransient 网络、5xx、超时等临时故障，参与冷却
	ErrorTransient
	// ErrorData 响应格式正确但内容无效，回退但不冷却
	ErrorData
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorAuth:
		return "auth_error"
	case ErrorQuota:
		return "quota_error"
	case ErrorTransient:
		return "transient_error"
	case ErrorData:
		return "data_error"
	default:
		return "unknown"
	}
}

// MarshalText 让 ErrorKind 以字符串形式出现在 JSON/YAML 中
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ProviderError 带分类信息的提供商错误
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// RetryAfter 服务端建议的等待时间，仅对 ErrorQuota 有意义
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError 创建分类错误
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// Errorf 以格式化消息创建分类错误
func Errorf(provider string, kind ErrorKind, format string, args ...interface{}) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf 提取错误链中的分类；没有分类信息时返回 false
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return ErrorNone, false
}

// RetryAfterOf 提取错误链中的 RetryAfter
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
