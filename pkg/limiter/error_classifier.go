package limiter

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"stockrelay/pkg/provider/core"
)

// statusPattern 只认带上下文的状态码（HTTP/1.1 401、status 429、code=403），避免误中股票代码或偏移量
var statusPattern = regexp.MustCompile(`\b(?:http/\d(?:\.\d)?|status(?: code)?|code)\s*[:=]?\s*(\d{3})\b`)

// hasStatus 错误信息中是否带有指定的状态码
func hasStatus(msg, code string) bool {
	for _, m := range statusPattern.FindAllStringSubmatch(msg, -1) {
		if m[1] == code {
			return true
		}
	}
	return false
}

// ErrorClassifier 负责把未分类的错误归入 core.ErrorKind
// 适配器已经分类的错误（*core.ProviderError）原样保留
type ErrorClassifier struct {
	// 可以扩展添加自定义规则
}

// NewErrorClassifier 创建新的错误分类器
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify 根据错误内容分类
// 无法识别的错误一律视为临时错误：提供商本身可能仍然可用，但这次调用失败了
func (c *ErrorClassifier) Classify(err error) core.ErrorKind {
	if err == nil {
		return core.ErrorNone
	}

	if kind, ok := core.KindOf(err); ok {
		return kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.ErrorTransient
	}

	msg := strings.ToLower(err.Error())

	// 凭证错误 - 不再重试
	switch {
	case hasStatus(msg, "401"), strings.Contains(msg, "unauthorized"):
		return core.ErrorAuth
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "incorrect api key"):
		return core.ErrorAuth
	case strings.Contains(msg, "token") && (strings.Contains(msg, "invalid") || strings.Contains(msg, "expired")):
		return core.ErrorAuth
	case strings.Contains(msg, "forbidden") && hasStatus(msg, "403"):
		return core.ErrorAuth
	}

	// 额度错误 - 与限流器拒绝同等对待
	switch {
	case hasStatus(msg, "429"), strings.Contains(msg, "too many requests"):
		return core.ErrorQuota
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return core.ErrorQuota
	case strings.Contains(msg, "每分钟最多访问"), strings.Contains(msg, "每天最多访问"):
		return core.ErrorQuota
	}

	// 网络错误 - 可回退并参与冷却
	switch {
	case strings.Contains(msg, "timeout"):
		return core.ErrorTransient
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return core.ErrorTransient
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return core.ErrorTransient
	case strings.Contains(msg, "ssl"), strings.Contains(msg, "tls"), strings.Contains(msg, "handshake"):
		return core.ErrorTransient
	case strings.Contains(msg, "eof"), strings.Contains(msg, "temporary failure"):
		return core.ErrorTransient
	}

	// 数据错误 - 提供商可达但结果不可用
	switch {
	case strings.Contains(msg, "invalid argument"), strings.Contains(msg, "bad request"):
		return core.ErrorData
	case strings.Contains(msg, "not found") && hasStatus(msg, "404"):
		return core.ErrorData
	case strings.Contains(msg, "empty response"), strings.Contains(msg, "no data"):
		return core.ErrorData
	}

	return core.ErrorTransient
}

// Cooldownable 该分类是否应计入健康冷却
func (c *ErrorClassifier) Cooldownable(kind core.ErrorKind) bool {
	return kind == core.ErrorTransient
}
