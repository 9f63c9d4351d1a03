package core

import (
	"context"
	"fmt"
)

// Kind 提供商类别
type Kind string

const (
	// KindDataSource 行情数据源（Tushare、东方财富、腾讯、新浪等）
	KindDataSource Kind = "data-source"
	// KindAIService AI 对话补全服务（DeepSeek、通义千问、OpenAI 等）
	KindAIService Kind = "ai-service"
)

// ParseKind 解析配置中的提供商类别
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDataSource, KindAIService:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// Client 所有提供商适配器都必须实现的能力
// 适配器负责请求构造、响应解析以及错误分类，是唯一接触网络的地方
type Client interface {
	// Name 返回提供商名称，与配置中的 ProviderSpec.Name 一致
	Name() string

	// Kind 返回提供商类别
	Kind() Kind

	// Fetch 执行一次请求
	// 返回的错误应尽量是 *ProviderError，以便选择器决定回退和冷却策略
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Closable 可关闭接口
// 需要清理资源的提供商应实现此接口
type Closable interface {
	// Close 关闭提供商，清理资源
	Close() error
}
