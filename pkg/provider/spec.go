package provider

import (
	"errors"
	"fmt"
	"time"

	"stockrelay/pkg/limiter"
	"stockrelay/pkg/provider/core"
)

// 适配器类型
const (
	TypeTushare    = "tushare"
	TypeEastMoney  = "eastmoney"
	TypeTencent    = "tencent"
	TypeSina       = "sina"
	TypeStatic     = "static"
	TypeOpenAI     = "openai"
	TypeDeepSeek   = "deepseek"
	TypeDashScope  = "dashscope"
	TypeOpenRouter = "openrouter"
	TypeGemini     = "gemini"
)

// 凭证键
const (
	CredToken  = "token"
	CredAPIKey = "api_key"
)

// 默认请求超时
const (
	DefaultDataTimeout = 10 * time.Second
	DefaultAITimeout   = 60 * time.Second
)

// Spec 单个提供商的配置，加载后不再修改
type Spec struct {
	Name          string            `mapstructure:"name" yaml:"name"`
	Type          string            `mapstructure:"type" yaml:"type"`
	Kind          core.Kind         `mapstructure:"kind" yaml:"kind,omitempty"`
	Priority      int               `mapstructure:"priority" yaml:"priority"`
	Enabled       bool              `mapstructure:"enabled" yaml:"enabled"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
	RateLimit     limiter.Limit     `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	BaseURL       string            `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model         string            `mapstructure:"model" yaml:"model,omitempty"`
	FallbackModel string            `mapstructure:"fallback_model" yaml:"fallback_model,omitempty"`
	Credentials   map[string]string `mapstructure:"credentials" yaml:"credentials,omitempty"`
	Options       map[string]string `mapstructure:"options" yaml:"options,omitempty"`
}

// Credential 读取凭证，未配置时返回空串
func (s Spec) Credential(key string) string {
	if s.Credentials == nil {
		return ""
	}
	return s.Credentials[key]
}

// Validate 检查单个配置项，类型未知或类别不符都是配置错误
func (s Spec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name 不能为空"))
	}
	kind, ok := KindOfType(s.Type)
	switch {
	case s.Type == "":
		errs = append(errs, errors.New("type 不能为空"))
	case !ok:
		errs = append(errs, fmt.Errorf("不支持的提供商类型: %s", s.Type))
	case s.Kind != "" && s.Kind != kind:
		errs = append(errs, fmt.Errorf("类型 %s 属于 %s，与配置的 kind %s 不符", s.Type, kind, s.Kind))
	}
	if s.Timeout < 0 {
		errs = append(errs, errors.New("timeout 不能为负数"))
	}
	if s.RateLimit.MaxCalls < 0 {
		errs = append(errs, errors.New("rate_limit.max_calls 不能为负数"))
	}
	if s.RateLimit.MaxCalls > 0 && s.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window 必须为正数"))
	}
	if err := errors.Join(errs...); err != nil {
		if s.Name != "" {
			return fmt.Errorf("provider %s: %w", s.Name, err)
		}
		return err
	}
	return nil
}

// WithDefaults 补全由类型决定的 kind 和默认超时
func (s Spec) WithDefaults() Spec {
	if kind, ok := KindOfType(s.Type); ok && s.Kind == "" {
		s.Kind = kind
	}
	if s.Timeout == 0 {
		if s.Kind == core.KindAIService {
			s.Timeout = DefaultAITimeout
		} else {
			s.Timeout = DefaultDataTimeout
		}
	}
	return s
}

var typeKinds = map[string]core.Kind{
	TypeTushare:    core.KindDataSource,
	TypeEastMoney:  core.KindDataSource,
	TypeTencent:    core.KindDataSource,
	TypeSina:       core.KindDataSource,
	TypeStatic:     core.KindDataSource,
	TypeOpenAI:     core.KindAIService,
	TypeDeepSeek:   core.KindAIService,
	TypeDashScope:  core.KindAIService,
	TypeOpenRouter: core.KindAIService,
	TypeGemini:     core.KindAIService,
}

// KindOfType 适配器类型对应的类别
func KindOfType(typ string) (core.Kind, bool) {
	k, ok := typeKinds[typ]
	return k, ok
}
