package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/provider/eastmoney"
	"stockrelay/pkg/provider/gemini"
	"stockrelay/pkg/provider/openaicompat"
	"stockrelay/pkg/provider/sina"
	"stockrelay/pkg/provider/static"
	"stockrelay/pkg/provider/tencent"
	"stockrelay/pkg/provider/tushare"
	"stockrelay/pkg/selector"
)

// Factory 根据配置创建适配器
type Factory func(spec Spec, env BuildEnv) (core.Client, error)

// BuildEnv 所有适配器共享的构建参数
type BuildEnv struct {
	HTTPClient core.HTTPDoer
}

// Registry 适配器注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	env       BuildEnv
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithHTTPClient 所有适配器使用同一个 HTTP 客户端（测试用）
func WithHTTPClient(c core.HTTPDoer) RegistryOption {
	return func(r *Registry) { r.env.HTTPClient = c }
}

// NewRegistry 创建空的注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRegistry 注册全部内置适配器
func DefaultRegistry(opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.factories[TypeTushare] = buildTushare
	r.factories[TypeEastMoney] = buildEastMoney
	r.factories[TypeTencent] = buildTencent
	r.factories[TypeSina] = buildSina
	r.factories[TypeStatic] = buildStatic
	for _, typ := range []string{TypeOpenAI, TypeDeepSeek, TypeDashScope, TypeOpenRouter} {
		r.factories[typ] = buildOpenAICompat
	}
	r.factories[TypeGemini] = buildGemini
	return r
}

// Register 注册或替换某个类型的工厂
func (r *Registry) Register(typ string, factory Factory) error {
	if typ == "" {
		return fmt.Errorf("provider type cannot be empty")
	}
	if _, ok := KindOfType(typ); !ok {
		return fmt.Errorf("unsupported provider type: %s", typ)
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[typ] = factory
	return nil
}

// Types 已注册的类型
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build 根据配置创建单个适配器
func (r *Registry) Build(spec Spec) (core.Client, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: 类型 %s 未注册", spec.Name, spec.Type)
	}

	client, err := factory(spec, r.env)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
	}
	if client.Kind() != spec.Kind {
		return nil, fmt.Errorf("provider %s: 适配器类别 %s 与配置 %s 不符", spec.Name, client.Kind(), spec.Kind)
	}
	return client, nil
}

// BuildAll 创建选择器使用的提供商列表，保持配置顺序
// 停用项构建失败时直接忽略，启用项构建失败返回错误
func (r *Registry) BuildAll(specs []Spec) ([]selector.Provider, error) {
	providers := make([]selector.Provider, 0, len(specs))
	for _, spec := range specs {
		spec = spec.WithDefaults()
		client, err := r.Build(spec)
		if err != nil {
			if !spec.Enabled {
				continue
			}
			return nil, err
		}
		providers = append(providers, selector.Provider{
			Name:      spec.Name,
			Kind:      spec.Kind,
			Priority:  spec.Priority,
			Enabled:   spec.Enabled,
			Timeout:   spec.Timeout,
			RateLimit: spec.RateLimit,
			Client:    client,
		})
	}
	return providers, nil
}

func buildTushare(spec Spec, env BuildEnv) (core.Client, error) {
	var opts []tushare.Option
	if spec.BaseURL != "" {
		opts = append(opts, tushare.WithBaseURL(spec.BaseURL))
	}
	if env.HTTPClient != nil {
		opts = append(opts, tushare.WithHTTPClient(env.HTTPClient))
	}
	return tushare.NewProvider(spec.Name, spec.Credential(CredToken), opts...), nil
}

func buildEastMoney(spec Spec, env BuildEnv) (core.Client, error) {
	var opts []eastmoney.Option
	if spec.BaseURL != "" {
		opts = append(opts, eastmoney.WithBaseURL(spec.BaseURL))
	}
	if env.HTTPClient != nil {
		opts = append(opts, eastmoney.WithHTTPClient(env.HTTPClient))
	}
	return eastmoney.NewProvider(spec.Name, opts...), nil
}

func buildTencent(spec Spec, env BuildEnv) (core.Client, error) {
	var opts []tencent.Option
	if spec.BaseURL != "" {
		opts = append(opts, tencent.WithBaseURL(spec.BaseURL))
	}
	if env.HTTPClient != nil {
		opts = append(opts, tencent.WithHTTPClient(env.HTTPClient))
	}
	return tencent.NewProvider(spec.Name, opts...), nil
}

func buildSina(spec Spec, env BuildEnv) (core.Client, error) {
	var opts []sina.Option
	if spec.BaseURL != "" {
		opts = append(opts, sina.WithBaseURL(spec.BaseURL))
	}
	if env.HTTPClient != nil {
		opts = append(opts, sina.WithHTTPClient(env.HTTPClient))
	}
	return sina.NewProvider(spec.Name, opts...), nil
}

// buildStatic options 即代码到名称的补充映射
func buildStatic(spec Spec, _ BuildEnv) (core.Client, error) {
	return static.NewProvider(spec.Name, spec.Options), nil
}

// buildOpenAICompat options 中 header.<Name> 形式的键作为附加请求头
func buildOpenAICompat(spec Spec, env BuildEnv) (core.Client, error) {
	var opts []openaicompat.Option
	if env.HTTPClient != nil {
		opts = append(opts, openaicompat.WithHTTPClient(env.HTTPClient))
	}
	for k, v := range spec.Options {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			opts = append(opts, openaicompat.WithHeader(name, v))
		}
	}
	return openaicompat.New(spec.Name, spec.Type, spec.BaseURL, spec.Credential(CredAPIKey), spec.Model, opts...), nil
}

func buildGemini(spec Spec, env BuildEnv) (core.Client, error) {
	opts := []gemini.Option{gemini.WithModels(spec.Model, spec.FallbackModel)}
	if spec.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(spec.BaseURL))
	}
	if env.HTTPClient != nil {
		opts = append(opts, gemini.WithHTTPClient(env.HTTPClient))
	}
	return gemini.New(spec.Name, spec.Credential(CredAPIKey), opts...), nil
}
