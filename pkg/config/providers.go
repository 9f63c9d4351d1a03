package config

import (
	"strconv"
	"strings"
	"time"

	"stockrelay/pkg/limiter"
	"stockrelay/pkg/provider"
	"stockrelay/pkg/provider/tushare"
)

// 默认优先级，数值越小越先尝试
const (
	PriorityTushare   = 10
	PriorityEastMoney = 20
	PriorityTencent   = 30
	PrioritySina      = 40
	PriorityStatic    = 90

	PriorityDeepSeek   = 10
	PriorityDashScope  = 20
	PriorityOpenAI     = 30
	PriorityOpenRouter = 40
	PriorityGemini     = 50

	// OPENAI_PREFERRED=true 时 OpenAI 排在最前
	PriorityOpenAIPreferred = 5
)

// DefaultProviders 未配置提供商列表时根据环境变量生成
// 需要凭证的提供商仅在凭证存在时启用
func DefaultProviders(getenv func(string) string) []ProviderSpec {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	tushareToken := env("TUSHARE_TOKEN")
	specs := []ProviderSpec{
		{
			Name:     provider.TypeTushare,
			Type:     provider.TypeTushare,
			Priority: PriorityTushare,
			Enabled:  tushareToken != "",
			RateLimit: limiter.Limit{
				MaxCalls: envInt(env("TUSHARE_RATE_LIMIT_PER_MINUTE"), tushare.DefaultCallsPerMinute),
				Window:   time.Minute,
			},
			Credentials: credentials(provider.CredToken, tushareToken),
		},
		{Name: provider.TypeEastMoney, Type: provider.TypeEastMoney, Priority: PriorityEastMoney, Enabled: true},
		{Name: provider.TypeTencent, Type: provider.TypeTencent, Priority: PriorityTencent, Enabled: true},
		{Name: provider.TypeSina, Type: provider.TypeSina, Priority: PrioritySina, Enabled: true},
		{Name: provider.TypeStatic, Type: provider.TypeStatic, Priority: PriorityStatic, Enabled: true},
	}

	openAIPriority := PriorityOpenAI
	if preferred, _ := strconv.ParseBool(env("OPENAI_PREFERRED")); preferred {
		openAIPriority = PriorityOpenAIPreferred
	}

	specs = append(specs,
		aiSpec(env, provider.TypeDeepSeek, "DEEPSEEK", PriorityDeepSeek),
		aiSpec(env, provider.TypeDashScope, "DASHSCOPE", PriorityDashScope),
		aiSpec(env, provider.TypeOpenAI, "OPENAI", openAIPriority),
		aiSpec(env, provider.TypeOpenRouter, "OPENROUTER", PriorityOpenRouter),
	)

	gemini := aiSpec(env, provider.TypeGemini, "GEMINI", PriorityGemini)
	gemini.FallbackModel = env("GEMINI_MODEL_FALLBACK")
	gemini.Timeout = time.Duration(envInt(env("GEMINI_REQUEST_TIMEOUT"), int(provider.DefaultAITimeout/time.Second))) * time.Second
	specs = append(specs, gemini)

	return specs
}

// aiSpec 读取 <PREFIX>_API_KEY、<PREFIX>_BASE_URL 和 <PREFIX>_MODEL
func aiSpec(env func(string) string, typ, prefix string, priority int) ProviderSpec {
	key := env(prefix + "_API_KEY")
	return ProviderSpec{
		Name:        typ,
		Type:        typ,
		Priority:    priority,
		Enabled:     key != "",
		BaseURL:     env(prefix + "_BASE_URL"),
		Model:       env(prefix + "_MODEL"),
		Credentials: credentials(provider.CredAPIKey, key),
	}
}

func credentials(key, value string) map[string]string {
	if value == "" {
		return nil
	}
	return map[string]string{key: value}
}

func envInt(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}
