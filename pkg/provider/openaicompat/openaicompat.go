// Package openaicompat OpenAI 兼容接口的 AI 服务适配器
// DeepSeek、通义千问（DashScope 兼容模式）、OpenAI、OpenRouter 都走同一套协议
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"

	"github.com/sirupsen/logrus"
)

// Preset 各服务的默认地址和模型
type Preset struct {
	BaseURL string
	Model   string
}

// 已知服务的默认值
var Presets = map[string]Preset{
	"deepseek":   {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	"dashscope":  {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-plus"},
	"openai":     {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"openrouter": {BaseURL: "https://openrouter.ai/api/v1", Model: "anthropic/claude-3.5-sonnet"},
}

// Provider OpenAI 兼容的对话补全提供商
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient core.HTTPDoer
	headers    map[string]string
	log        *logrus.Entry
}

// Option 提供商选项
type Option func(*Provider)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c core.HTTPDoer) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithHeader 附加请求头，如 OpenRouter 的 HTTP-Referer
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers[key] = value }
}

// New 创建提供商，baseURL 和 model 为空时使用 preset 的默认值
func New(name, preset, baseURL, apiKey, model string, opts ...Option) *Provider {
	def := Presets[preset]
	if baseURL == "" {
		baseURL = def.BaseURL
	}
	if model == "" {
		model = def.Model
	}
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: core.NewHTTPClient(),
		headers:    make(map[string]string),
		log:        logger.WithComponent("AIProvider").WithField("provider", name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 返回提供商名称
func (p *Provider) Name() string { return p.name }

// Kind 返回提供商类别
func (p *Provider) Kind() core.Kind { return core.KindAIService }

// Model 当前使用的模型
func (p *Provider) Model() string { return p.model }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int          `json:"index"`
		Message      core.Message `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage core.Usage `json:"usage"`
}

// Fetch 执行一次对话补全
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	if p.apiKey == "" {
		return core.Response{}, core.Errorf(p.name, core.ErrorAuth, "api key is not configured")
	}
	if len(req.Messages) == 0 {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, core.ErrEmptyPrompt)
	}

	body, err := json.Marshal(apiRequest{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return core.Response{}, core.TransportError(p.name, err)
	}
	if err := core.CheckHTTPResponse(p.name, httpResp); err != nil {
		return core.Response{}, err
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return core.Response{}, core.Errorf(p.name, core.ErrorData, "empty choices in response")
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}

	p.log.WithFields(logrus.Fields{
		"model":  model,
		"tokens": resp.Usage.TotalTokens,
	}).Debug("completion received")

	return core.Response{Completion: &core.Completion{
		ID:           resp.ID,
		Model:        model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}}, nil
}

var _ core.Client = (*Provider)(nil)
