// Package gemini Google Gemini 适配器
// 主模型返回 404（模型不存在或已下线）时改用备用模型重试一次
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL Gemini REST 接口
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultModel 默认主模型
	DefaultModel = "gemini-3-flash-preview"
	// DefaultFallbackModel 默认备用模型
	DefaultFallbackModel = "gemini-2.5-flash"
)

// Provider Gemini 提供商
type Provider struct {
	name          string
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	httpClient    core.HTTPDoer
	log           *logrus.Entry
}

// Option 提供商选项
type Option func(*Provider)

// WithBaseURL 替换接口地址
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c core.HTTPDoer) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithModels 设置主模型和备用模型，空值保留默认
func WithModels(model, fallback string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
		if fallback != "" {
			p.fallbackModel = fallback
		}
	}
}

// New 创建 Gemini 提供商
func New(name, apiKey string, opts ...Option) *Provider {
	if name == "" {
		name = "gemini"
	}
	p := &Provider{
		name:          name,
		baseURL:       DefaultBaseURL,
		apiKey:        apiKey,
		model:         DefaultModel,
		fallbackModel: DefaultFallbackModel,
		httpClient:    core.NewHTTPClient(),
		log:           logger.WithComponent("GeminiProvider"),
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

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Fetch 执行一次对话补全
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	if p.apiKey == "" {
		return core.Response{}, core.Errorf(p.name, core.ErrorAuth, "api key is not configured")
	}
	if len(req.Messages) == 0 {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, core.ErrEmptyPrompt)
	}

	resp, err := p.generate(ctx, p.model, req)
	if err == nil || p.fallbackModel == "" || p.fallbackModel == p.model || !isModelNotFound(err) {
		return resp, err
	}

	p.log.WithFields(logrus.Fields{
		"model":    p.model,
		"fallback": p.fallbackModel,
	}).Warn("primary model unavailable, retrying with fallback model")
	return p.generate(ctx, p.fallbackModel, req)
}

func (p *Provider) generate(ctx context.Context, model string, req core.Request) (core.Response, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("marshal gemini request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create gemini request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// 错误信息里带有 key，不向上透出原始 URL
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return core.Response{}, core.TransportError(p.name, err)
	}
	if err := core.CheckHTTPResponse(p.name, httpResp); err != nil {
		return core.Response{}, classifyStatusError(err)
	}
	defer httpResp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gr); err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("decode gemini response: %w", err))
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return core.Response{}, core.Errorf(p.name, core.ErrorData, "empty candidates in gemini response")
	}

	var text strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return core.Response{Completion: &core.Completion{
		Model:        model,
		Content:      text.String(),
		FinishReason: strings.ToLower(gr.Candidates[0].FinishReason),
		Usage: core.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
	}}, nil
}

// buildRequest system 消息放入 systemInstruction，assistant 角色改为 model
func buildRequest(req core.Request) geminiRequest {
	var gr geminiRequest
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: m.Content})
			continue
		case "assistant":
			gr.Contents = append(gr.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return gr
}

// classifyStatusError Gemini 对无效密钥返回 400 INVALID_ARGUMENT，按凭证错误处理
func classifyStatusError(err error) error {
	var pe *core.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		return err
	}
	msg := pe.Err.Error()
	if strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(strings.ToLower(msg), "api key not valid") {
		pe.Kind = core.ErrorAuth
	}
	return err
}

func isModelNotFound(err error) bool {
	var pe *core.ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

var _ core.Client = (*Provider)(nil)
