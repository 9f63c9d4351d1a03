// Package tencent 腾讯行情（qt.gtimg.cn）数据源适配器
package tencent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"

	"github.com/sirupsen/logrus"
)

// DefaultBaseURL 腾讯行情接口
const DefaultBaseURL = "http://qt.gtimg.cn/q="

// Provider 腾讯股票数据提供商
type Provider struct {
	name       string
	baseURL    string
	httpClient core.HTTPDoer
	userAgent  string
	log        *logrus.Entry
}

// Option 提供商选项
type Option func(*Provider)

// WithBaseURL 替换接口地址（测试或代理）
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		if baseURL != "" {
			p.baseURL = baseURL
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

// NewProvider 创建腾讯数据提供商
func NewProvider(name string, opts ...Option) *Provider {
	if name == "" {
		name = "tencent"
	}
	p := &Provider{
		name:       name,
		baseURL:    DefaultBaseURL,
		httpClient: core.NewHTTPClient(),
		userAgent:  "StockRelay/1.0",
		log:        logger.WithComponent("TencentProvider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 返回提供商名称
func (p *Provider) Name() string {
	return p.name
}

// Kind 返回提供商类别
func (p *Provider) Kind() core.Kind {
	return core.KindDataSource
}

// Fetch 获取单只股票的实时行情
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	symbol := core.NormalizeSymbol(req.Symbol)
	if !core.IsASymbol(symbol) {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, req.Symbol))
	}

	url := p.buildURL(symbol)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create request failed: %w", err))
	}
	httpReq.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return core.Response{}, core.TransportError(p.name, err)
	}
	if err := core.CheckHTTPResponse(p.name, resp); err != nil {
		return core.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Response{}, core.TransportError(p.name, fmt.Errorf("read response failed: %w", err))
	}

	p.log.WithFields(logrus.Fields{
		"symbol": symbol,
		"bytes":  len(body),
	}).Debug("tencent response received")

	for _, info := range parseTencentData(string(body)) {
		if info.Symbol == symbol {
			info := info
			return core.Response{Stock: &info}, nil
		}
	}
	return core.Response{}, core.Errorf(p.name, core.ErrorData, "no data for symbol %s", symbol)
}

// Close 关闭空闲连接
func (p *Provider) Close() error {
	if c, ok := p.httpClient.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// buildURL 构建腾讯行情URL
func (p *Provider) buildURL(symbols ...string) string {
	parts := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		parts = append(parts, string(core.MarketOf(symbol))+symbol)
	}
	return p.baseURL + strings.Join(parts, ",")
}

var (
	_ core.Client   = (*Provider)(nil)
	_ core.Closable = (*Provider)(nil)
)
