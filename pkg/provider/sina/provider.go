// Package sina 新浪行情（hq.sinajs.cn）数据源适配器
package sina

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

// DefaultBaseURL 新浪行情接口
const DefaultBaseURL = "http://hq.sinajs.cn/list="

// Provider 新浪股票数据提供商
type Provider struct {
	name       string
	httpClient core.HTTPDoer
	userAgent  string
	log        *logrus.Entry
	baseURL    string
}

// Option 提供商选项
type Option func(*Provider)

// WithBaseURL 替换接口地址
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

// NewProvider 创建新浪数据提供商
func NewProvider(name string, opts ...Option) *Provider {
	if name == "" {
		name = "sina"
	}
	p := &Provider{
		name:       name,
		httpClient: core.NewHTTPClient(),
		userAgent:  "StockRelay/1.0",
		log:        logger.WithComponent("SinaProvider"),
		baseURL:    DefaultBaseURL,
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

// Close 关闭提供商，清理资源
func (p *Provider) Close() error {
	if c, ok := p.httpClient.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// Fetch 获取单只股票的实时行情
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	symbol := core.NormalizeSymbol(req.Symbol)
	if !core.IsASymbol(symbol) {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, req.Symbol))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.buildURL(symbol), nil)
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create request failed: %w", err))
	}

	// 新浪要求 Referer，否则返回 403
	httpReq.Header.Set("User-Agent", p.userAgent)
	httpReq.Header.Set("Referer", "https://finance.sina.com.cn/")

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

	for _, info := range parseSinaData(string(body)) {
		if info.Symbol == symbol {
			info := info
			return core.Response{Stock: &info}, nil
		}
	}

	p.log.WithField("symbol", symbol).Debug("sina returned no quote")
	return core.Response{}, core.Errorf(p.name, core.ErrorData, "no data for symbol %s", symbol)
}

// buildURL 构建新浪行情URL
func (p *Provider) buildURL(symbols ...string) string {
	parts := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		parts = append(parts, string(core.MarketOf(symbol))+symbol)
	}
	return p.baseURL + strings.Join(parts, ",")
}

// 确保 Provider 实现了所需的接口
var _ core.Client = (*Provider)(nil)
var _ core.Closable = (*Provider)(nil)
