// Package eastmoney 东方财富 push2 行情数据源适配器（AkShare 实时行情的底层数据来源）
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"

	"github.com/sirupsen/logrus"
)

// DefaultBaseURL 东方财富个股行情接口
const DefaultBaseURL = "https://push2.eastmoney.com/api/qt/stock/get"

// 请求的字段
// f43 最新价 f44 最高 f45 最低 f46 今开 f47 成交量(手) f48 成交额
// f57 代码 f58 名称 f60 昨收 f86 行情时间(unix秒) f169 涨跌额 f170 涨跌幅
const quoteFields = "f43,f44,f45,f46,f47,f48,f57,f58,f60,f86,f169,f170"

// Provider 东方财富数据提供商
type Provider struct {
	name       string
	baseURL    string
	httpClient core.HTTPDoer
	log        *logrus.Entry
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

// NewProvider 创建东方财富数据提供商
func NewProvider(name string, opts ...Option) *Provider {
	if name == "" {
		name = "eastmoney"
	}
	p := &Provider{
		name:       name,
		baseURL:    DefaultBaseURL,
		httpClient: core.NewHTTPClient(),
		log:        logger.WithComponent("EastMoneyProvider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 返回提供商名称
func (p *Provider) Name() string { return p.name }

// Kind 返回提供商类别
func (p *Provider) Kind() core.Kind { return core.KindDataSource }

type quoteResponse struct {
	RC   int        `json:"rc"`
	Data *quoteData `json:"data"`
}

// fltt=2 时价格字段直接是小数，停牌等情况下为 "-"
type quoteData struct {
	Price         flexFloat `json:"f43"`
	High          flexFloat `json:"f44"`
	Low           flexFloat `json:"f45"`
	Open          flexFloat `json:"f46"`
	Volume        flexFloat `json:"f47"`
	Turnover      flexFloat `json:"f48"`
	Code          string    `json:"f57"`
	Name          string    `json:"f58"`
	PrevClose     flexFloat `json:"f60"`
	QuoteTime     int64     `json:"f86"`
	Change        flexFloat `json:"f169"`
	ChangePercent flexFloat `json:"f170"`
}

// flexFloat 兼容数字和 "-" 两种取值
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	*f = 0
	return nil
}

// Fetch 获取单只股票的实时行情
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	symbol := core.NormalizeSymbol(req.Symbol)
	if !core.IsASymbol(symbol) {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, req.Symbol))
	}

	q := url.Values{}
	q.Set("secid", secID(symbol))
	q.Set("fields", quoteFields)
	q.Set("fltt", "2")
	q.Set("invt", "2")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create request failed: %w", err))
	}
	httpReq.Header.Set("Referer", "https://quote.eastmoney.com/")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return core.Response{}, core.TransportError(p.name, err)
	}
	if err := core.CheckHTTPResponse(p.name, resp); err != nil {
		return core.Response{}, err
	}
	defer resp.Body.Close()

	var qr quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("decode response: %w", err))
	}
	if qr.RC != 0 || qr.Data == nil || qr.Data.Code == "" {
		return core.Response{}, core.Errorf(p.name, core.ErrorData, "no data for symbol %s (rc=%d)", symbol, qr.RC)
	}

	d := qr.Data
	info := &core.StockInfo{
		Symbol:        d.Code,
		Name:          d.Name,
		Price:         float64(d.Price),
		Change:        float64(d.Change),
		ChangePercent: float64(d.ChangePercent),
		Open:          float64(d.Open),
		High:          float64(d.High),
		Low:           float64(d.Low),
		PrevClose:     float64(d.PrevClose),
		Volume:        int64(d.Volume) * 100, // 手 -> 股
		Turnover:      float64(d.Turnover),
		Timestamp:     time.Now(),
	}
	if d.QuoteTime > 0 {
		info.Timestamp = time.Unix(d.QuoteTime, 0)
	}

	p.log.WithField("symbol", symbol).Debug("eastmoney quote received")
	return core.Response{Stock: info}, nil
}

// secID 东方财富的证券标识：上交所 1.xxxxxx，深交所和北交所 0.xxxxxx
func secID(symbol string) string {
	if core.MarketOf(symbol) == core.MarketSH {
		return "1." + symbol
	}
	return "0." + symbol
}

var _ core.Client = (*Provider)(nil)
