// Package tushare Tushare Pro 数据源适配器
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"stockrelay/pkg/logger"
	"stockrelay/pkg/provider/core"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL Tushare Pro HTTP 接口
	DefaultBaseURL = "http://api.tushare.pro"

	// DefaultCallsPerMinute 免费积分档位的每分钟调用上限
	DefaultCallsPerMinute = 80
)

// Tushare 常见错误码
const (
	codeTokenInvalid     = 40101 // token 不对
	codePermissionDenied = 40203 // 积分不足或超频
)

// Provider Tushare 数据提供商
type Provider struct {
	name       string
	token      string
	baseURL    string
	httpClient core.HTTPDoer
	now        func() time.Time
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

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider 创建 Tushare 数据提供商
func NewProvider(name, token string, opts ...Option) *Provider {
	if name == "" {
		name = "tushare"
	}
	p := &Provider{
		name:       name,
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: core.NewHTTPClient(),
		now:        time.Now,
		log:        logger.WithComponent("TushareProvider"),
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

type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// rows 把 fields/items 表格转换为按列名索引的行
func (r *apiResponse) rows() []map[string]interface{} {
	if r.Data == nil {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(r.Data.Items))
	for _, item := range r.Data.Items {
		row := make(map[string]interface{}, len(r.Data.Fields))
		for i, f := range r.Data.Fields {
			if i < len(item) {
				row[f] = item[i]
			}
		}
		out = append(out, row)
	}
	return out
}

// Fetch 获取最近一个交易日的日线行情以及股票名称
func (p *Provider) Fetch(ctx context.Context, req core.Request) (core.Response, error) {
	if p.token == "" {
		return core.Response{}, core.Errorf(p.name, core.ErrorAuth, "tushare token is not configured")
	}

	symbol := core.NormalizeSymbol(req.Symbol)
	if !core.IsASymbol(symbol) {
		return core.Response{}, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, req.Symbol))
	}
	tsCode := TSCode(symbol)

	daily, err := p.call(ctx, "daily", map[string]string{"ts_code": tsCode},
		"ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol,amount")
	if err != nil {
		return core.Response{}, err
	}
	rows := daily.rows()
	if len(rows) == 0 {
		return core.Response{}, core.Errorf(p.name, core.ErrorData, "no daily data for %s", tsCode)
	}
	// 按交易日倒序返回，第一行为最近交易日
	row := rows[0]

	info := &core.StockInfo{
		Symbol:        symbol,
		Price:         num(row["close"]),
		Open:          num(row["open"]),
		High:          num(row["high"]),
		Low:           num(row["low"]),
		PrevClose:     num(row["pre_close"]),
		Change:        num(row["change"]),
		ChangePercent: num(row["pct_chg"]),
		Volume:        int64(math.Round(num(row["vol"]) * 100)), // 手 -> 股
		Turnover:      num(row["amount"]) * 1000,    // 千元 -> 元
		Timestamp:     tradeDate(str(row["trade_date"])),
	}

	// 名称查询失败不影响行情结果
	if basic, err := p.call(ctx, "stock_basic", map[string]string{"ts_code": tsCode}, "ts_code,name"); err == nil {
		if rows := basic.rows(); len(rows) > 0 {
			info.Name = str(rows[0]["name"])
		}
	} else {
		p.log.WithError(err).WithField("ts_code", tsCode).Debug("stock_basic lookup failed")
	}

	return core.Response{Stock: info}, nil
}

func (p *Provider) call(ctx context.Context, api string, params map[string]string, fields string) (*apiResponse, error) {
	payload, err := json.Marshal(apiRequest{APIName: api, Token: p.token, Params: params, Fields: fields})
	if err != nil {
		return nil, core.NewProviderError(p.name, core.ErrorData, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("create request failed: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.TransportError(p.name, err)
	}
	if err := core.CheckHTTPResponse(p.name, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, core.NewProviderError(p.name, core.ErrorData, fmt.Errorf("decode %s response: %w", api, err))
	}
	if ar.Code != 0 {
		return nil, p.classify(api, ar.Code, ar.Msg)
	}
	return &ar, nil
}

// classify Tushare 的业务错误码都以 HTTP 200 返回，需要根据 code 和 msg 分类
func (p *Provider) classify(api string, code int, msg string) *core.ProviderError {
	err := fmt.Errorf("%s: code %d: %s", api, code, msg)

	switch {
	case strings.Contains(msg, "每分钟最多访问"), strings.Contains(msg, "每小时最多访问"):
		return &core.ProviderError{Provider: p.name, Kind: core.ErrorQuota, Err: err}
	case strings.Contains(msg, "每天最多访问"):
		// 日额度耗尽，等到次日
		return &core.ProviderError{Provider: p.name, Kind: core.ErrorQuota, RetryAfter: untilNextDay(p.now()), Err: err}
	case code == codeTokenInvalid, strings.Contains(strings.ToLower(msg), "token"):
		return &core.ProviderError{Provider: p.name, Kind: core.ErrorAuth, Err: err}
	case code == codePermissionDenied:
		return &core.ProviderError{Provider: p.name, Kind: core.ErrorAuth, Err: err}
	default:
		return &core.ProviderError{Provider: p.name, Kind: core.ErrorData, Err: err}
	}
}

// TSCode 把6位代码转换为 Tushare 的 ts_code，如 600519.SH
func TSCode(symbol string) string {
	return symbol + "." + strings.ToUpper(string(core.MarketOf(symbol)))
}

func num(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func tradeDate(s string) time.Time {
	t, err := time.ParseInLocation("20060102", s, time.FixedZone("CST", 8*3600))
	if err != nil {
		return time.Time{}
	}
	// 日线数据以收盘时间为准
	return t.Add(15 * time.Hour)
}

func untilNextDay(now time.Time) time.Duration {
	cst := now.In(time.FixedZone("CST", 8*3600))
	next := time.Date(cst.Year(), cst.Month(), cst.Day()+1, 0, 0, 0, 0, cst.Location())
	return next.Sub(cst)
}

var _ core.Client = (*Provider)(nil)
